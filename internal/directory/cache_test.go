package directory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func signUp(t *testing.T, db *store.DB, address, name string) string {
	t.Helper()
	res, err := db.SignUp(context.Background(), address, "secret123", map[string]string{"name": name})
	if err != nil {
		t.Fatalf("SignUp(%s): %v", address, err)
	}
	return res.UserID
}

func newCache(t *testing.T, db *store.DB, self string) *Cache {
	t.Helper()
	c := New(db, nil, zap.NewNop())
	c.Begin(self)
	if err := c.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendRequestValidation(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ca := newCache(t, db, a)
	ctx := context.Background()

	if _, err := ca.SendRequest(ctx, a); !failure.HasCode(err, failure.CodeSelfRequest) {
		t.Errorf("self request err = %v", err)
	}
	if _, err := ca.SendRequest(ctx, b); err != nil {
		t.Fatal(err)
	}
	if out := ca.Outgoing(); len(out) != 1 || out[0].ReceiverID != b {
		t.Errorf("outgoing = %+v", out)
	}
	if _, err := ca.SendRequest(ctx, b); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("second request err = %v", err)
	}

	// B has not refreshed, so the duplicate is caught by the backend.
	cb := New(db, nil, nil)
	cb.Begin(b)
	if _, err := cb.SendRequest(ctx, a); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("reverse request err = %v", err)
	}

	var pending int
	_ = db.QueryRow(`SELECT COUNT(*) FROM friend_requests WHERE status = 'pending'`).Scan(&pending)
	if pending != 1 {
		t.Errorf("pending rows = %d, want 1", pending)
	}
}

func TestAcceptCreatesFriendshipOnce(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ctx := context.Background()
	ca := newCache(t, db, a)
	cb := newCache(t, db, b)

	req, err := ca.SendRequest(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.RefreshRequests(ctx); err != nil {
		t.Fatal(err)
	}
	if in := cb.Incoming(); len(in) != 1 || in[0].ID != req.ID || in[0].Counterpart.ID != a {
		t.Fatalf("incoming = %+v", in)
	}

	if err := ca.Accept(ctx, req.ID); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("sender accept err = %v", err)
	}
	if err := cb.Accept(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	if err := cb.Accept(ctx, req.ID); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("second accept err = %v", err)
	}
	if len(cb.Incoming()) != 0 {
		t.Errorf("incoming after accept = %+v", cb.Incoming())
	}
	if f := cb.Friends(); len(f) != 1 || f[0].ID != a {
		t.Errorf("B friends = %+v", f)
	}

	var userA, userB string
	if err := db.QueryRow(`SELECT user_a, user_b FROM friendships`).Scan(&userA, &userB); err != nil {
		t.Fatal(err)
	}
	if userA >= userB {
		t.Errorf("friendship not canonical: %s, %s", userA, userB)
	}

	if _, err := cb.SendRequest(ctx, a); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("request to friend err = %v", err)
	}
}

func TestRejectLeavesNoFriendship(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ctx := context.Background()
	ca := newCache(t, db, a)
	cb := newCache(t, db, b)

	req, err := ca.SendRequest(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := ca.Reject(ctx, req.ID); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("sender reject err = %v", err)
	}
	if err := cb.Reject(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	if err := cb.RefreshFriends(ctx); err != nil {
		t.Fatal(err)
	}
	if len(cb.Friends()) != 0 || len(cb.Incoming()) != 0 {
		t.Errorf("friends = %+v incoming = %+v", cb.Friends(), cb.Incoming())
	}
}

func TestGenerateInviteCode(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	ca := newCache(t, db, a)
	ctx := context.Background()

	first, err := ca.GenerateInviteCode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != inviteCodeLen {
		t.Errorf("len = %d", len(first))
	}
	for _, r := range first {
		if !strings.ContainsRune(inviteAlphabet, r) {
			t.Errorf("code %q has symbol %q outside the alphabet", first, r)
		}
	}

	second, err := ca.GenerateInviteCode(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := db.GetProfile(ctx, a)
	if p.InviteCode != second {
		t.Errorf("stored code = %q, want latest %q", p.InviteCode, second)
	}
}

// collidingCodes rejects the first n invite codes as taken.
type collidingCodes struct {
	*store.DB
	n int
}

func (c *collidingCodes) SetInviteCode(ctx context.Context, actor, code string) error {
	if c.n > 0 {
		c.n--
		return platform.ErrUniqueViolation
	}
	return c.DB.SetInviteCode(ctx, actor, code)
}

func TestGenerateInviteCodeRetriesCollisions(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	ctx := context.Background()

	c := New(&collidingCodes{DB: db, n: 2}, nil, nil)
	c.Begin(a)
	if _, err := c.GenerateInviteCode(ctx); err != nil {
		t.Errorf("err = %v", err)
	}

	c = New(&collidingCodes{DB: db, n: inviteCodeAttempts}, nil, nil)
	c.Begin(a)
	if _, err := c.GenerateInviteCode(ctx); !failure.Retryable(err) {
		t.Errorf("exhausted err = %v", err)
	}
}

func TestSendRequestByInviteCode(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ctx := context.Background()
	if err := db.SetInviteCode(ctx, b, "abc123"); err != nil {
		t.Fatal(err)
	}
	ca := newCache(t, db, a)

	tests := []struct {
		name string
		code string
		want failure.Code
	}{
		{"blank", "  ", failure.CodeInvalidCode},
		{"unknown", "nope42", failure.CodeInvalidCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ca.SendRequestByInviteCode(ctx, tt.code); !failure.HasCode(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}

	id, err := ca.SendRequestByInviteCode(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if out := ca.Outgoing(); len(out) != 1 || out[0].ID != id {
		t.Errorf("outgoing = %+v", out)
	}
	if _, err := ca.SendRequestByInviteCode(ctx, "abc123"); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("repeat err = %v", err)
	}
}

func TestWorkflowWithoutSession(t *testing.T) {
	db := testDB(t)
	c := New(db, nil, zap.NewNop())
	ctx := context.Background()

	if _, err := c.SendRequest(ctx, "x"); !errors.Is(err, failure.ErrNoSession) {
		t.Errorf("SendRequest err = %v", err)
	}
	if err := c.Accept(ctx, "x"); !errors.Is(err, failure.ErrNoSession) {
		t.Errorf("Accept err = %v", err)
	}
	if err := c.Hydrate(ctx); !errors.Is(err, failure.ErrNoSession) {
		t.Errorf("Hydrate err = %v", err)
	}
}

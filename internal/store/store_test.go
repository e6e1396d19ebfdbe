package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/platform"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func signUp(t *testing.T, db *DB, address, name string) string {
	t.Helper()
	res, err := db.SignUp(context.Background(), address, "secret123", map[string]string{"name": name})
	if err != nil {
		t.Fatalf("SignUp(%s): %v", address, err)
	}
	return res.UserID
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestSignUpSignInSignOut(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	res, err := db.SignUp(ctx, " Ana@Example.com ", "secret123", map[string]string{"name": "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Session == nil {
		t.Fatal("expected a session without confirmation")
	}

	p, err := db.GetProfile(ctx, res.UserID)
	if err != nil || p == nil {
		t.Fatalf("GetProfile: %v %v", p, err)
	}
	if p.DisplayName != "Ana" || p.Address != "ana@example.com" || p.Status != model.PresenceOffline {
		t.Errorf("profile = %+v", p)
	}

	if _, err := db.SignIn(ctx, "ana@example.com", "wrong-secret"); !failure.HasCode(err, failure.CodeInvalidCredentials) {
		t.Errorf("bad password err = %v", err)
	}
	sess, err := db.SignIn(ctx, "ANA@example.com", "secret123")
	if err != nil {
		t.Fatal(err)
	}

	sub := db.OnAuthStateChange()
	defer sub.Close()

	if err := db.SignOut(ctx, sess.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetSession(ctx, sess.Token); failure.KindOf(err) != failure.NotFound {
		t.Errorf("GetSession after SignOut err = %v", err)
	}
	select {
	case evt := <-sub.C():
		if evt.Kind != bus.AuthSignedOut {
			t.Errorf("event kind = %s", evt.Kind)
		}
		if ac := evt.Payload.(bus.AuthChange); ac.Token != sess.Token || ac.UserID != res.UserID {
			t.Errorf("payload = %+v", ac)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth event")
	}
}

func TestSignUpValidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		address string
		secret  string
		code    failure.Code
	}{
		{"missing at", "nobody", "secret123", failure.CodeInvalidInput},
		{"short secret", "a@x.io", "123", failure.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.SignUp(ctx, tt.address, tt.secret, nil)
			if !failure.HasCode(err, tt.code) {
				t.Errorf("err = %v, want code %s", err, tt.code)
			}
		})
	}

	signUp(t, db, "dup@x.io", "Dup")
	if _, err := db.SignUp(ctx, "DUP@x.io", "secret123", nil); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("duplicate err = %v", err)
	}
}

func TestConfirmationFlow(t *testing.T) {
	db := testDB(t, WithConfirmation(true))
	ctx := context.Background()

	res, err := db.SignUp(ctx, "c@x.io", "secret123", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Session != nil {
		t.Fatal("expected no session before confirmation")
	}
	if _, err := db.SignIn(ctx, "c@x.io", "secret123"); !failure.HasCode(err, failure.CodeInvalidCredentials) {
		t.Errorf("unconfirmed SignIn err = %v", err)
	}

	sub := db.OnAuthStateChange()
	defer sub.Close()

	sess, err := db.Confirm(ctx, "c@x.io")
	if err != nil {
		t.Fatal(err)
	}
	evt := <-sub.C()
	if evt.Kind != bus.AuthSignedIn || evt.Payload.(bus.AuthChange).UserID != sess.UserID {
		t.Errorf("event = %+v", evt)
	}
	if _, err := db.SignIn(ctx, "c@x.io", "secret123"); err != nil {
		t.Errorf("confirmed SignIn: %v", err)
	}
}

func TestGetOrCreateConversationIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")

	id1, err := db.GetOrCreateConversation(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := db.GetOrCreateConversation(ctx, b, a)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}

	found, ok, err := db.FindDirectConversation(ctx, b, a)
	if err != nil || !ok || found != id1 {
		t.Errorf("FindDirectConversation = %q %v %v", found, ok, err)
	}

	if _, err := db.CreateDirectConversation(ctx, a, b); !errors.Is(err, platform.ErrUniqueViolation) {
		t.Errorf("CreateDirectConversation on existing pair err = %v", err)
	}
	if _, err := db.GetOrCreateConversation(ctx, a, a); !failure.HasCode(err, failure.CodeInvalidInput) {
		t.Errorf("self conversation err = %v", err)
	}
}

func TestConcurrentGetOrCreateYieldsOneConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				ids[i], errs[i] = db.GetOrCreateConversation(ctx, a, b)
			} else {
				ids[i], errs[i] = db.GetOrCreateConversation(ctx, b, a)
			}
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("call %d id = %s, want %s", i, ids[i], ids[0])
		}
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("conversations = %d, want 1", count)
	}
}

func TestListConversationsOrdersAndDenies(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	db := testDB(t, WithClock(mock))
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	c := signUp(t, db, "c@x.io", "C")

	ab, _ := db.GetOrCreateConversation(ctx, a, b)
	mock.Add(time.Second)
	ac, _ := db.GetOrCreateConversation(ctx, a, c)
	mock.Add(time.Second)
	if err := db.TouchConversation(ctx, a, ab, mock.Now()); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != ab || convs[1].ID != ac {
		t.Fatalf("order = %+v", convs)
	}
	if len(convs[0].Participants) != 2 || convs[0].Participants[0].ID != a {
		t.Errorf("participants = %+v", convs[0].Participants)
	}

	if err := db.TouchConversation(ctx, a, ab, time.UnixMilli(1)); err != nil {
		t.Fatal(err)
	}
	convs, _ = db.ListConversations(ctx, a)
	if convs[0].ID != ab {
		t.Error("older touch moved conversation backwards")
	}

	if _, err := db.ListMessages(ctx, c, ab); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("non-participant ListMessages err = %v", err)
	}
}

func TestMessagesOrderedWithTies(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(5_000))
	db := testDB(t, WithClock(mock))
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	conv, _ := db.GetOrCreateConversation(ctx, a, b)

	s, _ := db.Feed().Subscribe(ctx)
	defer s.Close()

	if _, err := db.InsertMessage(ctx, a, conv, "one", model.MessageText); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(ctx, b, conv, "two", model.MessageText); err != nil {
		t.Fatal(err)
	}
	mock.Add(time.Millisecond)
	third, _ := db.InsertMessage(ctx, a, conv, "three", model.MessageText)

	msgs, err := db.ListMessages(ctx, b, conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if model.CompareMessages(msgs[i-1], msgs[i]) >= 0 {
			t.Errorf("messages %d and %d out of order", i-1, i)
		}
	}
	if msgs[2].ID != third.ID {
		t.Errorf("last = %s, want %s", msgs[2].ID, third.ID)
	}
	if msgs[0].SenderName == "" {
		t.Error("sender name not denormalized")
	}

	latest, err := db.LatestMessage(ctx, a, conv)
	if err != nil || latest == nil || latest.ID != third.ID {
		t.Errorf("LatestMessage = %+v %v", latest, err)
	}

	seen := 0
	for seen < 3 {
		select {
		case evt := <-s.C():
			if evt.Kind != bus.ChangeKind("messages") {
				continue
			}
			if ch := evt.Payload.(bus.Change); ch.ConversationID != conv || ch.Op != bus.OpInsert {
				t.Errorf("change = %+v", ch)
			}
			seen++
		case <-time.After(time.Second):
			t.Fatalf("saw %d message changes, want 3", seen)
		}
	}
}

func TestFriendRequestLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")

	if _, err := db.InsertFriendRequest(ctx, a, a); !failure.HasCode(err, failure.CodeSelfRequest) {
		t.Errorf("self request err = %v", err)
	}

	req, err := db.InsertFriendRequest(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertFriendRequest(ctx, a, b); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("duplicate err = %v", err)
	}
	if _, err := db.InsertFriendRequest(ctx, b, a); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("reverse duplicate err = %v", err)
	}

	reqs, err := db.ListFriendRequests(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Counterpart == nil || reqs[0].Counterpart.ID != a {
		t.Fatalf("requests = %+v", reqs)
	}

	if err := db.AcceptFriendRequest(ctx, a, req.ID); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("sender accept err = %v", err)
	}
	if err := db.AcceptFriendRequest(ctx, b, req.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.AcceptFriendRequest(ctx, b, req.ID); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("second accept err = %v", err)
	}

	for _, who := range []string{a, b} {
		friends, err := db.ListFriends(ctx, who)
		if err != nil {
			t.Fatal(err)
		}
		if len(friends) != 1 {
			t.Errorf("friends of %s = %+v", who, friends)
		}
	}
	var rows int
	_ = db.QueryRow(`SELECT COUNT(*) FROM friendships`).Scan(&rows)
	if rows != 1 {
		t.Errorf("friendship rows = %d, want 1", rows)
	}

	if _, err := db.InsertFriendRequest(ctx, b, a); !failure.HasCode(err, failure.CodeDuplicate) {
		t.Errorf("request to friend err = %v", err)
	}
}

func TestRejectFriendRequest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")

	req, err := db.InsertFriendRequest(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.RejectFriendRequest(ctx, a, req.ID); !failure.HasCode(err, failure.CodeNotFoundOrDenied) {
		t.Errorf("sender reject err = %v", err)
	}
	if err := db.RejectFriendRequest(ctx, b, req.ID); err != nil {
		t.Fatal(err)
	}
	reqs, _ := db.ListFriendRequests(ctx, a)
	if len(reqs) != 1 || reqs[0].Status != model.RequestRejected {
		t.Errorf("requests = %+v", reqs)
	}
	if _, err := db.InsertFriendRequest(ctx, a, b); err != nil {
		t.Errorf("re-request after reject: %v", err)
	}
}

func TestSendFriendRequestByInvite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")

	if err := db.SetInviteCode(ctx, b, "ABCD2345"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetInviteCode(ctx, a, "ABCD2345"); !errors.Is(err, platform.ErrUniqueViolation) {
		t.Errorf("colliding invite code err = %v", err)
	}

	tests := []struct {
		name  string
		actor string
		code  string
		want  failure.Code
	}{
		{"blank", a, "   ", failure.CodeInvalidCode},
		{"unknown", a, "ZZZZ9999", failure.CodeInvalidCode},
		{"own code", b, "ABCD2345", failure.CodeSelfRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := db.SendFriendRequestByInvite(ctx, tt.actor, tt.code); !failure.HasCode(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}

	id, err := db.SendFriendRequestByInvite(ctx, a, " ABCD2345 ")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("empty request id")
	}
}

func TestUpsertTypingSignalKeepsOneRow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	conv, _ := db.GetOrCreateConversation(ctx, a, b)

	for _, typing := range []bool{true, false, true} {
		if err := db.UpsertTypingSignal(ctx, model.TypingSignal{ConversationID: conv, IdentityID: a, Typing: typing}); err != nil {
			t.Fatal(err)
		}
	}
	var (
		rows     int
		isTyping bool
	)
	_ = db.QueryRow(`SELECT COUNT(*), MAX(is_typing) FROM typing_signals`).Scan(&rows, &isTyping)
	if rows != 1 || !isTyping {
		t.Errorf("rows = %d typing = %v", rows, isTyping)
	}
}

func TestUpsertTypingSignalLastWriteWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	conv, _ := db.GetOrCreateConversation(ctx, a, b)
	sub := db.events.Subscribe(bus.ChangeKind("typing_signals"), 8)
	defer sub.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signals := []model.TypingSignal{
		{ConversationID: conv, IdentityID: a, Typing: false, At: at},
		// A start sent before the stop but written after it.
		{ConversationID: conv, IdentityID: a, Typing: true, At: at.Add(-time.Millisecond)},
	}
	for _, sig := range signals {
		if err := db.UpsertTypingSignal(ctx, sig); err != nil {
			t.Fatal(err)
		}
	}

	var isTyping bool
	if err := db.QueryRow(`SELECT is_typing FROM typing_signals`).Scan(&isTyping); err != nil {
		t.Fatal(err)
	}
	if isTyping {
		t.Error("older signal overwrote the newer stop")
	}
	if len(sub.C()) != 1 {
		t.Errorf("change events = %d, want 1", len(sub.C()))
	}
}

func TestUpdateUserStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")

	if err := db.UpdateUserStatus(ctx, a, model.PresenceOnline); err != nil {
		t.Fatal(err)
	}
	p, _ := db.GetProfile(ctx, a)
	if p.Status != model.PresenceOnline || p.LastSeen.IsZero() {
		t.Errorf("profile = %+v", p)
	}
	if err := db.UpdateUserStatus(ctx, "missing", model.PresenceOnline); failure.KindOf(err) != failure.NotFound {
		t.Errorf("missing profile err = %v", err)
	}
}

func TestTokenStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tokens := db.Tokens()

	if tok, err := tokens.LoadToken(ctx); err != nil || tok != "" {
		t.Fatalf("empty LoadToken = %q %v", tok, err)
	}
	if err := tokens.SaveToken(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := tokens.SaveToken(ctx, "t2"); err != nil {
		t.Fatal(err)
	}
	if tok, _ := tokens.LoadToken(ctx); tok != "t2" {
		t.Errorf("LoadToken = %q, want t2", tok)
	}
	if err := tokens.ClearToken(ctx); err != nil {
		t.Fatal(err)
	}
	if tok, _ := tokens.LoadToken(ctx); tok != "" {
		t.Errorf("after clear = %q", tok)
	}
}

func TestProfileTokensAreSeparate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ana, bob := db.ProfileTokens("ana"), db.ProfileTokens("bob")

	if err := ana.SaveToken(ctx, "ana-token"); err != nil {
		t.Fatal(err)
	}
	if err := bob.SaveToken(ctx, "bob-token"); err != nil {
		t.Fatal(err)
	}
	if err := bob.ClearToken(ctx); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ana.LoadToken(ctx); tok != "ana-token" {
		t.Errorf("ana token = %q", tok)
	}
	if tok, _ := db.Tokens().LoadToken(ctx); tok != "" {
		t.Errorf("default token = %q, want empty", tok)
	}
}

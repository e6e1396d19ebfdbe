package chat

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/chatsync/internal/failure"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T, opts ...store.Option) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts...)
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

type recordingTyping struct {
	mu      sync.Mutex
	stopped []string
}

func (r *recordingTyping) StopTyping(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, conversationID)
	return nil
}

func (r *recordingTyping) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

func TestResolveConcurrentFromBothSides(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	r := NewResolver(db, zap.NewNop())

	const n = 10
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				ids[i], errs[i] = r.Resolve(context.Background(), a, b)
			} else {
				ids[i], errs[i] = r.Resolve(context.Background(), b, a)
			}
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("resolve %d = %s, want %s", i, ids[i], ids[0])
		}
	}
	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE kind = 'direct'`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("direct conversations = %d, want 1", rows)
	}
}

func TestResolveValidation(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	r := NewResolver(db, nil)

	tests := []struct {
		name        string
		self, other string
	}{
		{"empty self", "", a},
		{"empty other", a, ""},
		{"self only", a, a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.self, tt.other)
			if failure.KindOf(err) != failure.Validation {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}
}

// hiddenOnce makes the first direct-conversation lookup miss, so the
// resolver runs into the uniqueness violation of a lost race.
type hiddenOnce struct {
	*store.DB
	finds atomic.Int32
}

func (h *hiddenOnce) FindDirectConversation(ctx context.Context, a, b string) (string, bool, error) {
	if h.finds.Add(1) == 1 {
		return "", false, nil
	}
	return h.DB.FindDirectConversation(ctx, a, b)
}

func TestResolveRecoversFromLostRace(t *testing.T) {
	db := testDB(t)
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	winner, err := db.GetOrCreateConversation(context.Background(), b, a)
	if err != nil {
		t.Fatal(err)
	}

	data := &hiddenOnce{DB: db}
	got, err := NewResolver(data, nil).Resolve(context.Background(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got != winner {
		t.Errorf("Resolve = %s, want winner %s", got, winner)
	}
	if data.finds.Load() != 2 {
		t.Errorf("finds = %d, want 2", data.finds.Load())
	}
}

// flakyPreview fails the latest-message lookup of one conversation.
type flakyPreview struct {
	*store.DB
	failFor string
}

func (f *flakyPreview) LatestMessage(ctx context.Context, actor, conversationID string) (*model.Message, error) {
	if conversationID == f.failFor {
		return nil, errors.New("connection reset")
	}
	return f.DB.LatestMessage(ctx, actor, conversationID)
}

func TestConversationsHydrate(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(10_000))
	db := testDB(t, store.WithClock(mock))
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	c := signUp(t, db, "c@x.io", "C")

	ab, _ := db.GetOrCreateConversation(ctx, a, b)
	mock.Add(time.Second)
	ac, _ := db.GetOrCreateConversation(ctx, a, c)
	mock.Add(time.Second)
	if _, err := db.InsertMessage(ctx, b, ab, "hello", model.MessageText); err != nil {
		t.Fatal(err)
	}

	convs := NewConversations(&flakyPreview{DB: db, failFor: ac}, nil, zap.NewNop())
	convs.Begin(a)
	if err := convs.Hydrate(ctx); err != nil {
		t.Fatal(err)
	}

	list := convs.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != ab || list[0].Preview == nil || list[0].Preview.Content != "hello" {
		t.Errorf("first = %+v", list[0])
	}
	if list[1].ID != ac || list[1].Preview != nil {
		t.Errorf("second = %+v", list[1])
	}
	if got, ok := convs.Get(ac); !ok || got.ID != ac {
		t.Errorf("Get(%s) = %+v %v", ac, got, ok)
	}
}

func TestSortConversationsTiesById(t *testing.T) {
	at := time.UnixMilli(1000)
	convs := []model.Conversation{
		{ID: "b", UpdatedAt: at},
		{ID: "c", UpdatedAt: at.Add(time.Second)},
		{ID: "a", UpdatedAt: at},
		{ID: "d", UpdatedAt: at, Preview: &model.Message{CreatedAt: at.Add(2 * time.Second)}},
	}
	sortConversations(convs)

	var got []string
	for _, c := range convs {
		got = append(got, c.ID)
	}
	if want := []string{"d", "c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

// gatedMessages blocks ListMessages for one conversation until released.
type gatedMessages struct {
	*store.DB
	gated   string
	release chan struct{}
	entered chan struct{}
}

func (g *gatedMessages) ListMessages(ctx context.Context, actor, conversationID string) ([]model.Message, error) {
	msgs, err := g.DB.ListMessages(ctx, actor, conversationID)
	if conversationID == g.gated {
		close(g.entered)
		<-g.release
	}
	return msgs, err
}

func TestSetActiveDiscardsSupersededFetch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	c := signUp(t, db, "c@x.io", "C")
	ab, _ := db.GetOrCreateConversation(ctx, a, b)
	ac, _ := db.GetOrCreateConversation(ctx, a, c)
	if _, err := db.InsertMessage(ctx, b, ab, "from b", model.MessageText); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(ctx, c, ac, "from c", model.MessageText); err != nil {
		t.Fatal(err)
	}

	data := &gatedMessages{DB: db, gated: ab, release: make(chan struct{}), entered: make(chan struct{})}
	typing := &recordingTyping{}
	msgs := NewMessages(data, typing, nil, zap.NewNop())
	msgs.Begin(a)

	done := make(chan error, 1)
	go func() { done <- msgs.SetActive(ctx, ab) }()
	<-data.entered

	if err := msgs.SetActive(ctx, ac); err != nil {
		t.Fatal(err)
	}
	close(data.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	active, log := msgs.Snapshot()
	if active != ac {
		t.Errorf("active = %s, want %s", active, ac)
	}
	if len(log) != 1 || log[0].Content != "from c" {
		t.Errorf("log = %+v", log)
	}
	if got := typing.calls(); len(got) != 1 || got[0] != ab {
		t.Errorf("typing stopped for %v, want [%s]", got, ab)
	}
}

func TestSetActiveNoneClears(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ab, _ := db.GetOrCreateConversation(ctx, a, b)
	if _, err := db.InsertMessage(ctx, a, ab, "hi", model.MessageText); err != nil {
		t.Fatal(err)
	}

	msgs := NewMessages(db, nil, nil, nil)
	msgs.Begin(a)
	if err := msgs.SetActive(ctx, ab); err != nil {
		t.Fatal(err)
	}
	if _, log := msgs.Snapshot(); len(log) != 1 {
		t.Fatalf("log = %+v", log)
	}
	if err := msgs.SetActive(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if active, log := msgs.Snapshot(); active != "" || len(log) != 0 {
		t.Errorf("after clear: %q %+v", active, log)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ab, _ := db.GetOrCreateConversation(ctx, a, b)

	msgs := NewMessages(db, nil, nil, nil)
	msgs.Begin(b)
	if err := msgs.SetActive(ctx, ab); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(ctx, a, ab, "one", model.MessageText); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(ctx, a, ab, "two", model.MessageText); err != nil {
		t.Fatal(err)
	}

	if err := msgs.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	_, once := msgs.Snapshot()
	if err := msgs.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	_, twice := msgs.Snapshot()
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("snapshots differ:\n%+v\n%+v", once, twice)
	}
	for i := 1; i < len(twice); i++ {
		if model.CompareMessages(twice[i-1], twice[i]) > 0 {
			t.Errorf("messages %d and %d out of order", i-1, i)
		}
	}
}

func TestAppend(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(50_000))
	db := testDB(t, store.WithClock(mock))
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ab, _ := db.GetOrCreateConversation(ctx, a, b)

	typing := &recordingTyping{}
	msgs := NewMessages(db, typing, nil, zap.NewNop())
	msgs.Begin(a)
	if err := msgs.SetActive(ctx, ab); err != nil {
		t.Fatal(err)
	}

	if _, err := msgs.Append(ctx, ab, "   \n\t"); !failure.HasCode(err, failure.CodeEmptyMessage) {
		t.Errorf("blank err = %v", err)
	}

	mock.Add(time.Minute)
	sent, err := msgs.Append(ctx, ab, "  hi  ")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "hi" || sent.SenderID != a {
		t.Errorf("sent = %+v", sent)
	}
	if _, log := msgs.Snapshot(); len(log) != 0 {
		t.Errorf("message inserted locally: %+v", log)
	}
	if got := typing.calls(); len(got) != 1 || got[0] != ab {
		t.Errorf("typing stopped for %v", got)
	}

	convs, _ := db.ListConversations(ctx, a)
	if !convs[0].UpdatedAt.Equal(sent.CreatedAt) {
		t.Errorf("updated_at = %v, want %v", convs[0].UpdatedAt, sent.CreatedAt)
	}
}

type offlineInsert struct {
	*store.DB
}

func (offlineInsert) InsertMessage(context.Context, string, string, string, model.MessageType) (*model.Message, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestAppendNetworkFailureIsRetryable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ab, _ := db.GetOrCreateConversation(ctx, a, b)

	msgs := NewMessages(offlineInsert{db}, nil, nil, nil)
	msgs.Begin(a)
	if err := msgs.SetActive(ctx, ab); err != nil {
		t.Fatal(err)
	}

	_, err := msgs.Append(ctx, ab, "hi")
	if !failure.Retryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
	if _, log := msgs.Snapshot(); len(log) != 0 {
		t.Errorf("partial message left: %+v", log)
	}
}

func TestStoresRequireSession(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	convs := NewConversations(db, nil, nil)
	if err := convs.Refresh(ctx); !errors.Is(err, failure.ErrNoSession) {
		t.Errorf("Conversations.Refresh err = %v", err)
	}
	msgs := NewMessages(db, nil, nil, nil)
	if err := msgs.SetActive(ctx, "x"); !errors.Is(err, failure.ErrNoSession) {
		t.Errorf("SetActive err = %v", err)
	}
	if _, err := msgs.Append(ctx, "x", "hi"); !errors.Is(err, failure.ErrNoSession) {
		t.Errorf("Append err = %v", err)
	}
}

func TestResetDiscardsInFlightRefresh(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := signUp(t, db, "a@x.io", "A")
	b := signUp(t, db, "b@x.io", "B")
	ab, _ := db.GetOrCreateConversation(ctx, a, b)

	data := &gatedMessages{DB: db, gated: ab, release: make(chan struct{}), entered: make(chan struct{})}
	msgs := NewMessages(data, nil, nil, nil)
	msgs.Begin(a)

	done := make(chan error, 1)
	go func() { done <- msgs.SetActive(ctx, ab) }()
	<-data.entered
	msgs.Reset()
	close(data.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if active, log := msgs.Snapshot(); active != "" || log != nil {
		t.Errorf("state after reset = %q %+v", active, log)
	}
}

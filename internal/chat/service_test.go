package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/formfind/internal/ai"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Chat{}, &Message{}, &MessageV2{}, &Vote{}, &VoteV2{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeStreamProvider scripts a generation: emit the segments, then settle
// the error or the response metadata.
type fakeStreamProvider struct {
	segments []ai.Segment
	resp     *ai.Response
	err      error

	mu       sync.Mutex
	received [][]ai.Message
}

func (p *fakeStreamProvider) lastReceived() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) == 0 {
		return nil
	}
	return p.received[len(p.received)-1]
}

func (p *fakeStreamProvider) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	return p.resp, p.err
}

func (p *fakeStreamProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan ai.Segment, <-chan *ai.Response, <-chan error) {
	p.mu.Lock()
	p.received = append(p.received, messages)
	p.mu.Unlock()

	segments := make(chan ai.Segment, 16)
	resps := make(chan *ai.Response, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(segments)
		defer close(resps)
		defer close(errs)

		if p.err != nil {
			errs <- p.err
			return
		}
		for _, seg := range p.segments {
			select {
			case segments <- seg:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.resp != nil {
			resps <- p.resp
		}
	}()

	return segments, resps, errs
}

type fakeTitleProvider struct {
	title string
	err   error

	mu    sync.Mutex
	calls int
}

func (p *fakeTitleProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeTitleProvider) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &ai.Response{Messages: []ai.Message{{
		ID:    "title-msg",
		Role:  ai.RoleAssistant,
		Parts: []ai.Part{{Type: ai.PartText, Text: p.title}},
	}}}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []TurnEvent
}

func (s *recordingSink) PublishTurnEvent(ctx context.Context, ev TurnEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestRegistry(stream *fakeStreamProvider, title *fakeTitleProvider) *ai.Registry {
	reg := ai.NewRegistry()
	if stream != nil {
		reg.Register(ai.SelectorChat, func(ctx context.Context) (ai.Provider, error) {
			return stream, nil
		})
	}
	if title != nil {
		reg.Register(ai.SelectorTitle, func(ctx context.Context) (ai.Provider, error) {
			return title, nil
		})
	}
	return reg
}

// drain consumes the full turn: every segment, the result if any, and the
// terminal error if any.
func drain(segs <-chan ai.Segment, results <-chan TurnResult, errs <-chan error) ([]ai.Segment, *TurnResult, error) {
	var out []ai.Segment
	for s := range segs {
		out = append(out, s)
	}
	var res *TurnResult
	if r, ok := <-results; ok {
		res = &r
	}
	return out, res, <-errs
}

func userTurnRequest(chatID, text string) TurnRequest {
	return TurnRequest{
		ChatID: chatID,
		Messages: []ai.Message{{
			ID:    "user-msg-1",
			Role:  ai.RoleUser,
			Parts: []ai.Part{{Type: ai.PartText, Text: text}},
		}},
		SelectedModel: ai.SelectorChat,
	}
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestStreamTurn_FirstTurnCreatesChatAndPersistsPair(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &fakeStreamProvider{
		segments: []ai.Segment{
			{Type: ai.SegmentText, Text: "Here "},
			{Type: ai.SegmentText, Text: "are "},
			{Type: ai.SegmentText, Text: "oak chairs."},
		},
		resp: &ai.Response{Messages: []ai.Message{{
			ID:    "assistant-msg-1",
			Role:  ai.RoleAssistant,
			Parts: []ai.Part{{Type: ai.PartText, Text: "Here are oak chairs."}},
		}}},
	}
	title := &fakeTitleProvider{title: "Oak chair ideas"}
	sink := &recordingSink{}

	svc := NewService(repo, newTestRegistry(prov, title), Options{Events: sink})

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "chair in oak"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	// the user turn must be durable before the gateway is ever invoked
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "user"); n != 1 {
		t.Fatalf("expected 1 persisted user message before generation, got %d", n)
	}

	chatRow, err := repo.GetChatByID(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chatRow.UserID != 1 || chatRow.Title != "Oak chair ideas" {
		t.Fatalf("unexpected chat row: owner=%d title=%q", chatRow.UserID, chatRow.Title)
	}

	segs, res, err := drain(turn.Stream(context.Background()))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res == nil || !res.Persisted || res.AssistantMessageID != "assistant-msg-1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	var streamed strings.Builder
	for _, s := range segs {
		streamed.WriteString(s.Text)
	}

	var row MessageV2
	if err := db.First(&row, "id = ?", "assistant-msg-1").Error; err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	if row.Role != "assistant" || row.ChatID != "c1" {
		t.Fatalf("unexpected assistant row: role=%q chat=%q", row.Role, row.ChatID)
	}

	var parts []ai.Part
	if err := json.Unmarshal(row.Parts, &parts); err != nil {
		t.Fatalf("unmarshal parts: %v", err)
	}
	if len(parts) != 1 || parts[0].Type != ai.PartText {
		t.Fatalf("expected one text part, got %+v", parts)
	}
	// stream-to-persistence equivalence
	if parts[0].Text != streamed.String() {
		t.Fatalf("persisted %q != streamed %q", parts[0].Text, streamed.String())
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != EventTurnCompleted {
		t.Fatalf("unexpected events: %v", kinds)
	}
}

func TestStreamTurn_DirectiveInjectedButNeverPersisted(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &fakeStreamProvider{
		segments: []ai.Segment{{Type: ai.SegmentText, Text: "ok"}},
		resp: &ai.Response{Messages: []ai.Message{{
			ID:    "a1",
			Role:  ai.RoleAssistant,
			Parts: []ai.Part{{Type: ai.PartText, Text: "ok"}},
		}}},
	}
	svc := NewService(repo, newTestRegistry(prov, &fakeTitleProvider{title: "T"}), Options{})

	req := userTurnRequest("c1", "chair in oak")
	turn, err := svc.BeginTurn(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if _, _, err := drain(turn.Stream(context.Background())); err != nil {
		t.Fatalf("stream: %v", err)
	}

	sent := prov.lastReceived()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message sent to gateway, got %d", len(sent))
	}
	sentText := sent[0].Parts[0].Text
	if !strings.HasPrefix(sentText, assistantDirective) {
		t.Fatalf("gateway input missing directive prefix: %q", sentText)
	}
	if !strings.HasSuffix(sentText, "User says: chair in oak") {
		t.Fatalf("gateway input missing user text: %q", sentText)
	}

	// the caller's request must not have been mutated
	if req.Messages[0].Parts[0].Text != "chair in oak" {
		t.Fatalf("request mutated: %q", req.Messages[0].Parts[0].Text)
	}

	var row MessageV2
	if err := db.First(&row, "id = ?", "user-msg-1").Error; err != nil {
		t.Fatalf("user row: %v", err)
	}
	if strings.Contains(string(row.Parts), "FormFind") {
		t.Fatalf("directive leaked into persisted user message: %s", row.Parts)
	}
}

func TestStreamTurn_LongConversationSkipsDirective(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &fakeStreamProvider{
		segments: []ai.Segment{{Type: ai.SegmentText, Text: "ok"}},
		resp: &ai.Response{Messages: []ai.Message{{
			ID:    "a1",
			Role:  ai.RoleAssistant,
			Parts: []ai.Part{{Type: ai.PartText, Text: "ok"}},
		}}},
	}
	svc := NewService(repo, newTestRegistry(prov, nil), Options{})

	seed := &Chat{ID: "c1", UserID: 1, Title: "T"}
	if err := repo.CreateChat(context.Background(), seed); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	req := TurnRequest{
		ChatID: "c1",
		Messages: []ai.Message{
			{ID: "u1", Role: ai.RoleUser, Parts: []ai.Part{{Type: ai.PartText, Text: "first"}}},
			{ID: "a0", Role: ai.RoleAssistant, Parts: []ai.Part{{Type: ai.PartText, Text: "reply"}}},
			{ID: "u2", Role: ai.RoleUser, Parts: []ai.Part{{Type: ai.PartText, Text: "second"}}},
		},
		SelectedModel: ai.SelectorChat,
	}
	turn, err := svc.BeginTurn(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if _, _, err := drain(turn.Stream(context.Background())); err != nil {
		t.Fatalf("stream: %v", err)
	}

	sent := prov.lastReceived()
	for _, m := range sent {
		for _, p := range m.Parts {
			if strings.Contains(p.Text, "FormFind") {
				t.Fatalf("directive injected into long conversation: %q", p.Text)
			}
		}
	}

	// only the most recent user entry is this turn's input
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "user"); n != 1 {
		t.Fatalf("expected exactly 1 persisted user message, got %d", n)
	}
	var row MessageV2
	if err := db.First(&row, "id = ?", "u2").Error; err != nil {
		t.Fatalf("expected most recent user message persisted: %v", err)
	}
}

func TestStreamTurn_OtherOwnersChatRejectedBeforeAnyWrite(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	title := &fakeTitleProvider{title: "T"}
	svc := NewService(repo, newTestRegistry(&fakeStreamProvider{}, title), Options{})

	if err := repo.CreateChat(context.Background(), &Chat{ID: "c1", UserID: 99, Title: "theirs"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	_, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "hello"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if n := countRows(t, db, &MessageV2{}, "chat_id = ?", "c1"); n != 0 {
		t.Fatalf("expected no message writes, got %d", n)
	}
	if title.callCount() != 0 {
		t.Fatalf("title model should not be called for a rejected turn")
	}
}

func TestStreamTurn_NoUserMessage(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(NewRepo(db), newTestRegistry(&fakeStreamProvider{}, nil), Options{})

	_, err := svc.BeginTurn(context.Background(), 1, TurnRequest{
		ChatID: "c1",
		Messages: []ai.Message{
			{ID: "a1", Role: ai.RoleAssistant, Parts: []ai.Part{{Type: ai.PartText, Text: "hi"}}},
		},
		SelectedModel: ai.SelectorChat,
	})
	if !errors.Is(err, ErrNoUserMessage) {
		t.Fatalf("expected ErrNoUserMessage, got %v", err)
	}
	if n := countRows(t, db, &Chat{}, "id = ?", "c1"); n != 0 {
		t.Fatalf("no chat should be created for a malformed turn")
	}
}

func TestStreamTurn_UserMessageSurvivesGatewayFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &fakeStreamProvider{err: errors.New("model exploded")}
	svc := NewService(repo, newTestRegistry(prov, &fakeTitleProvider{title: "T"}), Options{})

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "hello"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	segs, res, err := drain(turn.Stream(context.Background()))
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments, got %d", len(segs))
	}
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}

	// the user turn stays durable even though generation failed
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "user"); n != 1 {
		t.Fatalf("expected user message to survive, got %d rows", n)
	}
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "assistant"); n != 0 {
		t.Fatalf("no assistant message should be persisted on failure")
	}
}

func TestStreamTurn_NoAssistantEntrySkipsPersistence(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &fakeStreamProvider{
		segments: []ai.Segment{
			{Type: ai.SegmentText, Text: "partial "},
			{Type: ai.SegmentText, Text: "output"},
		},
		resp: &ai.Response{}, // zero assistant-role entries
	}
	sink := &recordingSink{}
	svc := NewService(repo, newTestRegistry(prov, &fakeTitleProvider{title: "T"}), Options{Events: sink})

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "hello"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	segs, res, err := drain(turn.Stream(context.Background()))
	if err != nil {
		t.Fatalf("stream should not surface a user-facing error: %v", err)
	}
	// the client still received everything that was forwarded
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if res == nil || res.Persisted || res.AssistantMessageID != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "assistant"); n != 0 {
		t.Fatalf("assistant row must not exist")
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != EventAssistantMissing {
		t.Fatalf("expected assistant_missing event, got %v", kinds)
	}
}

func TestStreamTurn_SecondTurnReusesTitle(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &fakeStreamProvider{
		segments: []ai.Segment{{Type: ai.SegmentText, Text: "ok"}},
		resp: &ai.Response{Messages: []ai.Message{{
			ID:    "a2",
			Role:  ai.RoleAssistant,
			Parts: []ai.Part{{Type: ai.PartText, Text: "ok"}},
		}}},
	}
	title := &fakeTitleProvider{title: "Fresh title"}
	svc := NewService(repo, newTestRegistry(prov, title), Options{})

	if err := repo.CreateChat(context.Background(), &Chat{ID: "c1", UserID: 1, Title: "Original title"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "more"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if _, _, err := drain(turn.Stream(context.Background())); err != nil {
		t.Fatalf("stream: %v", err)
	}

	if title.callCount() != 0 {
		t.Fatalf("title must be produced once, at creation only")
	}
	chatRow, err := repo.GetChatByID(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chatRow.Title != "Original title" {
		t.Fatalf("title changed after creation: %q", chatRow.Title)
	}
}

func TestStreamTurn_UnknownModelSelector(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	svc := NewService(repo, newTestRegistry(&fakeStreamProvider{}, &fakeTitleProvider{title: "T"}), Options{})

	req := userTurnRequest("c1", "hello")
	req.SelectedModel = "no-such-model"
	turn, err := svc.BeginTurn(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	_, res, err := drain(turn.Stream(context.Background()))
	if err == nil || !strings.Contains(err.Error(), "unknown chat model") {
		t.Fatalf("expected unknown model error, got %v", err)
	}
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "assistant"); n != 0 {
		t.Fatalf("no assistant message should be persisted")
	}
}

func TestStreamTurn_CoalescesMixedSegments(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	imgPart := ai.Part{Type: ai.PartImage, Image: "https://img.example/chair.png"}
	prov := &fakeStreamProvider{
		segments: []ai.Segment{
			{Type: ai.SegmentReasoning, Text: "thinking "},
			{Type: ai.SegmentReasoning, Text: "harder"},
			{Type: ai.SegmentText, Text: "Here you "},
			{Type: ai.SegmentText, Text: "go"},
			{Type: ai.SegmentImage, Part: &imgPart},
		},
		resp: &ai.Response{Messages: []ai.Message{{
			ID:   "a1",
			Role: ai.RoleAssistant,
			Parts: []ai.Part{
				{Type: ai.PartReasoning, Text: "thinking harder"},
				{Type: ai.PartText, Text: "Here you go"},
				imgPart,
			},
		}}},
	}
	svc := NewService(repo, newTestRegistry(prov, &fakeTitleProvider{title: "T"}), Options{})

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "show me"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if _, _, err := drain(turn.Stream(context.Background())); err != nil {
		t.Fatalf("stream: %v", err)
	}

	var row MessageV2
	if err := db.First(&row, "id = ?", "a1").Error; err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	var parts []ai.Part
	if err := json.Unmarshal(row.Parts, &parts); err != nil {
		t.Fatalf("unmarshal parts: %v", err)
	}
	want := []ai.Part{
		{Type: ai.PartReasoning, Text: "thinking harder"},
		{Type: ai.PartText, Text: "Here you go"},
		imgPart,
	}
	if len(parts) != len(want) {
		t.Fatalf("expected %d parts, got %d: %+v", len(want), len(parts), parts)
	}
	for i := range want {
		if parts[i].Type != want[i].Type || parts[i].Text != want[i].Text || parts[i].Image != want[i].Image {
			t.Fatalf("part %d mismatch: got %+v want %+v", i, parts[i], want[i])
		}
	}
}

func TestStreamTurn_ClientCancelSkipsAssistantPersist(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	blocked := make(chan struct{})
	prov := &slowProvider{gate: blocked}
	reg := ai.NewRegistry()
	reg.Register(ai.SelectorChat, func(ctx context.Context) (ai.Provider, error) { return prov, nil })
	svc := NewService(repo, reg, Options{TurnTimeout: time.Minute})

	if err := repo.CreateChat(context.Background(), &Chat{ID: "c1", UserID: 1, Title: "T"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "hello"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	segs, results, errs := turn.Stream(ctx)

	// first segment arrives, then the client disconnects
	<-segs
	cancel()
	close(blocked)

	for range segs {
	}
	if _, ok := <-results; ok {
		t.Fatalf("canceled turn must not produce a result")
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected cancellation error")
	}

	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "assistant"); n != 0 {
		t.Fatalf("half-received response must never be persisted")
	}
}

func TestStreamTurn_AbortReleasesChatLock(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	svc := NewService(repo, newTestRegistry(&fakeStreamProvider{}, &fakeTitleProvider{title: "T"}), Options{})

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "hello"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	turn.Abort()

	// the persisted user message survives the abort
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "user"); n != 1 {
		t.Fatalf("expected user message to stay persisted, got %d rows", n)
	}

	// a released lock lets the next turn through immediately
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	next, err := svc.BeginTurn(ctx, 1, TurnRequest{
		ChatID: "c1",
		Messages: []ai.Message{{
			ID:    "user-msg-2",
			Role:  ai.RoleUser,
			Parts: []ai.Part{{Type: ai.PartText, Text: "again"}},
		}},
		SelectedModel: ai.SelectorChat,
	})
	if err != nil {
		t.Fatalf("chat still locked after abort: %v", err)
	}
	next.Abort()
}

func TestStreamTurn_TimeoutBoundsGeneration(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	prov := &stalledProvider{}
	reg := ai.NewRegistry()
	reg.Register(ai.SelectorChat, func(ctx context.Context) (ai.Provider, error) { return prov, nil })
	svc := NewService(repo, reg, Options{TurnTimeout: 50 * time.Millisecond})

	if err := repo.CreateChat(context.Background(), &Chat{ID: "c1", UserID: 1, Title: "T"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	turn, err := svc.BeginTurn(context.Background(), 1, userTurnRequest("c1", "hello"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}

	segs, res, err := drain(turn.Stream(context.Background()))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if res != nil {
		t.Fatalf("timed-out turn must not produce a result: %+v", res)
	}
	if len(segs) != 1 {
		t.Fatalf("expected the one segment emitted before the stall, got %d", len(segs))
	}
	if n := countRows(t, db, &MessageV2{}, "chat_id = ? AND role = ?", "c1", "assistant"); n != 0 {
		t.Fatalf("timed-out turn must not persist an assistant message")
	}
}

// stalledProvider emits one segment and then produces nothing until the
// context expires, simulating a wedged gateway.
type stalledProvider struct{}

func (p *stalledProvider) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	return nil, errors.New("not used")
}

func (p *stalledProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan ai.Segment, <-chan *ai.Response, <-chan error) {
	segments := make(chan ai.Segment, 1)
	resps := make(chan *ai.Response, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(segments)
		defer close(resps)
		defer close(errs)

		segments <- ai.Segment{Type: ai.SegmentText, Text: "partial"}
		<-ctx.Done()
		errs <- ctx.Err()
	}()

	return segments, resps, errs
}

// slowProvider emits one segment, then waits on its gate before emitting
// the rest, so tests can cancel mid-stream deterministically.
type slowProvider struct {
	gate chan struct{}
}

func (p *slowProvider) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	return nil, errors.New("not used")
}

func (p *slowProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan ai.Segment, <-chan *ai.Response, <-chan error) {
	segments := make(chan ai.Segment)
	resps := make(chan *ai.Response, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(segments)
		defer close(resps)
		defer close(errs)

		select {
		case segments <- ai.Segment{Type: ai.SegmentText, Text: "first"}:
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}
		<-p.gate
		select {
		case segments <- ai.Segment{Type: ai.SegmentText, Text: "second"}:
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}
		resps <- &ai.Response{Messages: []ai.Message{{
			ID:    "a1",
			Role:  ai.RoleAssistant,
			Parts: []ai.Part{{Type: ai.PartText, Text: "firstsecond"}},
		}}}
	}()

	return segments, resps, errs
}

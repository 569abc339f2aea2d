package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/faq"
)

// fakeConversation answers "echo: <text>", fails on "fail" and panics on "panic".
type fakeConversation struct {
	initErr error
	state   conversation.State
	turns   []conversation.Turn
}

func (f *fakeConversation) Initialize(_ context.Context, cfg conversation.AttackConfig) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.state = conversation.StateActive
	f.turns = []conversation.Turn{{Speaker: conversation.SpeakerAssistant, Text: conversation.Greeting(cfg)}}
	return nil
}

func (f *fakeConversation) Greeting() string { return f.turns[0].Text }

func (f *fakeConversation) Answer(_ context.Context, text string) (string, error) {
	switch text {
	case "fail":
		return "", errors.New("llm unavailable")
	case "panic":
		panic("nil index")
	}
	answer := "echo: " + text
	if text == "bye" {
		f.state = conversation.StateTerminated
	}
	f.turns = append(f.turns,
		conversation.Turn{Speaker: conversation.SpeakerUser, Text: text},
		conversation.Turn{Speaker: conversation.SpeakerAssistant, Text: answer},
	)
	return answer, nil
}

func (f *fakeConversation) End() (string, error) {
	f.state = conversation.StateTerminated
	return conversation.RenderTranscript(f.turns), nil
}

func (f *fakeConversation) State() conversation.State { return f.state }

func (f *fakeConversation) Transcript() []conversation.Turn {
	return append([]conversation.Turn(nil), f.turns...)
}

type recordingArchiver struct {
	mu      sync.Mutex
	attacks []EndedAttack
}

func (r *recordingArchiver) ArchiveAttack(_ context.Context, a EndedAttack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attacks = append(r.attacks, a)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingAuditor struct {
	started, ended, resets, denied int
}

func (r *recordingAuditor) LogAttackStarted(string, string, conversation.Scenario) { r.started++ }
func (r *recordingAuditor) LogAttackEnded(string, string, conversation.Scenario, int, bool) {
	r.ended++
}
func (r *recordingAuditor) LogSessionReset(string, string, int) { r.resets++ }
func (r *recordingAuditor) LogAttackDenied(string, conversation.Scenario, string) { r.denied++ }

func newTestManager(deps Dependencies) *Manager {
	if deps.Factory == nil {
		deps.Factory = func() Conversation { return &fakeConversation{} }
	}
	return New(DefaultConfig(), deps, zerolog.Nop())
}

func assertInvariant(t *testing.T, u *User) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if (u.state == StateInAttack) != (u.ctrl != nil) {
		t.Fatalf("state %s does not match controller presence %v", u.state, u.ctrl != nil)
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	m := newTestManager(Dependencies{})

	var wg sync.WaitGroup
	results := make([]*User, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("42", "Alice")
		}(i)
	}
	wg.Wait()

	for _, u := range results {
		if u != results[0] {
			t.Fatal("Expected every caller to get the same user")
		}
	}
	if len(m.List()) != 1 {
		t.Errorf("Expected one registered user, got %d", len(m.List()))
	}

	again := m.GetOrCreate("42", "Someone Else")
	if again.DisplayName != "Alice" {
		t.Errorf("Expected existing user to be kept, got %q", again.DisplayName)
	}
}

func TestGet_NotFound(t *testing.T) {
	m := newTestManager(Dependencies{})
	if _, err := m.Get("missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestStartAttack(t *testing.T) {
	sink := &recordingSink{}
	audit := &recordingAuditor{}
	m := newTestManager(Dependencies{Events: sink, Audit: audit})
	u := m.GetOrCreate("1", "Alice")

	greeting, err := m.StartAttack(context.Background(), u, conversation.ScenarioBank)
	if err != nil {
		t.Fatalf("StartAttack failed: %v", err)
	}
	if greeting != "Hello Alice, its Jason from Bank." {
		t.Errorf("Unexpected greeting %q", greeting)
	}
	assertInvariant(t, u)

	snap := u.Snapshot()
	if snap.State != StateInAttack || snap.AttackID == "" || snap.StartedAt == nil {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	if _, err := m.StartAttack(context.Background(), u, conversation.ScenarioHospital); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Expected ErrAlreadyActive, got %v", err)
	}
	if u.Snapshot().Scenario != conversation.ScenarioBank {
		t.Error("Rejected start must not change the active scenario")
	}

	m.Close()
	if got := sink.types(); len(got) != 1 || got[0] != EventAttackStarted {
		t.Errorf("Expected one started event, got %v", got)
	}
	if audit.started != 1 || audit.denied != 1 {
		t.Errorf("Unexpected audit counts %+v", audit)
	}
}

func TestStartAttack_KnowledgeBaseMissing(t *testing.T) {
	m := newTestManager(Dependencies{
		Factory: func() Conversation {
			return &fakeConversation{initErr: fmt.Errorf("failed to initialize knowledge domain Bank: %w", faq.ErrKnowledgeBaseMissing)}
		},
	})
	u := m.GetOrCreate("1", "Alice")

	_, err := m.StartAttack(context.Background(), u, conversation.ScenarioBank)
	if !errors.Is(err, faq.ErrKnowledgeBaseMissing) {
		t.Fatalf("Expected ErrKnowledgeBaseMissing, got %v", err)
	}
	if u.Snapshot().State != StateIdle {
		t.Error("Expected user to stay idle")
	}
	assertInvariant(t, u)
}

func TestTurn(t *testing.T) {
	m := newTestManager(Dependencies{})
	u := m.GetOrCreate("1", "Alice")
	ctx := context.Background()

	if _, err := m.Turn(ctx, u, "hello"); !errors.Is(err, ErrNotInAttack) {
		t.Fatalf("Expected ErrNotInAttack, got %v", err)
	}

	m.StartAttack(ctx, u, conversation.ScenarioDelivery)

	res, err := m.Turn(ctx, u, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "echo: hello" || res.Finished || res.Reset {
		t.Errorf("Unexpected result %+v", res)
	}

	res, _ = m.Turn(ctx, u, "bye")
	if !res.Finished {
		t.Error("Expected finished to mirror the terminated controller")
	}
	assertInvariant(t, u)
}

func TestTurn_FailureStreak(t *testing.T) {
	archiver := &recordingArchiver{}
	sink := &recordingSink{}
	audit := &recordingAuditor{}
	m := newTestManager(Dependencies{Archiver: archiver, Events: sink, Audit: audit})
	u := m.GetOrCreate("1", "Alice")
	ctx := context.Background()
	m.StartAttack(ctx, u, conversation.ScenarioBank)

	for i := 1; i <= 2; i++ {
		res, err := m.Turn(ctx, u, "fail")
		if err != nil {
			t.Fatal(err)
		}
		if res.Response != RetryMessage || res.Reset {
			t.Fatalf("Failure %d: unexpected result %+v", i, res)
		}
		if got := u.Snapshot().FailureStreak; got != i {
			t.Errorf("Expected streak %d, got %d", i, got)
		}
	}

	res, err := m.Turn(ctx, u, "panic")
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != ResetMessage || !res.Reset {
		t.Fatalf("Expected reset on third failure, got %+v", res)
	}

	snap := u.Snapshot()
	if snap.State != StateIdle || snap.FailureStreak != 0 {
		t.Errorf("Expected idle user with cleared streak, got %+v", snap)
	}
	assertInvariant(t, u)

	transcript, ok := m.LastTranscript("1")
	if !ok || !strings.HasPrefix(transcript, "assistant: Hello Alice") {
		t.Errorf("Expected transcript to be kept, got %q", transcript)
	}

	m.Close()
	if len(archiver.attacks) != 1 || !archiver.attacks[0].Reset {
		t.Errorf("Expected one archived reset attack, got %+v", archiver.attacks)
	}
	if got := sink.types(); len(got) != 2 || got[1] != EventAttackReset {
		t.Errorf("Expected started and reset events, got %v", got)
	}
	if audit.resets != 1 {
		t.Errorf("Expected one reset audit event, got %d", audit.resets)
	}

	if _, err := m.Turn(ctx, u, "hello"); !errors.Is(err, ErrNotInAttack) {
		t.Errorf("Expected ErrNotInAttack after reset, got %v", err)
	}
}

func TestTurn_SuccessResetsStreak(t *testing.T) {
	m := newTestManager(Dependencies{})
	u := m.GetOrCreate("1", "Alice")
	ctx := context.Background()
	m.StartAttack(ctx, u, conversation.ScenarioBank)

	m.Turn(ctx, u, "fail")
	m.Turn(ctx, u, "fail")
	m.Turn(ctx, u, "hello")
	if got := u.Snapshot().FailureStreak; got != 0 {
		t.Fatalf("Expected streak reset after success, got %d", got)
	}

	res, _ := m.Turn(ctx, u, "fail")
	if res.Reset {
		t.Error("Streak should have restarted from zero")
	}
}

func TestEndAttack(t *testing.T) {
	archiver := &recordingArchiver{}
	m := newTestManager(Dependencies{Archiver: archiver})
	u := m.GetOrCreate("1", "Alice")
	ctx := context.Background()

	if _, err := m.EndAttack(ctx, u); !errors.Is(err, ErrNotInAttack) {
		t.Fatalf("Expected ErrNotInAttack, got %v", err)
	}
	if _, ok := m.LastTranscript("1"); ok {
		t.Error("Expected no transcript before any attack")
	}

	m.StartAttack(ctx, u, conversation.ScenarioHospital)
	attackID := u.Snapshot().AttackID
	m.Turn(ctx, u, "hi")

	transcript, err := m.EndAttack(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	want := "assistant: Hello Alice, its Jason from Hospital.\nuser: hi\nassistant: echo: hi\n"
	if transcript != want {
		t.Errorf("Transcript = %q, want %q", transcript, want)
	}

	last, ok := m.LastTranscript("1")
	if !ok || last != transcript {
		t.Errorf("Expected last transcript to be stored")
	}
	assertInvariant(t, u)

	if len(archiver.attacks) != 1 {
		t.Fatalf("Expected one archived attack, got %d", len(archiver.attacks))
	}
	a := archiver.attacks[0]
	if a.ID != attackID || a.Scenario != conversation.ScenarioHospital || a.TurnCount != 3 || a.Reset {
		t.Errorf("Unexpected archive record %+v", a)
	}

	if _, err := m.StartAttack(ctx, u, conversation.ScenarioBank); err != nil {
		t.Errorf("Expected a new attack to start after ending, got %v", err)
	}
}

func TestSelectScenario(t *testing.T) {
	m := newTestManager(Dependencies{})
	u := m.GetOrCreate("1", "Alice")

	if _, ok := m.SelectedScenario(u); ok {
		t.Error("Expected no scenario before selection")
	}
	if err := m.SelectScenario(u, "Casino"); err == nil {
		t.Error("Expected error for unknown scenario")
	}
	if err := m.SelectScenario(u, conversation.ScenarioDelivery); err != nil {
		t.Fatal(err)
	}
	if s, ok := m.SelectedScenario(u); !ok || s != conversation.ScenarioDelivery {
		t.Errorf("Expected Delivery, got %q", s)
	}

	m.StartAttack(context.Background(), u, conversation.ScenarioDelivery)
	if err := m.SelectScenario(u, conversation.ScenarioBank); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Expected ErrAlreadyActive, got %v", err)
	}
}

func TestUsersDoNotBlockEachOther(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	m := newTestManager(Dependencies{
		Factory: func() Conversation { return &blockingConversation{fakeConversation{}, block, entered} },
	})
	ctx := context.Background()

	slow := m.GetOrCreate("slow", "Slow")
	fast := m.GetOrCreate("fast", "Fast")
	m.StartAttack(ctx, slow, conversation.ScenarioDelivery)
	m.StartAttack(ctx, fast, conversation.ScenarioDelivery)

	go m.Turn(ctx, slow, "wait")
	<-entered

	done := make(chan struct{})
	go func() {
		m.Turn(ctx, fast, "hello")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Turn for one user blocked on another user")
	}
	close(block)
}

type blockingConversation struct {
	fakeConversation
	block   chan struct{}
	entered chan struct{}
}

func (b *blockingConversation) Answer(ctx context.Context, text string) (string, error) {
	if text == "wait" {
		close(b.entered)
		<-b.block
	}
	return b.fakeConversation.Answer(ctx, text)
}

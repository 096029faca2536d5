package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feecall/internal/config"
	"feecall/internal/db"
	"feecall/internal/domain"
	"feecall/internal/engine"
	"feecall/internal/intent"
	"feecall/internal/migrate"
	"feecall/internal/repo"
	"feecall/internal/telephony"
)

const testSpacing = 30 * time.Millisecond

type fakeProvider struct {
	mu     sync.Mutex
	n      int
	fail   map[string]error
	starts []time.Time
}

func (p *fakeProvider) CreateCall(_ context.Context, req telephony.CallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, time.Now())
	if err := p.fail[req.To]; err != nil {
		return "", err
	}
	p.n++
	return fmt.Sprintf("CA%03d", p.n), nil
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (c *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.text, c.err
}

func (c *fakeCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingPicker struct {
	calls  int
	mentor *domain.Mentor
}

func (p *countingPicker) PickMentor(context.Context, string) (*domain.Mentor, error) {
	p.calls++
	return p.mentor, nil
}

type testEnv struct {
	Engine    *engine.Engine
	Provider  *fakeProvider
	Completer *fakeCompleter
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Dispatch.Spacing = testSpacing
	cfg.Telephony.PublicBaseURL = "https://calls.example.org"
	provider := &fakeProvider{fail: map[string]error{}}
	completer := &fakeCompleter{}
	eng := engine.New(engine.Options{
		DB:        conn,
		Config:    cfg,
		Provider:  provider,
		Completer: completer,
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-eng.Queue.Done()
		conn.Close()
	})
	return testEnv{Engine: eng, Provider: provider, Completer: completer, Ctx: context.Background()}
}

func contact(id, name string, amount int64) domain.Contact {
	return domain.Contact{ID: id, Name: name, Phone: "+91" + id, Department: "CSE", AmountDue: decimal.NewFromInt(amount)}
}

// placed puts a call through the telephony adapter and answers it.
func placed(t *testing.T, env testEnv, c domain.Contact) (domain.Reminder, telephony.Instruction) {
	t.Helper()
	rem, err := env.Engine.Telephony.PlaceCall(env.Ctx, c, "")
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	ins := env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem.ID, CallID: *rem.ProviderCallID, Event: telephony.EventAnswer})
	return reload(t, env, rem.ID), ins
}

func reload(t *testing.T, env testEnv, id string) domain.Reminder {
	t.Helper()
	rem, err := env.Engine.GetReminder(env.Ctx, id)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	return rem
}

func gather(env testEnv, rem domain.Reminder, speech string) telephony.Instruction {
	return env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{
		ReminderID: rem.ID, CallID: *rem.ProviderCallID, Event: telephony.EventGather, Speech: speech,
	})
}

func waitReport(t *testing.T, res engine.DispatchResult) engine.BatchReport {
	t.Helper()
	select {
	case r := <-res.Done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("batch %s never finished", res.BatchID)
	}
	return engine.BatchReport{}
}

func TestPriyaShahSilenceIsNoResponse(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportContacts(env.Ctx, []domain.Contact{contact("c1", "Priya Shah", 4500)}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.DispatchAll(env.Ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Queued != 1 {
		t.Fatalf("expected 1 queued, got %d", res.Queued)
	}
	if report := waitReport(t, res); report.Placed != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	list, err := env.Engine.ListContactReminders(env.Ctx, "c1")
	if err != nil || len(list) != 1 {
		t.Fatalf("reminders for c1: %v %v", list, err)
	}
	rem := list[0]
	if rem.State != domain.StateCalling || rem.ProviderCallID == nil || rem.BatchID != res.BatchID {
		t.Fatalf("expected CALLING reminder in batch, got %+v", rem)
	}

	ins := env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem.ID, CallID: *rem.ProviderCallID, Event: telephony.EventAnswer})
	if len(ins.Says) == 0 || !strings.Contains(ins.Says[0], "Priya Shah") || !strings.Contains(ins.Says[0], "4500") {
		t.Fatalf("greeting should name contact and amount: %+v", ins.Says)
	}
	if ins.Gather == nil || !strings.Contains(ins.Gather.ActionURL, "event=gather") {
		t.Fatalf("expected gather instruction, got %+v", ins)
	}
	if got := reload(t, env, rem.ID); got.State != domain.StateAwaitingResponse {
		t.Fatalf("expected AWAITING_RESPONSE, got %s", got.State)
	}

	ins = gather(env, rem, "")
	if !ins.Hangup {
		t.Fatalf("silence should hang up: %+v", ins)
	}
	got := reload(t, env, rem.ID)
	if got.State != domain.StateNoResponse || got.Outcome != domain.OutcomeNoResponse {
		t.Fatalf("expected NO_RESPONSE, got %s/%s", got.State, got.Outcome)
	}
}

func TestRahulExtensionCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.text = "Yes, you can request a two week extension from the accounts office."
	rem, _ := placed(t, env, contact("c2", "Rahul", 12000))

	ins := gather(env, rem, "can I get an extension?")
	if ins.Gather == nil || len(ins.Says) != 1 || ins.Says[0] != env.Completer.text {
		t.Fatalf("expected answer then gather, got %+v", ins)
	}
	got := reload(t, env, rem.ID)
	if got.State != domain.StateAwaitingResponse || got.Questions != 1 {
		t.Fatalf("expected AWAITING_RESPONSE after answer, got %s q=%d", got.State, got.Questions)
	}
	var sawCaller, sawAnswer bool
	for _, turn := range got.Transcript {
		if turn.Speaker == domain.SpeakerCaller && turn.Text == "can I get an extension?" {
			sawCaller = true
		}
		if turn.Speaker == domain.SpeakerAssistant && turn.Text == env.Completer.text {
			sawAnswer = true
		}
	}
	if !sawCaller || !sawAnswer {
		t.Fatalf("transcript missing exchange: %+v", got.Transcript)
	}

	gather(env, rem, "")
	got = reload(t, env, rem.ID)
	if got.State != domain.StateCompleted || got.Outcome != domain.OutcomeCompleted {
		t.Fatalf("expected COMPLETED, got %s/%s", got.State, got.Outcome)
	}
}

func TestAlreadyPaidSkipsAnswerService(t *testing.T) {
	env := newTestEnv(t)
	rem, _ := placed(t, env, contact("c3", "Asha", 800))

	ins := gather(env, rem, "I already paid")
	if !ins.Hangup {
		t.Fatalf("expected hang up, got %+v", ins)
	}
	if env.Completer.Calls() != 0 {
		t.Fatalf("answer service must not be called on rejection")
	}
	if got := reload(t, env, rem.ID); got.Outcome != domain.OutcomeRejected {
		t.Fatalf("expected rejected, got %s", got.Outcome)
	}
}

func TestEscalationMarkerRoutesOnce(t *testing.T) {
	env := newTestEnv(t)
	picker := &countingPicker{mentor: &domain.Mentor{ID: "m1", Name: "Anil", Phone: "+915550001", Available: true}}
	env.Engine.Router = picker
	env.Completer.text = "ESCALATE"
	rem, _ := placed(t, env, contact("c4", "Vikram", 3000))

	ins := gather(env, rem, "can my scholarship cover this?")
	if ins.Dial != "+915550001" {
		t.Fatalf("expected dial to mentor, got %+v", ins)
	}
	if picker.calls != 1 {
		t.Fatalf("router called %d times", picker.calls)
	}
	got := reload(t, env, rem.ID)
	if got.Outcome != domain.OutcomeEscalated || got.Escalation != domain.EscalationConnected {
		t.Fatalf("expected connected escalation, got %s/%s", got.Outcome, got.Escalation)
	}
	if got.MentorID == nil || *got.MentorID != "m1" {
		t.Fatalf("mentor not recorded: %+v", got.MentorID)
	}
}

func TestNoMentorStillEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.text = "ESCALATE"
	rem, _ := placed(t, env, contact("c5", "Meera", 1500))

	ins := gather(env, rem, "who approves refunds?")
	cfg := env.Engine.Config()
	if !ins.Hangup || len(ins.Says) != 1 || ins.Says[0] != cfg.Messages.NoMentor {
		t.Fatalf("expected apology hang up, got %+v", ins)
	}
	got := reload(t, env, rem.ID)
	if got.Outcome != domain.OutcomeEscalated || got.Escalation != domain.EscalationUnavailable || got.MentorID != nil {
		t.Fatalf("expected attempted escalation, got %+v", got)
	}
}

func TestAnswerFailureWithoutMentorFails(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.err = errors.New("connection refused")
	rem, _ := placed(t, env, contact("c6", "Kiran", 2000))

	ins := gather(env, rem, "what is the late fee?")
	if !ins.Hangup {
		t.Fatalf("expected hang up, got %+v", ins)
	}
	got := reload(t, env, rem.ID)
	if got.Outcome != domain.OutcomeFailed || got.FailureReason == "" {
		t.Fatalf("expected failed outcome with reason, got %+v", got)
	}
}

func TestTerminalCallbacksAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rem, _ := placed(t, env, contact("c7", "Nisha", 900))
	gather(env, rem, "stop calling me")
	before := reload(t, env, rem.ID)

	apology := env.Engine.Config().Messages.Apology
	for i := 0; i < 2; i++ {
		ins := gather(env, rem, "stop calling me")
		if !ins.Hangup || len(ins.Says) != 1 || ins.Says[0] != apology {
			t.Fatalf("delivery %d: expected safe hang up, got %+v", i, ins)
		}
	}
	after := reload(t, env, rem.ID)
	if after.Outcome != before.Outcome || len(after.Transcript) != len(before.Transcript) || after.Version != before.Version {
		t.Fatalf("terminal reminder changed: before=%+v after=%+v", before, after)
	}
}

func TestUnknownCallbackIsSafe(t *testing.T) {
	env := newTestEnv(t)
	ins := env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{CallID: "CA-nope", Event: telephony.EventGather, Speech: "hello"})
	if !ins.Hangup {
		t.Fatalf("expected hang up for unknown call, got %+v", ins)
	}
	ins = env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{})
	if !ins.Hangup {
		t.Fatalf("expected hang up for empty callback, got %+v", ins)
	}
}

func TestMismatchedCallIDIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	rem, _ := placed(t, env, contact("c8", "Ravi", 700))
	ins := env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem.ID, CallID: "CA-other", Event: telephony.EventGather, Speech: "no"})
	if !ins.Hangup {
		t.Fatalf("expected hang up, got %+v", ins)
	}
	if got := reload(t, env, rem.ID); got.State != domain.StateAwaitingResponse {
		t.Fatalf("foreign callback changed reminder: %s", got.State)
	}
}

func TestDispatchSpacingAndFailureIsolation(t *testing.T) {
	env := newTestEnv(t)
	contacts := []domain.Contact{
		contact("d1", "A", 100), contact("d2", "B", 200), contact("d3", "C", 300), contact("d4", "D", 400),
	}
	env.Provider.fail[contacts[1].Phone] = errors.New("invalid number")
	if _, err := env.Engine.ImportContacts(env.Ctx, contacts); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.DispatchAll(env.Ctx)
	if err != nil || res.Queued != 4 {
		t.Fatalf("dispatch: %+v %v", res, err)
	}
	report := waitReport(t, res)
	if report.Placed != 3 || report.Failed != 1 || len(report.Failures) != 1 || report.Failures[0].ContactID != "d2" {
		t.Fatalf("unexpected report: %+v", report)
	}

	env.Provider.mu.Lock()
	starts := append([]time.Time(nil), env.Provider.starts...)
	env.Provider.mu.Unlock()
	if len(starts) != 4 {
		t.Fatalf("expected 4 placement attempts, got %d", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		// the worker spaces job starts; allow for scheduling jitter before the provider call
		if gap := starts[i].Sub(starts[i-1]); gap < testSpacing-10*time.Millisecond {
			t.Fatalf("attempts %d and %d only %s apart", i-1, i, gap)
		}
	}
	failed, err := env.Engine.ListContactReminders(env.Ctx, "d2")
	if err != nil || len(failed) != 1 || failed[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed reminder for d2: %+v %v", failed, err)
	}
}

func TestDispatchSkipsActiveAndCoolingContacts(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportContacts(env.Ctx, []domain.Contact{contact("e1", "A", 100), contact("e2", "B", 0)}); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.DispatchAll(env.Ctx)
	if err != nil || first.Queued != 1 {
		t.Fatalf("first dispatch: %+v %v", first, err)
	}
	waitReport(t, first)

	second, err := env.Engine.DispatchAll(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Queued != 0 || len(second.Skipped) != 1 || second.Skipped[0].Reason != engine.SkipActive {
		t.Fatalf("expected active skip, got %+v", second)
	}
	waitReport(t, second)

	list, _ := env.Engine.ListContactReminders(env.Ctx, "e1")
	if err := env.Engine.HandleStatus(env.Ctx, engine.StatusEvent{ReminderID: list[0].ID, Status: "no-answer"}); err != nil {
		t.Fatal(err)
	}
	cfg := *env.Engine.Config()
	cfg.Dispatch.Cooldown = time.Hour
	env.Engine.SetConfig(&cfg)
	third, err := env.Engine.DispatchAll(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if third.Queued != 0 || len(third.Skipped) != 1 || third.Skipped[0].Reason != engine.SkipCooldown {
		t.Fatalf("expected cooldown skip, got %+v", third)
	}
	waitReport(t, third)
}

func TestStatusCallbacks(t *testing.T) {
	env := newTestEnv(t)
	busy, err := env.Engine.Telephony.PlaceCall(env.Ctx, contact("s1", "A", 100), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.HandleStatus(env.Ctx, engine.StatusEvent{CallID: *busy.ProviderCallID, Status: "busy"}); err != nil {
		t.Fatal(err)
	}
	if got := reload(t, env, busy.ID); got.Outcome != domain.OutcomeNoResponse {
		t.Fatalf("busy should be no_response, got %s", got.Outcome)
	}

	env.Completer.text = "The due date is the 15th."
	rem, _ := placed(t, env, contact("s2", "B", 100))
	gather(env, rem, "when is it due?")
	if err := env.Engine.HandleStatus(env.Ctx, engine.StatusEvent{ReminderID: rem.ID, Status: "completed"}); err != nil {
		t.Fatal(err)
	}
	if got := reload(t, env, rem.ID); got.Outcome != domain.OutcomeCompleted {
		t.Fatalf("hang up after an answer should complete, got %s", got.Outcome)
	}

	// progress statuses and late duplicates leave the record alone
	if err := env.Engine.HandleStatus(env.Ctx, engine.StatusEvent{ReminderID: rem.ID, Status: "failed"}); err != nil {
		t.Fatal(err)
	}
	if got := reload(t, env, rem.ID); got.Outcome != domain.OutcomeCompleted {
		t.Fatalf("terminal reminder changed by status: %s", got.Outcome)
	}
}

func TestKeypressActions(t *testing.T) {
	env := newTestEnv(t)
	rem, _ := placed(t, env, contact("k1", "A", 100))
	ins := env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem.ID, Event: telephony.EventGather, Digits: "7"})
	if ins.Gather == nil {
		t.Fatalf("unmapped key should prompt again, got %+v", ins)
	}
	env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem.ID, Event: telephony.EventGather, Digits: "9"})
	if got := reload(t, env, rem.ID); got.Outcome != domain.OutcomeRejected {
		t.Fatalf("9 should reject, got %s", got.Outcome)
	}

	rem2, _ := placed(t, env, contact("k2", "B", 100))
	env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem2.ID, Event: telephony.EventGather, Digits: "1"})
	if got := reload(t, env, rem2.ID); got.Outcome != domain.OutcomeCompleted {
		t.Fatalf("1 should complete, got %s", got.Outcome)
	}
}

func TestQuestionCapCompletes(t *testing.T) {
	env := newTestEnv(t)
	cfg := *env.Engine.Config()
	cfg.Conversation.MaxQuestions = 2
	env.Engine.SetConfig(&cfg)
	env.Completer.text = "Fees are payable online."
	rem, _ := placed(t, env, contact("q1", "A", 100))
	gather(env, rem, "how do I pay?")
	ins := gather(env, rem, "is there a portal?")
	if !ins.Hangup {
		t.Fatalf("second answer should close the call, got %+v", ins)
	}
	if got := reload(t, env, rem.ID); got.Outcome != domain.OutcomeCompleted || got.Questions != 2 {
		t.Fatalf("expected completed after 2 questions, got %+v", got)
	}
}

func TestEarlyCallbackBindsCallID(t *testing.T) {
	env := newTestEnv(t)
	rem, err := env.Engine.Store.Create(env.Ctx, domain.Reminder{ID: "early", ContactID: "x1", ContactName: "Early", Phone: "+91x1", AmountDue: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatal(err)
	}
	ins := env.Engine.HandleVoice(env.Ctx, engine.VoiceEvent{ReminderID: rem.ID, CallID: "CA-early", Event: telephony.EventAnswer})
	if ins.Gather == nil {
		t.Fatalf("expected greeting, got %+v", ins)
	}
	got, err := env.Engine.Store.GetByCallID(env.Ctx, "CA-early")
	if err != nil || got.ID != "early" || got.State != domain.StateAwaitingResponse {
		t.Fatalf("call id not bound: %+v %v", got, err)
	}
}

func TestInjectedRejectionDetector(t *testing.T) {
	env := newTestEnv(t)
	cfg := *env.Engine.Config()
	cfg.Phrases.Rejection = []string{"call me later"}
	env.Engine.SetConfig(&cfg)
	rem, _ := placed(t, env, contact("i1", "A", 100))
	gather(env, rem, "please call me later")
	if got := reload(t, env, rem.ID); got.Outcome != domain.OutcomeRejected {
		t.Fatalf("reloaded phrases not applied, got %s", got.Outcome)
	}

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	custom := intent.Set{Rejection: intent.Func(func(s string) bool { return strings.HasPrefix(s, "!") })}
	eng := engine.New(engine.Options{DB: conn, Provider: &fakeProvider{fail: map[string]error{}}, Completer: &fakeCompleter{text: "ok"}, Intents: &custom, Logger: zerolog.Nop()})
	r, err := eng.Telephony.PlaceCall(context.Background(), contact("i2", "B", 100), "")
	if err != nil {
		t.Fatal(err)
	}
	eng.HandleVoice(context.Background(), engine.VoiceEvent{ReminderID: r.ID, Event: telephony.EventAnswer})
	eng.HandleVoice(context.Background(), engine.VoiceEvent{ReminderID: r.ID, Event: telephony.EventGather, Speech: "!nope"})
	got, err := eng.GetReminder(context.Background(), r.ID)
	if err != nil || got.Outcome != domain.OutcomeRejected {
		t.Fatalf("injected detector not used: %+v %v", got, err)
	}
}

func TestDispatchContact(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportContacts(env.Ctx, []domain.Contact{contact("d1", "Priya Shah", 4500), contact("d2", "Rahul", 0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DispatchContact(env.Ctx, "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.Engine.DispatchContact(env.Ctx, "d2"); !errors.Is(err, engine.ErrNotOwing) {
		t.Fatalf("expected ErrNotOwing, got %v", err)
	}

	res, err := env.Engine.DispatchContact(env.Ctx, "d1")
	if err != nil || res.Queued != 1 {
		t.Fatalf("dispatch d1: %+v %v", res, err)
	}
	if report := waitReport(t, res); report.Placed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	list, err := env.Engine.ListContactReminders(env.Ctx, "d1")
	if err != nil || len(list) != 1 || list[0].BatchID != res.BatchID {
		t.Fatalf("expected one reminder in batch %s: %+v %v", res.BatchID, list, err)
	}

	again, err := env.Engine.DispatchContact(env.Ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Queued != 0 || len(again.Skipped) != 1 || again.Skipped[0].Reason != engine.SkipActive {
		t.Fatalf("expected active skip, got %+v", again)
	}
	waitReport(t, again)
}

func TestRepeatedGatherReprompts(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.text = "Yes, ask the accounts office for an extension."
	rem, _ := placed(t, env, contact("g1", "Rahul", 12000))

	gather(env, rem, "can I get an extension?")
	before := reload(t, env, rem.ID)

	ins := gather(env, rem, "can I get an extension?")
	if ins.Gather == nil || len(ins.Says) != 0 || ins.Gather.Prompt != env.Engine.Config().Messages.AnyOtherQuestions {
		t.Fatalf("expected reprompt, got %+v", ins)
	}
	after := reload(t, env, rem.ID)
	if env.Completer.Calls() != 1 || after.Questions != 1 || len(after.Transcript) != len(before.Transcript) {
		t.Fatalf("repeated gather was answered again: calls=%d q=%d turns=%d->%d",
			env.Completer.Calls(), after.Questions, len(before.Transcript), len(after.Transcript))
	}

	gather(env, rem, "where is the office?")
	if got := reload(t, env, rem.ID); got.Questions != 2 || env.Completer.Calls() != 2 {
		t.Fatalf("new question not answered: q=%d calls=%d", got.Questions, env.Completer.Calls())
	}
}

func TestAnswerMentioningEscalateKeepsTalking(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.text = "Late fees do not escalate after the first month."
	rem, _ := placed(t, env, contact("m1", "Asha", 800))

	ins := gather(env, rem, "does the late fee keep growing?")
	if ins.Gather == nil || len(ins.Says) != 1 || ins.Says[0] != env.Completer.text {
		t.Fatalf("expected the answer to be spoken, got %+v", ins)
	}
	if got := reload(t, env, rem.ID); got.State != domain.StateAwaitingResponse {
		t.Fatalf("expected AWAITING_RESPONSE, got %s", got.State)
	}
}

func TestVoiceCallbackGivesUpOnBusyReminder(t *testing.T) {
	env := newTestEnv(t)
	cfg := *env.Engine.Config()
	cfg.Answer.Timeout = 10 * time.Millisecond
	env.Engine.SetConfig(&cfg)
	rem, _ := placed(t, env, contact("b1", "Kiran", 2000))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.Engine.Store.Mutate(env.Ctx, rem.ID, func(*domain.Reminder) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ins := gather(env, rem, "hello?")
	close(release)
	<-done
	if !ins.Hangup || len(ins.Says) != 1 || ins.Says[0] != cfg.Messages.Apology {
		t.Fatalf("expected apology while the reminder is busy, got %+v", ins)
	}
	if got := reload(t, env, rem.ID); got.State != domain.StateAwaitingResponse || got.Questions != 0 {
		t.Fatalf("busy callback changed the reminder: %+v", got)
	}
}

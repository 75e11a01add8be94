package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/callengine/pkg/domain"
	"github.com/lokutor-ai/callengine/pkg/phase"
	"github.com/lokutor-ai/callengine/pkg/policy"
	"github.com/lokutor-ai/callengine/pkg/session"
	"github.com/lokutor-ai/callengine/pkg/speech"
)

type fakeDomain struct {
	result Result
	err    error
	calls  int
}

type Result = domain.Result

func (f *fakeDomain) Process(ctx context.Context, in domain.Input) (domain.Result, error) {
	f.calls++
	return f.result, f.err
}

func testPhases() *phase.Table {
	return phase.NewTable([]phase.Descriptor{
		{Name: "GREETING", Kind: phase.KindSpeak, Order: 0},
		{Name: "ASK_NAME", Kind: phase.KindListen, Order: 1},
		{Name: "DONE", Kind: phase.KindSpeak, Order: 2},
	}, nil)
}

func newTestEngine(t *testing.T, d domain.Domain) (*Engine, *session.Context) {
	t.Helper()
	registry := domain.NewRegistry()
	registry.Register("booking", "front-desk", d)

	cfg := Config{
		Phases:      testPhases(),
		Termination: policy.TerminationPolicy{Silence: policy.SilencePolicy{MaxSilentTurns: 3}, MaxTurns: 20},
		AntiReplay:  policy.AntiReplayGuardrail{},
		Guardrails:  domain.GuardrailSet{},
	}
	e := New(cfg, Deps{Domains: registry})
	sess := session.New("call-1", "booking", "front-desk", time.Now())
	sess.Phase = "GREETING"
	return e, sess
}

func TestRunTurnAppliesSetState(t *testing.T) {
	d := &fakeDomain{result: domain.Result{
		SpokenResponse: "what's your name?",
		Actions:        []domain.Action{{Kind: domain.ActionSetState, NextPhase: "ASK_NAME"}},
	}}
	e, sess := newTestEngine(t, d)

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hi"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if sess.Phase != "ASK_NAME" {
		t.Fatalf("phase = %s, want ASK_NAME", sess.Phase)
	}
	if d.calls != 1 {
		t.Fatalf("domain called %d times, want 1", d.calls)
	}
}

func TestRunTurnClampsRegression(t *testing.T) {
	d := &fakeDomain{result: domain.Result{
		Actions: []domain.Action{{Kind: domain.ActionSetState, NextPhase: "GREETING"}},
	}}
	e, sess := newTestEngine(t, d)
	sess.Phase = "DONE"

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hi"}); err != nil {
		t.Fatalf("a clamped regression is not a turn error: %v", err)
	}
	if sess.Phase != "DONE" {
		t.Fatalf("phase should be clamped to the current phase, got %s", sess.Phase)
	}
}

func TestRunTurnEndCall(t *testing.T) {
	d := &fakeDomain{result: domain.Result{
		Actions: []domain.Action{{Kind: domain.ActionEndCall, ClosingUtterance: "bye"}},
	}}
	e, sess := newTestEngine(t, d)

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "goodbye"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !sess.Terminated() {
		t.Fatal("expected session to be terminated")
	}
	found := false
	for _, h := range sess.History {
		if h.Role == "assistant" && h.Content == "bye" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the closing utterance to be spoken before hangup")
	}
}

func TestRunTurnSilentTerminatesOnSilenceCeiling(t *testing.T) {
	d := &fakeDomain{result: domain.Result{}}
	e, sess := newTestEngine(t, d)

	for i := 0; i < 3; i++ {
		if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: ""}); err != nil {
			t.Fatalf("RunTurn: %v", err)
		}
	}
	if !sess.Terminated() {
		t.Fatal("expected session to terminate after silence ceiling")
	}
	if d.calls != 0 {
		t.Fatalf("domain called %d times, want 0 (a genuine silence tick never earns the domain a turn)", d.calls)
	}
}

func TestSilencePolicyDecideLadder(t *testing.T) {
	p := policy.SilencePolicy{MaxSilentTurns: 3}

	if d := p.Decide(1); d.Action != policy.SilencePrompt || d.Message != policy.SilencePromptMessage {
		t.Fatalf("Decide(1) = %+v, want prompt with the static prompt message", d)
	}
	if d := p.Decide(2); d.Action != policy.SilenceContinue {
		t.Fatalf("Decide(2) = %+v, want continue", d)
	}
	if d := p.Decide(3); d.Action != policy.SilenceGoodbye || d.Message != policy.SilenceGoodbyeMessage {
		t.Fatalf("Decide(3) = %+v, want goodbye with the static goodbye message", d)
	}
}

func TestRunTurnOnTerminatedSessionIsNoop(t *testing.T) {
	d := &fakeDomain{}
	e, sess := newTestEngine(t, d)
	sess.Terminate(time.Now())

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hi"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if d.calls != 0 {
		t.Fatal("domain should not be consulted once the session is terminated")
	}
}

func TestRunTurnAntiReplaySuppressesRepeatedResponse(t *testing.T) {
	d := &fakeDomain{result: domain.Result{SpokenResponse: "¿Cuál es su nombre?"}}
	e, sess := newTestEngine(t, d)

	for i := 0; i < 2; i++ {
		if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hola"}); err != nil {
			t.Fatalf("RunTurn: %v", err)
		}
	}

	spoken := 0
	for _, h := range sess.History {
		if h.Role == "assistant" {
			spoken++
		}
	}
	if spoken != 1 {
		t.Fatalf("assistant spoke %d times, want 1 (identical (phase, text) repeat is dropped)", spoken)
	}
}

func TestRunTurnAntiReplayAllowsRewordedRetry(t *testing.T) {
	d := &fakeDomain{result: domain.Result{SpokenResponse: "¿Cuál es su nombre?"}}
	e, sess := newTestEngine(t, d)

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hola"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	d.result.SpokenResponse = "Repita su nombre, por favor."
	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hola"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	spoken := 0
	for _, h := range sess.History {
		if h.Role == "assistant" {
			spoken++
		}
	}
	if spoken != 2 {
		t.Fatalf("assistant spoke %d times, want 2 (different text in the same phase is a legal retry)", spoken)
	}
}

func TestRunTurnSkipUserInputOutcome(t *testing.T) {
	d := &fakeDomain{result: domain.Result{SkipUserInput: true}}
	e, sess := newTestEngine(t, d)

	out, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hola"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !out.SkipUserInput {
		t.Fatal("expected the outcome to carry the domain's skipUserInput request")
	}
}

func TestRunTurnAppliesTopLevelNextPhase(t *testing.T) {
	d := &fakeDomain{result: domain.Result{NextPhase: "ASK_NAME"}}
	e, sess := newTestEngine(t, d)

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hola"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if sess.Phase != "ASK_NAME" {
		t.Fatalf("phase = %s, want ASK_NAME", sess.Phase)
	}
}

func TestRunTurnSilentPhaseDiscardsTranscript(t *testing.T) {
	phases := phase.NewTable([]phase.Descriptor{
		{Name: "HOLD", Kind: phase.KindSilent, Order: 0},
	}, nil)
	registry := domain.NewRegistry()
	d := &fakeDomain{result: domain.Result{}}
	registry.Register("booking", "front-desk", d)

	e := New(Config{
		Phases:      phases,
		Termination: policy.TerminationPolicy{Silence: policy.SilencePolicy{MaxSilentTurns: 100}},
		Guardrails:  domain.GuardrailSet{},
	}, Deps{Domains: registry})

	sess := session.New("call-1", "booking", "front-desk", time.Now())
	sess.Phase = "HOLD"

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "anything"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(sess.History) != 0 {
		t.Fatalf("expected silent-phase transcript to be discarded, history = %+v", sess.History)
	}
}

func TestUseEngineActionSwapsDomainAndBot(t *testing.T) {
	d := &fakeDomain{result: domain.Result{
		Actions: []domain.Action{{Kind: domain.ActionUseEngine, EngineName: "support/night-shift"}},
	}}
	e, sess := newTestEngine(t, d)

	if _, err := e.RunTurn(context.Background(), sess, TurnRequest{DomainName: "booking", BotName: "front-desk", Transcript: "hi"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if sess.Domain != "support" || sess.BotName != "night-shift" {
		t.Fatalf("domain/bot = %s/%s, want support/night-shift", sess.Domain, sess.BotName)
	}
}

func TestBargeInDetectorRequiresMinDuration(t *testing.T) {
	d := NewBargeInDetector(BargeInConfig{MinSpeechMs: 400, MinConfidence: 0.6})
	start := time.Now()
	d.TalkingStarted(start)

	if d.ShouldInterrupt(start.Add(100*time.Millisecond), nil) {
		t.Fatal("should not interrupt before MinSpeechMs elapses")
	}
	if !d.ShouldInterrupt(start.Add(450*time.Millisecond), nil) {
		t.Fatal("expected interrupt once MinSpeechMs elapses, no confidence reported")
	}
}

func TestBargeInDetectorRespectsConfidenceWhenPresent(t *testing.T) {
	d := NewBargeInDetector(BargeInConfig{MinSpeechMs: 100, MinConfidence: 0.8})
	start := time.Now()
	d.TalkingStarted(start)

	low := 0.5
	if d.ShouldInterrupt(start.Add(200*time.Millisecond), &low) {
		t.Fatal("should not interrupt when confidence is below threshold")
	}

	high := 0.9
	d2 := NewBargeInDetector(BargeInConfig{MinSpeechMs: 100, MinConfidence: 0.8})
	d2.TalkingStarted(start)
	if !d2.ShouldInterrupt(start.Add(200*time.Millisecond), &high) {
		t.Fatal("should interrupt when confidence clears threshold")
	}
}

func TestBargeInDetectorDebounce(t *testing.T) {
	d := NewBargeInDetector(BargeInConfig{MinSpeechMs: 50, DebounceMs: 1000})
	start := time.Now()

	d.TalkingStarted(start)
	if !d.ShouldInterrupt(start.Add(100*time.Millisecond), nil) {
		t.Fatal("expected first interrupt to succeed")
	}

	d.TalkingStarted(start.Add(150 * time.Millisecond))
	if d.ShouldInterrupt(start.Add(300*time.Millisecond), nil) {
		t.Fatal("expected second interrupt within debounce window to be suppressed")
	}
}

func TestAttachSpeechRoutesPerCall(t *testing.T) {
	defaultSp := speech.New(speech.Config{}, nil)
	perCall := speech.New(speech.Config{}, nil)
	e := New(Config{}, Deps{Speech: defaultSp})

	e.AttachSpeech("call-1", perCall)
	if e.speechFor("call-1") != perCall {
		t.Fatal("expected the attached per-call session for call-1")
	}
	if e.speechFor("call-2") != defaultSp {
		t.Fatal("expected the default session for an unattached call")
	}

	e.Forget("call-1")
	if e.speechFor("call-1") != defaultSp {
		t.Fatal("expected Forget to drop the per-call routing entry")
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/callengine/pkg/contracts"
	"github.com/lokutor-ai/callengine/pkg/domain"
	"github.com/lokutor-ai/callengine/pkg/domain/webhook"
	"github.com/lokutor-ai/callengine/pkg/logging"
	"github.com/lokutor-ai/callengine/pkg/phase"
	"github.com/lokutor-ai/callengine/pkg/policy"
	"github.com/lokutor-ai/callengine/pkg/session"
	"github.com/lokutor-ai/callengine/pkg/speech"
	"github.com/lokutor-ai/callengine/pkg/telephony"
)

// ListenConfig tunes the record-then-transcribe side of one turn.
type ListenConfig struct {
	MaxSilenceSeconds float64
	MaxRecordingMs    int
	MinRecordingBytes int
	SpoolDir          string
}

// Config bundles the policy set the Turn Orchestrator consults every turn.
type Config struct {
	Lifecycle     contracts.Table
	Phases        *phase.Table
	Termination   policy.TerminationPolicy
	Hold          policy.HoldPolicy
	AntiReplay    policy.AntiReplayGuardrail
	DeepTurnGuard policy.DeepTurnIdentityGuard
	Transfer      policy.Classifier
	Goodbye       policy.Classifier
	TransferQueue string
	Guardrails    domain.GuardrailSet
	BargeIn       BargeInConfig
	Listen        ListenConfig
	MediaSpoolDir string
}

// Deps are the live collaborators an Engine drives. Any of them except
// Domains may be nil; the engine skips the corresponding side effects,
// which keeps unit tests functional without a switch or a store. Domains
// is required by RunTurn, which resolves each turn's domain through it.
//
// Speech is only a process-wide default for single-session setups (such
// as tests). The realtime speech protocol carries no per-call identifier
// — one connection is one conversation — so switch mode leaves it nil and
// attaches a freshly connected client per call via AttachSpeech instead.
type Deps struct {
	Telephony *telephony.Client
	Speech    *speech.Client
	Contracts *contracts.Repository
	Marks     *contracts.MarkLog
	Markers   *contracts.RejectionMarkers
	Domains   *domain.Registry
	Webhooks  *webhook.Client
	Logger    logging.Logger
}

// Engine is the Turn Orchestrator. One Engine serves many calls; per-call
// state lives in the session.Context the caller passes into each method,
// never inside the Engine itself, so a single Engine value is safe to share
// across the process's calls even though each call's own turn loop is
// strictly single-threaded.
type Engine struct {
	cfg       Config
	telephony *telephony.Client
	speech    *speech.Client
	contracts *contracts.Repository
	marks     *contracts.MarkLog
	markers   *contracts.RejectionMarkers
	domains   *domain.Registry
	webhooks  *webhook.Client
	logger    logging.Logger

	mu         sync.Mutex
	generation map[string]int              // linkedID -> generation, invalidates stale speech callbacks after barge-in
	bargeins   map[string]*BargeInDetector // linkedID -> per-call barge-in debounce state
	speeches   map[string]*speech.Client   // linkedID -> per-call speech session (AttachSpeech)

	media     *mediaWriter
	playbacks *telephony.PlaybackWaiter

	events chan OrchestratorEvent
}

// audioTail is how long the engine lets a goodbye playback drain on the
// wire before hanging up.
const audioTail = 2 * time.Second

// New constructs an Engine.
func New(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Engine{
		cfg:        cfg,
		telephony:  deps.Telephony,
		speech:     deps.Speech,
		contracts:  deps.Contracts,
		marks:      deps.Marks,
		markers:    deps.Markers,
		domains:    deps.Domains,
		webhooks:   deps.Webhooks,
		logger:     logger,
		generation: make(map[string]int),
		bargeins:   make(map[string]*BargeInDetector),
		speeches:   make(map[string]*speech.Client),
		media:      newMediaWriter(cfg.MediaSpoolDir),
		playbacks:  telephony.NewPlaybackWaiter(0),
		events:     make(chan OrchestratorEvent, 256),
	}
}

// Events returns the engine's event stream.
func (e *Engine) Events() <-chan OrchestratorEvent {
	return e.events
}

// emit performs a non-blocking send, dropping the event rather than ever
// stalling a call's turn loop on a slow or absent reader.
func (e *Engine) emit(eventType EventType, linkedID string, data any) {
	select {
	case e.events <- OrchestratorEvent{Type: eventType, LinkedID: linkedID, Data: data}:
	default:
	}
}

// bumpGeneration invalidates any speech response currently in flight for
// linkedID, returning the new generation. Callers racing an async response
// callback compare the generation they captured before starting against
// currentGeneration and discard a stale result.
func (e *Engine) bumpGeneration(linkedID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation[linkedID]++
	return e.generation[linkedID]
}

func (e *Engine) currentGeneration(linkedID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation[linkedID]
}

func (e *Engine) bargeInDetector(linkedID string, cfg BargeInConfig) *BargeInDetector {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.bargeins[linkedID]
	if !ok || d.cfg != cfg {
		d = NewBargeInDetector(cfg)
		e.bargeins[linkedID] = d
	}
	return d
}

// AttachSpeech binds a connected per-call speech session to linkedID. The
// caller retains ownership of the client's lifecycle (Connect/Close);
// Forget only drops the routing entry.
func (e *Engine) AttachSpeech(linkedID string, sp *speech.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speeches[linkedID] = sp
}

// speechFor resolves the speech session to use for a call: the attached
// per-call client if one exists, else the process-wide default (nil in
// switch mode when no call is attached).
func (e *Engine) speechFor(linkedID string) *speech.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sp, ok := e.speeches[linkedID]; ok {
		return sp
	}
	return e.speech
}

// Forget drops a call's per-linkedID state (barge-in detector, generation
// counter, speech routing) once the call has ended.
func (e *Engine) Forget(linkedID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bargeins, linkedID)
	delete(e.generation, linkedID)
	delete(e.speeches, linkedID)
}

// Interrupt cancels whatever the Speech Adapter is doing for this call and
// invalidates its in-flight response, in response to confirmed barge-in.
func (e *Engine) Interrupt(ctx context.Context, linkedID string) {
	e.bumpGeneration(linkedID)
	if sp := e.speechFor(linkedID); sp != nil {
		if err := sp.CancelCurrentResponse(ctx); err != nil {
			e.logger.Warn("cancel current response failed", "linkedId", linkedID, "error", err)
		}
	}
	e.emit(EventInterrupted, linkedID, nil)
}

// persistMark mirrors one session mark into the shared store's mark trail;
// a store failure is logged, never fatal to the turn.
func (e *Engine) persistMark(ctx context.Context, sess *session.Context, m session.AudioMark) {
	if e.marks == nil {
		return
	}
	err := e.marks.Append(ctx, contracts.AudioMark{
		LinkedID: sess.LinkedID,
		Type:     m.Type,
		Reason:   m.Reason,
		OffsetMs: m.OffsetMs,
		At:       m.At,
	})
	if err != nil {
		e.logger.Warn("persist audio mark failed", "linkedId", sess.LinkedID, "type", m.Type, "error", err)
	}
}

// TurnRequest is the input to RunTurn: a transcript (possibly empty, for a
// silence timeout tick) that arrived while sess was in its current phase,
// plus the call's live telephony event lane so playback can react to
// barge-in in real time. Events may be nil (e.g. in tests), in which case playback simply waits for its terminal result.
type TurnRequest struct {
	DomainName string
	BotName    string
	Transcript string
	Events     <-chan telephony.Event

	// SkipListen marks an iteration that intentionally never listened — the
	// call's opening turn, or a follow-up the domain requested via
	// skipUserInput. The empty transcript then goes to the domain instead of
	// being treated as a no-voice timeout.
	SkipListen bool
}

// TurnOutcome tells the caller's loop how to shape the next iteration.
type TurnOutcome struct {
	// SkipUserInput means the domain asked for an immediate next turn
	// without listening first.
	SkipUserInput bool
}

func (e *Engine) phaseKind(phaseName string) phase.Kind {
	if e.cfg.Phases == nil {
		return phase.KindSilent
	}
	return e.cfg.Phases.Kind(phaseName)
}

// RunTurn drives one turn of the per-call loop: filter/guard the
// transcript, consult the domain, validate and apply its Result, and
// synthesize any spoken response.
func (e *Engine) RunTurn(ctx context.Context, sess *session.Context, req TurnRequest) (TurnOutcome, error) {
	if sess.Terminated() {
		return TurnOutcome{}, nil
	}
	now := time.Now()
	e.emit(EventTurnStarted, sess.LinkedID, req.Transcript)

	transcript := domain.FilterTranscript(e.cfg.Phases, sess.Phase, req.Transcript)
	kind := e.phaseKind(sess.Phase)

	// A genuine no-voice tick outside a domain-declared silent phase never
	// earns the domain a turn: it runs the static prompt/continue/goodbye
	// ladder instead. A silent phase (e.g. HOLD waiting on a webhook) or an
	// iteration that intentionally never listened (opening turn,
	// skipUserInput follow-up) still consults the domain with an empty
	// transcript below — that's the domain being asked "anything changed?",
	// not a no-voice timeout.
	if transcript == "" && kind != phase.KindSilent && !req.SkipListen {
		return TurnOutcome{}, e.handleSilentTick(ctx, sess, req, now)
	}

	if sess.InHold && transcript != "" {
		e.exitHold(ctx, sess, now)
	}
	if sess.InHold && e.cfg.Hold.Expired(int(now.Sub(sess.HoldStartedAt).Milliseconds())) {
		e.exitHold(ctx, sess, now)
	}

	if transcript == "" {
		// An intentional no-listen iteration isn't silence — nobody was
		// asked to speak.
		if !req.SkipListen {
			sess.IncrementSilence()
		}
	} else {
		sess.MarkVoiceDetected(now)
		sess.AddToHistory("user", transcript, now)
		e.emit(EventTranscript, sess.LinkedID, transcript)
	}

	if e.cfg.Termination.Silence.ShouldTerminate(sess.SilentTurnCount) {
		return TurnOutcome{}, e.closeCall(ctx, sess, policy.SilenceGoodbyeMessage, req.Events, "silence ceiling")
	}
	if e.cfg.Termination.MaxTurns > 0 && sess.TurnCount >= e.cfg.Termination.MaxTurns {
		return TurnOutcome{}, e.closeCall(ctx, sess, policy.MaxTurnsGoodbyeMessage, req.Events, "max turns")
	}

	if transcript != "" {
		if e.cfg.Transfer != nil && e.cfg.Transfer.Matches(transcript) {
			return TurnOutcome{}, e.transferToQueue(ctx, sess, now)
		}
		if e.deepTurnStuck(sess, transcript) {
			sess.Terminate(now)
			e.emit(EventGuardTripped, sess.LinkedID, "deep-turn identity guard: stuck without progress")
			e.emit(EventCallEnded, sess.LinkedID, "deep-turn identity guard")
			return TurnOutcome{}, nil
		}
	}

	d, err := e.domains.Resolve(req.DomainName, req.BotName)
	if err != nil {
		return TurnOutcome{}, fmt.Errorf("engine: resolve domain: %w", err)
	}

	result, err := d.Process(ctx, domain.Input{
		LinkedID:      sess.LinkedID,
		Caller:        sess.Caller,
		Callee:        sess.Callee,
		BotName:       sess.BotName,
		Phase:         sess.Phase,
		Transcript:    transcript,
		BusinessState: sess.BusinessState,
		TurnCount:     sess.TurnCount,
	})
	if err != nil {
		return TurnOutcome{}, fmt.Errorf("engine: domain process: %w", err)
	}

	if err := e.cfg.Guardrails.Validate(sess.Phase, result); err != nil {
		e.logger.Warn("domain result failed guardrails", "linkedId", sess.LinkedID, "error", err)
		e.emit(EventGuardTripped, sess.LinkedID, err.Error())
		return TurnOutcome{}, err
	}

	for k, v := range result.StateUpdates {
		sess.BusinessState[k] = v
	}

	if err := e.applyActions(ctx, sess, result, req.Events, now); err != nil {
		return TurnOutcome{}, err
	}

	if e.cfg.Transfer != nil && result.SpokenResponse != "" && e.cfg.Transfer.Matches(result.SpokenResponse) {
		return TurnOutcome{}, e.transferToQueue(ctx, sess, now)
	}

	if !sess.Terminated() && !result.Silent {
		if err := e.playResponse(ctx, sess, result, req.Events, now); err != nil {
			return TurnOutcome{}, err
		}
	}

	if result.NextPhase != "" && !sess.Terminated() {
		e.transitionPhase(sess, result.NextPhase)
	}

	if !sess.Terminated() && e.phaseKind(sess.Phase) == phase.KindSilent && e.cfg.Hold.Enabled && !sess.InHold {
		e.enterHold(ctx, sess, now)
	}

	return TurnOutcome{SkipUserInput: result.SkipUserInput && !sess.Terminated()}, nil
}

// playResponse plays the domain's spoken response or pre-recorded asset,
// applying the anti-replay guardrail and — once the audio is out — the
// goodbye-phrase detector.
func (e *Engine) playResponse(ctx context.Context, sess *session.Context, result domain.Result, events <-chan telephony.Event, now time.Time) error {
	if result.AudioFile != "" {
		if err := e.playURI(ctx, sess, "sound:"+result.AudioFile, events, result.Interrupt); err != nil {
			return err
		}
	}

	text := result.SpokenResponse
	if text == "" {
		return nil
	}
	if e.cfg.AntiReplay.ShouldSuppress(sess.Phase, text, sess.LastSpokenPhase, sess.LastSpokenText) {
		e.emit(EventGuardTripped, sess.LinkedID, "anti-replay: suppressing repeated response in phase "+sess.Phase)
		return nil
	}

	sess.AddToHistory("assistant", text, now)
	sess.RecordSpoken(sess.Phase, text)
	e.emit(EventBotResponse, sess.LinkedID, text)
	if err := e.speakAndPlay(ctx, sess, text, events, result.Interrupt); err != nil {
		return err
	}

	if e.cfg.Goodbye != nil && e.cfg.Goodbye.Matches(text) && !sess.Terminated() {
		e.waitTail(ctx)
		e.hangup(ctx, sess)
		sess.Terminate(time.Now())
		e.emit(EventCallEnded, sess.LinkedID, "goodbye phrase")
	}
	return nil
}

// handleSilentTick runs the no-voice prompt/continue/goodbye ladder
// (SilencePolicy.Decide) without ever consulting the domain: a silence
// timeout is never a free LLM turn.
func (e *Engine) handleSilentTick(ctx context.Context, sess *session.Context, req TurnRequest, now time.Time) error {
	sess.IncrementSilence()

	if e.cfg.Termination.MaxTurns > 0 && sess.TurnCount >= e.cfg.Termination.MaxTurns {
		return e.closeCall(ctx, sess, policy.MaxTurnsGoodbyeMessage, req.Events, "max turns")
	}

	decision := e.cfg.Termination.Silence.Decide(sess.SilentTurnCount)
	switch decision.Action {
	case policy.SilenceContinue:
		return nil

	case policy.SilencePrompt:
		sess.AddToHistory("assistant", decision.Message, now)
		sess.RecordSpoken(sess.Phase, decision.Message)
		e.emit(EventBotResponse, sess.LinkedID, decision.Message)
		return e.speakAndPlay(ctx, sess, decision.Message, req.Events, nil)

	case policy.SilenceGoodbye:
		return e.closeCall(ctx, sess, decision.Message, req.Events, "silence ceiling")

	default:
		return nil
	}
}

// closeCall plays a final static goodbye (best-effort), lets the audio tail
// drain, hangs up, and terminates the session.
func (e *Engine) closeCall(ctx context.Context, sess *session.Context, text string, events <-chan telephony.Event, reason string) error {
	if text != "" {
		sess.AddToHistory("assistant", text, time.Now())
		e.emit(EventBotResponse, sess.LinkedID, text)
		if err := e.speakAndPlay(ctx, sess, text, events, nil); err != nil {
			e.logger.Warn("goodbye playback failed", "linkedId", sess.LinkedID, "error", err)
		}
		e.waitTail(ctx)
	}
	e.hangup(ctx, sess)
	sess.Terminate(time.Now())
	e.emit(EventCallEnded, sess.LinkedID, reason)
	return nil
}

// waitTail sleeps for the goodbye audio tail unless the context ends first.
// With no switch attached there is no audio in flight to drain.
func (e *Engine) waitTail(ctx context.Context) {
	if e.telephony == nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(audioTail):
	}
}

// hangup drops the channel, tolerating a channel that's already gone.
func (e *Engine) hangup(ctx context.Context, sess *session.Context) {
	if e.telephony == nil {
		return
	}
	if err := e.telephony.Hangup(ctx, sess.LinkedID); err != nil && !errors.Is(err, telephony.ErrChannelGone) {
		e.logger.Warn("hangup failed", "linkedId", sess.LinkedID, "error", err)
	}
}

// deepTurnStuck checks the current (phase, transcript) fingerprint against
// the session's trailing history before recording it, catching a domain
// that keeps re-asking the same thing without making progress.
func (e *Engine) deepTurnStuck(sess *session.Context, transcript string) bool {
	if e.cfg.DeepTurnGuard.MaxRepeats <= 0 {
		return false
	}
	stuck := e.cfg.DeepTurnGuard.IsStuck(sess.FingerprintHistory, sess.Phase, transcript)
	sess.RecordFingerprint(e.cfg.DeepTurnGuard.Key(sess.Phase, transcript))
	return stuck
}

// transferToQueue hands the channel back to the dialplan at a queue
// extension and ends the engine's involvement with the call.
func (e *Engine) transferToQueue(ctx context.Context, sess *session.Context, now time.Time) error {
	queue := e.cfg.TransferQueue
	if queue == "" {
		queue = "queues_default"
	}
	if e.telephony != nil {
		if err := e.telephony.ContinueInDialplan(ctx, sess.LinkedID, "queues", queue, 1); err != nil {
			e.logger.Warn("dialplan transfer failed", "linkedId", sess.LinkedID, "error", err)
		}
	}
	sess.Terminate(now)
	e.emit(EventTransfer, sess.LinkedID, queue)
	e.emit(EventCallEnded, sess.LinkedID, "transfer")
	return nil
}

// enterHold starts music-on-hold and marks the session as on hold.
func (e *Engine) enterHold(ctx context.Context, sess *session.Context, now time.Time) {
	sess.EnterHold(now)
	e.emit(EventHold, sess.LinkedID, "enter")
	if e.telephony == nil {
		return
	}
	if err := e.telephony.StartMoH(ctx, sess.LinkedID, e.cfg.Hold.MusicClass); err != nil {
		e.logger.Warn("start moh failed", "linkedId", sess.LinkedID, "error", err)
	}
}

// exitHold stops music-on-hold, a no-op if the session isn't on hold.
func (e *Engine) exitHold(ctx context.Context, sess *session.Context, now time.Time) {
	elapsed := sess.ExitHold(now)
	if elapsed == 0 {
		return
	}
	e.emit(EventHold, sess.LinkedID, "exit")
	if e.telephony == nil {
		return
	}
	if err := e.telephony.StopMoH(ctx, sess.LinkedID); err != nil {
		e.logger.Warn("stop moh failed", "linkedId", sess.LinkedID, "error", err)
	}
}

// ensureSTTAllowed gates any speech-adapter transcription call on both the
// per-phase Lifecycle Contract and the call's snoop Resource Contract
// reaching READY. A lifecycle denial can be overridden exactly once by a
// one-shot exception marker (e.g. a prior webhook rejected the input and
// the call has earned a re-prompt); the marker is consumed in the process.
// Either gate is skipped if its backing dependency wasn't configured (nil
// Lifecycle table or nil Repository), which keeps unit tests functional
// without a store.
func (e *Engine) ensureSTTAllowed(ctx context.Context, sess *session.Context) error {
	if e.cfg.Lifecycle != nil {
		kind := string(e.phaseKind(sess.Phase))
		if !e.cfg.Lifecycle.IsActionAllowed(kind, contracts.ActionStartSTT, contracts.ExceptionMarker{}) {
			if !e.consumeSTTException(ctx, sess) {
				return fmt.Errorf("engine: lifecycle contract denies START_STT in phase %s", sess.Phase)
			}
			e.logger.Info("one-shot re-prompt exception consumed", "linkedId", sess.LinkedID, "phase", sess.Phase)
		}
	}
	if e.contracts == nil {
		return nil
	}
	c, ok, err := e.contracts.Get(ctx, sess.LinkedID)
	if err != nil {
		return fmt.Errorf("engine: load snoop contract: %w", err)
	}
	if !ok {
		return &contracts.ErrSTTBlocked{State: contracts.SnoopCreated}
	}
	return contracts.RequireSTTAllowed(c)
}

// consumeSTTException checks the session's in-memory marker first, then the
// persisted rut:webhook:rejected marker, deleting whichever granted the
// exception so it never applies twice.
func (e *Engine) consumeSTTException(ctx context.Context, sess *session.Context) bool {
	if sess.ExceptionMarkerPresent && contracts.Action(sess.ExceptionMarkerAction) == contracts.ActionStartSTT {
		sess.ExceptionMarkerPresent = false
		sess.ExceptionMarkerAction = ""
		return true
	}
	if e.markers == nil {
		return false
	}
	ok, err := e.markers.Consume(ctx, sess.LinkedID)
	if err != nil {
		e.logger.Warn("consume rejection marker failed", "linkedId", sess.LinkedID, "error", err)
		return false
	}
	return ok
}

// transitionPhase applies a domain-requested phase change with the Phase
// Manager's rules: idempotent, unknown targets permitted with a warning,
// regressions outside the whitelist clamped to the current phase.
func (e *Engine) transitionPhase(sess *session.Context, to string) {
	if to == "" || to == sess.Phase {
		return
	}
	next := to
	if e.cfg.Phases != nil {
		var err error
		next, err = e.cfg.Phases.Transition(sess.Phase, to)
		if err != nil {
			var unknown *phase.ErrUnknownPhase
			var regression *phase.ErrRegression
			switch {
			case errors.As(err, &unknown):
				e.logger.Warn("transition to phase not in table", "linkedId", sess.LinkedID, "phase", to)
			case errors.As(err, &regression):
				e.logger.Warn("phase regression clamped", "linkedId", sess.LinkedID, "from", sess.Phase, "to", to)
				e.emit(EventGuardTripped, sess.LinkedID, err.Error())
			}
		}
	}
	if next != sess.Phase {
		sess.Phase = next
		e.emit(EventPhaseChanged, sess.LinkedID, next)
	}
}

func (e *Engine) applyActions(ctx context.Context, sess *session.Context, result domain.Result, events <-chan telephony.Event, now time.Time) error {
	for _, a := range result.Actions {
		switch a.Kind {
		case domain.ActionSetState:
			e.transitionPhase(sess, a.NextPhase)

		case domain.ActionEndCall:
			if a.ClosingUtterance != "" {
				sess.AddToHistory("assistant", a.ClosingUtterance, now)
				e.emit(EventBotResponse, sess.LinkedID, a.ClosingUtterance)
				if err := e.speakAndPlay(ctx, sess, a.ClosingUtterance, events, nil); err != nil {
					e.logger.Warn("closing utterance playback failed", "linkedId", sess.LinkedID, "error", err)
				}
				e.waitTail(ctx)
			}
			e.hangup(ctx, sess)
			sess.Terminate(now)
			e.emit(EventCallEnded, sess.LinkedID, a.ClosingUtterance)

		case domain.ActionCallWebhook:
			e.callWebhook(ctx, sess, a)

		case domain.ActionUseEngine:
			domainName, botName, ok := strings.Cut(a.EngineName, "/")
			if !ok {
				continue
			}
			sess.Domain = domainName
			sess.BotName = botName
		}
	}
	return nil
}

// callWebhook runs a CALL_WEBHOOK action and applies its success/error
// branch. A rejected call leaves the one-shot re-prompt marker behind so a
// lifecycle-denied re-listen can be permitted exactly once.
func (e *Engine) callWebhook(ctx context.Context, sess *session.Context, a domain.Action) {
	if e.webhooks == nil {
		return
	}
	resp, err := e.webhooks.Call(ctx, a.WebhookURL, a.WebhookPayload)
	success := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if err != nil {
		e.logger.Warn("webhook call failed", "linkedId", sess.LinkedID, "url", a.WebhookURL, "error", err)
	} else {
		sess.BusinessState["webhook_status"] = resp.StatusCode
		sess.BusinessState["webhook_response"] = resp.Body
		e.emit(EventWebhookCalled, sess.LinkedID, resp.StatusCode)
	}

	if success {
		e.transitionPhase(sess, a.OnSuccessPhase)
		return
	}
	if e.markers != nil {
		if err := e.markers.Set(ctx, sess.LinkedID); err != nil {
			e.logger.Warn("set rejection marker failed", "linkedId", sess.LinkedID, "error", err)
		}
	}
	e.transitionPhase(sess, a.OnErrorPhase)
}

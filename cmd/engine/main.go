// Command engine is the Session Engine process: it loads configuration,
// wires the Telephony and Speech adapters, the Resource Contracts
// repository, the domain registry, and the Turn Orchestrator, then either
// drives real calls off the switch's event stream or, in -mode=local, runs
// a microphone/speaker demo loop that talks to the Speech Adapter directly,
// without the Turn Orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/callengine/internal/config"
	"github.com/lokutor-ai/callengine/pkg/contracts"
	"github.com/lokutor-ai/callengine/pkg/domain"
	"github.com/lokutor-ai/callengine/pkg/domain/webhook"
	"github.com/lokutor-ai/callengine/pkg/engine"
	"github.com/lokutor-ai/callengine/pkg/finalize"
	"github.com/lokutor-ai/callengine/pkg/health"
	"github.com/lokutor-ai/callengine/pkg/logging"
	"github.com/lokutor-ai/callengine/pkg/phase"
	"github.com/lokutor-ai/callengine/pkg/policy"
	"github.com/lokutor-ai/callengine/pkg/recording"
	"github.com/lokutor-ai/callengine/pkg/session"
	"github.com/lokutor-ai/callengine/pkg/speech"
	"github.com/lokutor-ai/callengine/pkg/store"
	"github.com/lokutor-ai/callengine/pkg/telephony"
	"github.com/lokutor-ai/callengine/pkg/vad"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	modeOverride := flag.String("mode", "", "override config.mode: inbound, outbound, or local")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("engine: load config: %v", err)
	}
	if *modeOverride != "" {
		cfg.Mode = config.Mode(*modeOverride)
	}

	logger, closeLogger, err := logging.New(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("engine: init logging: %v", err)
	}
	defer closeLogger()

	if cfg.Mode == config.ModeLocal {
		if err := runLocal(cfg, logger); err != nil {
			logger.Error("local mode exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runSwitch(cfg, logger); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func phaseTable(cfg config.Config) *phase.Table {
	return phase.NewTable([]phase.Descriptor{
		{Name: "GREETING", Kind: phase.KindSpeak, Order: 0},
		{Name: "CAPTURE", Kind: phase.KindListen, Order: 1},
		// CONFIRM may legally walk back to CAPTURE when the caller rejects
		// the read-back.
		{Name: "CONFIRM", Kind: phase.KindValidate, Order: 2, RegressTo: []string{"CAPTURE"}},
		{Name: "HOLD", Kind: phase.KindSilent, Order: 3},
		{Name: "COMPLETE", Kind: phase.KindSpeak, Order: 4},
	}, cfg.Features.LegacySilentPhases)
}

func buildRegistry(cfg config.Config, wh *webhook.Client) *domain.Registry {
	registry := domain.NewRegistry()
	for _, d := range cfg.Domains {
		if d.WebhookURL == "" {
			continue
		}
		registry.Register(d.Name, d.BotName, domain.NewWebhookDomain(wh, d.WebhookURL))
	}
	return registry
}

func buildEngineConfig(cfg config.Config, table *phase.Table) engine.Config {
	criticalPhases := map[string]bool{"CAPTURE": true, "CONFIRM": true}

	var queue, musicClass string
	if len(cfg.Domains) > 0 {
		queue = cfg.Domains[0].QueueName
		musicClass = cfg.Domains[0].MusicClass
	}

	return engine.Config{
		Lifecycle: contracts.DefaultTable(),
		Phases:    table,
		Termination: policy.TerminationPolicy{
			Silence:  policy.SilencePolicy{MaxSilentTurns: cfg.Turn.MaxSilentTurns},
			MaxTurns: cfg.Turn.MaxTurns,
		},
		Hold: policy.HoldPolicy{
			MaxHoldDurationMs: cfg.Turn.MaxHoldDurationMs,
			Enabled:           musicClass != "",
			MusicClass:        musicClass,
		},
		DeepTurnGuard: policy.DeepTurnIdentityGuard{MaxRepeats: 3},
		TransferQueue: queue,
		AntiReplay:    policy.AntiReplayGuardrail{},
		Transfer:      policy.NewTransferDetector(),
		Goodbye:       policy.NewGoodbyeDetector(),
		Guardrails: domain.GuardrailSet{
			CriticalPhases: criticalPhases,
		},
		BargeIn: engine.BargeInConfig{
			Enabled:       true,
			DebounceMs:    cfg.Turn.TalkingDebounceMs,
			MinSpeechMs:   cfg.Turn.MinSpeechMs,
			MinConfidence: cfg.Turn.MinConfidence,
		},
		Listen: engine.ListenConfig{
			MaxSilenceSeconds: cfg.Turn.MaxSilenceSeconds,
			MaxRecordingMs:    cfg.Turn.MaxRecordingMs,
			MinRecordingBytes: cfg.Turn.MinRecordingBytes,
			SpoolDir:          cfg.Spool.RecordingsDir,
		},
		MediaSpoolDir: cfg.Spool.RecordingsDir,
	}
}

// speechConfig maps process configuration onto one speech session's config.
// Each call dials its own session: the realtime protocol is one
// conversation per connection, so sessions are never shared across calls.
func speechConfig(cfg config.Config) speech.Config {
	return speech.Config{
		WSURL:              cfg.Speech.WSURL,
		APIKey:             cfg.Speech.APIKey,
		Voice:              cfg.Speech.Voice,
		Language:           cfg.Speech.Language,
		Model:              cfg.Speech.Model,
		TranscriptionModel: cfg.Speech.TranscriptionModel,
		Instructions:       cfg.Speech.Instructions,
	}
}

// runSwitch drives real calls off the switch's ARI-style REST/WebSocket
// control interface: it subscribes to the event stream and spins up one
// call goroutine per StasisStart.
func runSwitch(cfg config.Config, logger logging.Logger) error {
	st := store.New(store.Config{Addr: cfg.Store.Addr, Password: cfg.Store.Password, DB: cfg.Store.DB})
	tel := telephony.New(telephony.Config{
		BaseURL: cfg.Telephony.BaseURL,
		AppName: cfg.Telephony.AppName,
		APIKey:  cfg.Telephony.APIKey,
		Breaker: telephony.CircuitConfig{
			MaxFailures: cfg.Telephony.CircuitBreaks.MaxFailures,
			OpenTimeout: cfg.Telephony.CircuitBreaks.OpenTimeout,
			ResetWindow: cfg.Telephony.CircuitBreaks.ResetWindow,
		},
	})
	repo := contracts.NewRepository(st, logger)
	marks := contracts.NewMarkLog(st, logger)
	markers := contracts.NewRejectionMarkers(st, 0)
	wh := webhook.New(10 * time.Second)
	registry := buildRegistry(cfg, wh)
	table := phaseTable(cfg)
	// No Deps.Speech: each call attaches its own connected session in
	// handleCall (see engine.AttachSpeech).
	eng := engine.New(buildEngineConfig(cfg, table), engine.Deps{
		Telephony: tel,
		Contracts: repo,
		Marks:     marks,
		Markers:   markers,
		Domains:   registry,
		Webhooks:  wh,
		Logger:    logger,
	})
	fin := finalize.New(&finalize.JSONLineSink{Path: cfg.Spool.CallLogPath}, logger)
	tracker := health.NewTracker(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	stream, err := telephony.Subscribe(ctx, cfg.Telephony.EventsURL, cfg.Telephony.AppName, cfg.Telephony.APIKey)
	if err != nil {
		return fmt.Errorf("subscribe to event stream: %w", err)
	}
	defer stream.Close()

	router := telephony.NewEventRouter()

	logger.Info("engine started", "mode", cfg.Mode, "domains", registry.Names())

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("event stream read failed", "error", err)
			continue
		}
		if ev.Type == telephony.EventStasisStart {
			tracker.SessionStarted(ev.ChannelID)
			events := router.Register(ev.ChannelID)
			go handleCall(ctx, ev, cfg, tel, eng, repo, fin, router, events, logger, tracker)
		}
		router.Dispatch(ev)
		_ = tracker.Check(ctx)
	}
}

// handleCall runs one call's full lifecycle: answer, build the mixing
// bridge, spin up the pre-bridge snoop tap and track its Resource Contract
// through materialization, then drive the record -> transcribe -> domain ->
// synthesize -> play turn loop (gating STT on the contract, reacting to
// barge-in off the call's event lane) until the engine reports the session
// terminated.
func handleCall(ctx context.Context, start telephony.Event, cfg config.Config, tel *telephony.Client, eng *engine.Engine, repo *contracts.Repository, fin *finalize.Finalizer, router *telephony.EventRouter, events <-chan telephony.Event, logger logging.Logger, tracker *health.Tracker) {
	channelID := start.ChannelID
	defer tracker.SessionEnded(channelID)
	defer router.Unregister(channelID)
	defer eng.Forget(channelID)

	if err := tel.Answer(ctx, channelID); err != nil {
		logger.Error("answer failed", "channel", channelID, "error", err)
		return
	}

	// One speech session per call: the realtime protocol carries no call
	// identifier, so the connection is the conversation.
	sp := speech.New(speechConfig(cfg), logger)
	if err := sp.Connect(ctx); err != nil {
		logger.Error("connect speech session failed", "channel", channelID, "error", err)
		if err := tel.Hangup(ctx, channelID); err != nil {
			logger.Warn("hangup after speech connect failure failed", "channel", channelID, "error", err)
		}
		return
	}
	defer sp.Close()
	eng.AttachSpeech(channelID, sp)

	bridge, err := tel.CreateBridge(ctx, "mixing")
	if err != nil {
		logger.Error("create bridge failed", "channel", channelID, "error", err)
		return
	}
	defer func() {
		if err := tel.DestroyBridge(ctx, bridge.ID); err != nil {
			logger.Warn("destroy bridge failed", "channel", channelID, "error", err)
		}
	}()
	if err := tel.AddChannelToBridge(ctx, bridge.ID, channelID); err != nil {
		logger.Error("add channel to bridge failed", "channel", channelID, "error", err)
		return
	}

	// The snoop channel must be created and its contract tracked before it
	// is ever pinned to a bridge: the switch refuses to record a channel
	// that's already bridged.
	snoop, err := tel.CreateSnoop(ctx, channelID, "in", cfg.Telephony.AppName)
	if err != nil {
		logger.Error("create snoop failed", "channel", channelID, "error", err)
		return
	}
	now := time.Now()
	if _, err := repo.Create(ctx, channelID, channelID, bridge.ID, now); err != nil {
		logger.Error("create snoop contract failed", "channel", channelID, "error", err)
		return
	}
	defer func() {
		if err := repo.Destroy(context.Background(), channelID, time.Now()); err != nil {
			logger.Warn("destroy snoop contract failed", "channel", channelID, "error", err)
		}
	}()

	if _, err := repo.Advance(ctx, channelID, contracts.SnoopCreated, contracts.SnoopWaitingAST, time.Now()); err != nil {
		logger.Warn("advance snoop contract to waiting_ast failed", "channel", channelID, "error", err)
	}

	// The continuous user-only capture must start before the snoop channel
	// joins the bridge: the switch refuses to record an already-bridged
	// channel.
	var segmenter *recording.Segmenter
	var contRec recording.Handle
	if cfg.Features.EnableContinuousRecordingSegments {
		segmenter = recording.New(tel, cfg.Spool.RecordingsDir, logger)
		h, err := segmenter.Start(ctx, recording.StartRequest{CallID: channelID, SnoopChannelID: snoop.ID})
		if err != nil {
			logger.Warn("start continuous recording failed", "channel", channelID, "error", err)
			segmenter = nil
		} else {
			contRec = h
			defer func() {
				if err := segmenter.Stop(context.Background(), contRec); err != nil {
					logger.Warn("stop continuous recording failed", "channel", channelID, "error", err)
				}
			}()
		}
	}

	if err := telephony.PinSnoopToBridge(ctx, tel, bridge.ID, snoop.ID, 5, 100*time.Millisecond); err != nil {
		logger.Error("pin snoop to bridge failed", "channel", channelID, "error", err)
		return
	}

	materializeTimeout := cfg.Turn.MaterializationTimeout
	if materializeTimeout <= 0 {
		materializeTimeout = 2 * time.Second
	}
	err = telephony.MaterializationProbe(ctx, materializeTimeout, 100*time.Millisecond, func(ctx context.Context) (bool, error) {
		ch, err := tel.GetChannel(ctx, snoop.ID)
		if err != nil {
			return false, nil
		}
		return ch.State != "" && ch.State != "Down", nil
	})
	if err != nil {
		logger.Warn("snoop materialization probe failed", "channel", channelID, "error", err)
	}
	if _, err := repo.Advance(ctx, channelID, contracts.SnoopWaitingAST, contracts.SnoopReady, time.Now()); err != nil {
		logger.Warn("advance snoop contract to ready failed", "channel", channelID, "error", err)
	}

	sess := session.New(channelID, domainNameFor(cfg), botNameFor(cfg), time.Now())
	sess.Caller = start.Caller
	sess.Callee = start.Callee
	sess.Phase = "GREETING"

	table := phaseTable(cfg)

	defer func() {
		// Drain the snoop FSM before destroying the contract so the full
		// lifecycle is observable in the store until the keys go.
		if _, err := repo.Advance(context.Background(), channelID, contracts.SnoopReady, contracts.SnoopConsumed, time.Now()); err != nil {
			logger.Warn("advance snoop contract to consumed failed", "channel", channelID, "error", err)
		}
		if _, err := repo.Advance(context.Background(), channelID, contracts.SnoopConsumed, contracts.SnoopReleasable, time.Now()); err != nil {
			logger.Warn("advance snoop contract to releasable failed", "channel", channelID, "error", err)
		}
		finalizeCall(cfg, fin, sess, channelID, contRec.Path, logger)
	}()

	if _, err := eng.RunTurn(ctx, sess, engine.TurnRequest{
		DomainName: sess.Domain,
		BotName:    sess.BotName,
		Transcript: "",
		Events:     events,
		SkipListen: true,
	}); err != nil {
		logger.Warn("greeting turn failed", "channel", channelID, "error", err)
	}

	skipInput := false
	for !sess.Terminated() {
		if ctx.Err() != nil {
			return
		}
		transcript := ""
		listened := !skipInput && !table.IsSilent(sess.Phase)
		if listened {
			var err error
			transcript, err = eng.Listen(ctx, sess, events)
			if err != nil {
				logger.Warn("listen failed", "channel", channelID, "error", err)
				return
			}
		} else if !skipInput {
			// A silent phase polls the domain instead of listening; pace the
			// polls so a long HOLD doesn't spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		out, err := eng.RunTurn(ctx, sess, engine.TurnRequest{
			DomainName: sess.Domain,
			BotName:    sess.BotName,
			Transcript: transcript,
			Events:     events,
			SkipListen: !listened,
		})
		if err != nil {
			logger.Warn("turn failed", "channel", channelID, "error", err)
			return
		}
		skipInput = out.SkipUserInput
	}
}

// finalizeCall runs the Post-Call Finalizer for one ended session: the
// transcript log, the master-recording move (falling back to the ARI-only
// continuous capture), and the call-record sink.
func finalizeCall(cfg config.Config, fin *finalize.Finalizer, sess *session.Context, channelID, ariRecordingPath string, logger logging.Logger) {
	identity, _ := sess.BusinessState["identity"].(string)
	callee := sess.Callee
	if callee == "" {
		callee = "unknown"
	}
	finalDir := filepath.Join(cfg.Spool.RecordingsDir, callee, time.Now().Format("20060102"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := fin.Run(ctx, finalize.Request{
		Session:          sess,
		Caller:           sess.Caller,
		Identity:         identity,
		FinalDir:         finalDir,
		MasterSpoolPath:  filepath.Join(cfg.Spool.SwitchSpool, channelID+".wav"),
		ARIRecordingPath: ariRecordingPath,
		MasterCopyDelay:  500 * time.Millisecond,
	}); err != nil {
		logger.Warn("finalize failed", "channel", channelID, "error", err)
	}
}

func domainNameFor(cfg config.Config) string {
	if len(cfg.Domains) == 0 {
		return ""
	}
	return cfg.Domains[0].Name
}

func botNameFor(cfg config.Config) string {
	if len(cfg.Domains) == 0 {
		return ""
	}
	return cfg.Domains[0].BotName
}

const (
	localSampleRate = 24000
	localChannels   = 1
)

// runLocal drives the microphone/speaker demo loop: capture audio, run it
// through an RMS VAD to decide when the caller stopped talking, hand the
// utterance to the Speech Adapter, and play back whatever it synthesizes.
// It does not run the pkg/engine turn loop, and it needs no switch.
func runLocal(cfg config.Config, logger logging.Logger) error {
	sp := speech.New(speechConfig(cfg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sp.Connect(ctx); err != nil {
		return fmt.Errorf("connect speech adapter: %w", err)
	}
	defer sp.Close()

	detector := vad.New(0.02, 500*time.Millisecond)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer mctx.Uninit()

	var mu sync.Mutex
	var captureBuf []byte
	var playback []byte

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			ev := detector.Process(pInput)
			mu.Lock()
			captureBuf = append(captureBuf, pInput...)
			mu.Unlock()
			if ev != nil && ev.Type == vad.SpeechEnd {
				mu.Lock()
				utterance := captureBuf
				captureBuf = nil
				mu.Unlock()
				go func() {
					result, err := sp.SendAudioAndWait(ctx, "local", utterance, nil)
					if err != nil {
						logger.Warn("speech request failed", "error", err)
						return
					}
					mu.Lock()
					playback = append(playback, result.Audio...)
					mu.Unlock()
				}()
			}
		}
		if pOutput != nil {
			mu.Lock()
			n := copy(pOutput, playback)
			playback = playback[n:]
			mu.Unlock()
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = localChannels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = localChannels
	deviceConfig.SampleRate = localSampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return fmt.Errorf("init audio device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start audio device: %w", err)
	}

	fmt.Println("Local demo started. Speak into the microphone; Ctrl+C to exit.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nshutting down")
	return nil
}

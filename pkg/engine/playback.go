package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lokutor-ai/callengine/pkg/domain"
	"github.com/lokutor-ai/callengine/pkg/session"
	"github.com/lokutor-ai/callengine/pkg/telephony"
)

// speakAndPlay synthesizes text and plays it onto the call's channel,
// discarding the result without error if a barge-in invalidated the
// response's generation while synthesis was in flight. ip, when non-nil,
// overrides the engine's barge-in defaults for this playback only.
func (e *Engine) speakAndPlay(ctx context.Context, sess *session.Context, text string, events <-chan telephony.Event, ip *domain.InterruptPolicy) error {
	sp := e.speechFor(sess.LinkedID)
	if sp == nil {
		return nil
	}
	generation := e.currentGeneration(sess.LinkedID)
	result, err := sp.SynthesizeSpeech(ctx, text, nil)
	if err != nil {
		if e.currentGeneration(sess.LinkedID) != generation {
			return nil
		}
		return fmt.Errorf("engine: synthesize response: %w", err)
	}
	if e.telephony == nil || len(result.Audio) == 0 {
		return nil
	}
	return e.playOnChannel(ctx, sess, result.Audio, events, ip)
}

// playOnChannel writes pcm to the media spool and plays it via playURI.
func (e *Engine) playOnChannel(ctx context.Context, sess *session.Context, pcm []byte, events <-chan telephony.Event, ip *domain.InterruptPolicy) error {
	mediaURI, err := e.media.write(sess.LinkedID, pcm)
	if err != nil {
		e.logger.Warn("write playback media failed", "linkedId", sess.LinkedID, "error", err)
		return nil
	}
	return e.playURI(ctx, sess, mediaURI, events, ip)
}

// playURI starts playback of a media URI on the call's channel and waits
// for it to finish, reacting to barge-in off events while it plays. A
// missing channel is treated as a soft failure: the call keeps running, it
// simply never heard this turn's response.
func (e *Engine) playURI(ctx context.Context, sess *session.Context, mediaURI string, events <-chan telephony.Event, ip *domain.InterruptPolicy) error {
	alive, err := e.channelAlive(ctx, sess.LinkedID)
	if err != nil {
		e.logger.Warn("channel alive check failed before playback", "linkedId", sess.LinkedID, "error", err)
	}
	if !alive {
		return nil
	}

	pb, err := e.telephony.StartPlayback(ctx, "channel:"+sess.LinkedID, mediaURI)
	if err != nil {
		if errors.Is(err, telephony.ErrChannelGone) {
			return nil
		}
		e.logger.Warn("start playback failed", "linkedId", sess.LinkedID, "error", err)
		return nil
	}
	e.playbacks.Track(pb.ID)

	return e.waitWithBargeIn(ctx, sess, pb.ID, events, ip)
}

func (e *Engine) channelAlive(ctx context.Context, linkedID string) (bool, error) {
	if e.telephony == nil {
		return true, nil
	}
	ch, err := e.telephony.GetChannel(ctx, linkedID)
	if err != nil {
		if errors.Is(err, telephony.ErrChannelGone) {
			return false, nil
		}
		return false, err
	}
	return ch.State != "Down", nil
}

// effectiveBargeIn folds a domain's per-turn interrupt policy over the
// engine defaults. A nil policy keeps the defaults; AllowBargeIn=false
// disables interruption for this playback entirely.
func (e *Engine) effectiveBargeIn(ip *domain.InterruptPolicy) (BargeInConfig, bool) {
	cfg := e.cfg.BargeIn
	if ip == nil {
		return cfg, cfg.Enabled
	}
	if !ip.AllowBargeIn {
		return cfg, false
	}
	cfg.Enabled = true
	if ip.MinSpeechMs > 0 {
		cfg.MinSpeechMs = ip.MinSpeechMs
	}
	if ip.MinConfidence > 0 {
		cfg.MinConfidence = ip.MinConfidence
	}
	return cfg, true
}

// waitWithBargeIn blocks until the playback resolves, timing out via
// PlaybackWaiter, but while barge-in is enabled and a live event lane is
// available it also watches for confirmed barge-in and stops the playback
// early, invalidating the response generation via Interrupt. A StasisEnd on
// the lane terminates the session and abandons the wait.
func (e *Engine) waitWithBargeIn(ctx context.Context, sess *session.Context, playbackID string, events <-chan telephony.Event, ip *domain.InterruptPolicy) error {
	bargeCfg, enabled := e.effectiveBargeIn(ip)
	if events == nil || !enabled {
		_, err := e.playbacks.Wait(ctx, playbackID)
		return err
	}

	detector := e.bargeInDetector(sess.LinkedID, bargeCfg)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				_, err := e.playbacks.Wait(ctx, playbackID)
				return err
			}
			if ev.PlaybackID != "" && ev.PlaybackID != playbackID {
				continue
			}
			switch ev.Type {
			case telephony.EventStasisEnd:
				sess.Terminate(time.Now())
				e.playbacks.Resolve(playbackID, telephony.PlaybackStopped)
				return nil
			case telephony.EventChannelTalking:
				detector.TalkingStarted(time.Now())
			case telephony.EventChannelSilence:
				detector.TalkingStopped()
			case telephony.EventPlaybackFinished:
				e.playbacks.Resolve(playbackID, telephony.PlaybackFinished)
				return nil
			}

		case <-ticker.C:
			if detector.ShouldInterrupt(time.Now(), nil) {
				if err := e.telephony.StopPlayback(ctx, playbackID); err != nil {
					e.logger.Warn("stop playback on barge-in failed", "linkedId", sess.LinkedID, "error", err)
				}
				e.playbacks.Resolve(playbackID, telephony.PlaybackStopped)
				e.Interrupt(ctx, sess.LinkedID)
				return nil
			}
		}
	}
}

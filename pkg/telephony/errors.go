package telephony

import "errors"

var (
	// ErrChannelGone means the underlying call channel no longer exists
	// (StasisEnd already fired, or the PBX reports a 404 for it).
	ErrChannelGone = errors.New("telephony: channel is gone")

	// ErrRecoverableTransport wraps a transport failure the caller should
	// retry (connection reset, timeout, 5xx) rather than tear the call down.
	ErrRecoverableTransport = errors.New("telephony: recoverable transport error")

	// ErrPlaybackTimeout means a playback produced no Finished/Stopped/Failed
	// event within the configured timeout.
	ErrPlaybackTimeout = errors.New("telephony: playback timed out")

	// ErrMaterializationTimeout means the audio plane never reported ready
	// within the configured readiness-probe timeout.
	ErrMaterializationTimeout = errors.New("telephony: audio plane did not materialize in time")
)

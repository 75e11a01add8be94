package speech

import "errors"

var (
	// ErrSpeech wraps a server-reported error event from the speech provider.
	ErrSpeech = errors.New("speech: provider reported an error")

	// ErrNotConnected is returned when an operation is attempted before
	// connect has established a session.
	ErrNotConnected = errors.New("speech: not connected")

	// ErrResponseInFlight names a second response requested while one is
	// already outstanding for the same call. SendAudioAndWait does not
	// return it: concurrent callers with the same linkedID share the
	// in-flight request's result.
	ErrResponseInFlight = errors.New("speech: a response is already in flight for this call")
)

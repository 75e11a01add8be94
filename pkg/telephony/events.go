package telephony

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// EventType enumerates the PBX event types the orchestrator cares about.
type EventType string

const (
	EventStasisStart      EventType = "StasisStart"
	EventStasisEnd        EventType = "StasisEnd"
	EventChannelStateChange EventType = "ChannelStateChange"
	EventChannelTalking   EventType = "ChannelTalkingStarted"
	EventChannelSilence   EventType = "ChannelTalkingFinished"
	EventPlaybackStarted  EventType = "PlaybackStarted"
	EventPlaybackFinished EventType = "PlaybackFinished"
	EventRecordingStarted EventType = "RecordingStarted"
	EventRecordingFinished EventType = "RecordingFinished"
	EventRecordingFailed  EventType = "RecordingFailed"
)

// Event is one message off the event stream. Caller/Callee are populated
// on StasisStart only.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id,omitempty"`
	BridgeID  string    `json:"bridge_id,omitempty"`
	PlaybackID string   `json:"playback_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Callee    string    `json:"callee,omitempty"`
}

// EventStream is a live subscription to the PBX event websocket.
type EventStream struct {
	conn *websocket.Conn
}

// Subscribe opens the event websocket for the configured app name.
func Subscribe(ctx context.Context, eventsURL, appName, apiKey string) (*EventStream, error) {
	u, err := url.Parse(eventsURL)
	if err != nil {
		return nil, fmt.Errorf("telephony: parse events url: %w", err)
	}
	q := u.Query()
	q.Set("app", appName)
	if apiKey != "" {
		q.Set("api_key", apiKey)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial events stream: %v", ErrRecoverableTransport, err)
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next event on the stream.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	var ev Event
	if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: read event: %v", ErrRecoverableTransport, err)
	}
	return ev, nil
}

// Close closes the event stream.
func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Package speech implements the Speech Adapter (C2): a single bidirectional
// streaming session against the realtime speech provider, covering the
// full transcribe+respond+synthesize session loop over one connection.
package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/singleflight"

	"github.com/lokutor-ai/callengine/pkg/logging"
)

// Config configures the Speech Adapter connection.
type Config struct {
	WSURL               string
	APIKey              string
	Voice               string
	Language             string
	Model               string
	TranscriptionModel  string
	Instructions        string
}

// Result is what sendAudioAndWait/synthesizeSpeech accumulate from one
// response turn.
type Result struct {
	Transcript       string
	ResponseText     string
	Audio            []byte
	InputTranscript  string
}

// OnDelta is invoked for each incremental chunk while a response streams,
// when incremental mode is enabled.
type OnDelta func(audio []byte, textDelta string)

// Client is one call's Speech Adapter session.
type Client struct {
	cfg    Config
	logger logging.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	incremental bool

	sf singleflight.Group
}

// New constructs a Client. Connect must be called before use.
func New(cfg Config, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Client{cfg: cfg, logger: logger}
}

// serverEvent is the envelope shared by every server-sent event. It holds
// the union of the fields the dispatch switches in readUntilDone and
// TranscribeAudioOnly read; any other field of an event is ignored.
type serverEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Text       string `json:"text,omitempty"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Connect dials the speech provider and negotiates the session.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("speech: parse ws url: %w", err)
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set("api_key", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("speech: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"voice":                c.cfg.Voice,
			"language":             c.cfg.Language,
			"model":                c.cfg.Model,
			"transcription_model":  c.cfg.TranscriptionModel,
			"instructions":         c.cfg.Instructions,
		},
	}
	if err := wsjson.Write(ctx, conn, update); err != nil {
		return fmt.Errorf("speech: send session.update: %w", err)
	}
	return nil
}

// SetIncremental toggles whether response deltas are delivered to the
// onDelta callback as they stream, rather than only at completion.
func (c *Client) SetIncremental(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incremental = enabled
}

// Close closes the underlying websocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}

func (c *Client) activeConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// SendSystemText pushes a system/instruction message into the conversation
// and requests a response for it (e.g. the domain steering the bot
// mid-call), returning the synthesized reply.
func (c *Client) SendSystemText(ctx context.Context, text string) (Result, error) {
	conn, err := c.activeConn()
	if err != nil {
		return Result{}, err
	}
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]string{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := wsjson.Write(ctx, conn, item); err != nil {
		return Result{}, fmt.Errorf("speech: send system text: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "response.create"}); err != nil {
		return Result{}, fmt.Errorf("speech: request response: %w", err)
	}
	return c.readUntilDone(ctx, conn, nil)
}

// CancelCurrentResponse asks the provider to stop generating the
// in-flight response and clears the input buffer, used for barge-in.
func (c *Client) CancelCurrentResponse(ctx context.Context) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "response.cancel"}); err != nil {
		return fmt.Errorf("speech: cancel response: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "input_audio_buffer.clear"}); err != nil {
		return fmt.Errorf("speech: clear input buffer: %w", err)
	}
	return nil
}

// SendAudioAndWait appends audio to the input buffer, commits it, requests a
// response, and blocks until it completes. Only one response may be in
// flight per call: concurrent callers sharing the same linkedID collapse
// onto the same in-flight request via singleflight.
func (c *Client) SendAudioAndWait(ctx context.Context, linkedID string, audio []byte, onDelta OnDelta) (Result, error) {
	v, err, _ := c.sf.Do(linkedID, func() (any, error) {
		conn, err := c.activeConn()
		if err != nil {
			return Result{}, err
		}

		if err := wsjson.Write(ctx, conn, map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": audio,
		}); err != nil {
			return Result{}, fmt.Errorf("speech: append audio: %w", err)
		}
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
			return Result{}, fmt.Errorf("speech: commit audio: %w", err)
		}
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "response.create"}); err != nil {
			return Result{}, fmt.Errorf("speech: request response: %w", err)
		}

		return c.readUntilDone(ctx, conn, onDelta)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// TranscribeAudioOnly appends audio and requests a transcription without a
// spoken reply, used when a phase only needs STT (e.g. VALIDATE re-asking).
func (c *Client) TranscribeAudioOnly(ctx context.Context, audio []byte) (string, error) {
	conn, err := c.activeConn()
	if err != nil {
		return "", err
	}
	if err := wsjson.Write(ctx, conn, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audio,
	}); err != nil {
		return "", fmt.Errorf("speech: append audio: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return "", fmt.Errorf("speech: commit audio: %w", err)
	}

	for {
		var ev serverEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return "", fmt.Errorf("speech: read event: %w", err)
		}
		switch ev.Type {
		case "conversation.item.input_audio_transcription.completed":
			return ev.Transcript, nil
		case "error":
			return "", fmt.Errorf("%w: %s", ErrSpeech, ev.Error.Message)
		}
	}
}

// SynthesizeSpeech requests spoken audio for text without any input audio —
// the domain pushing a prompt the user didn't drive (e.g. a webhook result).
func (c *Client) SynthesizeSpeech(ctx context.Context, text string, onDelta OnDelta) (Result, error) {
	conn, err := c.activeConn()
	if err != nil {
		return Result{}, err
	}
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	}
	if err := wsjson.Write(ctx, conn, item); err != nil {
		return Result{}, fmt.Errorf("speech: send text: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "response.create"}); err != nil {
		return Result{}, fmt.Errorf("speech: request response: %w", err)
	}
	return c.readUntilDone(ctx, conn, onDelta)
}

func (c *Client) readUntilDone(ctx context.Context, conn *websocket.Conn, onDelta OnDelta) (Result, error) {
	c.mu.Lock()
	incremental := c.incremental
	c.mu.Unlock()

	var result Result
	for {
		var ev serverEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return Result{}, fmt.Errorf("speech: read event: %w", err)
		}

		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			result.InputTranscript += ev.Delta
		case "conversation.item.input_audio_transcription.completed":
			result.InputTranscript = ev.Transcript
		case "response.audio_transcript.delta":
			result.ResponseText += ev.Delta
			if incremental && onDelta != nil {
				onDelta(nil, ev.Delta)
			}
		case "response.audio_transcript.done":
			result.ResponseText = ev.Transcript
		case "response.audio.delta":
			chunk, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				c.logger.Warn("undecodable audio delta", "error", err)
				continue
			}
			result.Audio = append(result.Audio, chunk...)
			if incremental && onDelta != nil {
				onDelta(chunk, "")
			}
		case "response.done":
			return result, nil
		case "error":
			return Result{}, fmt.Errorf("%w: %s", ErrSpeech, ev.Error.Message)
		}
	}
}

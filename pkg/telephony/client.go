// Package telephony implements the Telephony Adapter (C1): a REST facade
// over the PBX's call-control API (channel, bridge, recording and snoop
// operations), its event stream, and a playback abstraction with
// timeout and synthesized-Started handling.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config configures the REST facade.
type Config struct {
	BaseURL     string
	AppName     string
	APIKey      string
	DialTimeout time.Duration
	Breaker     CircuitConfig
}

// CircuitConfig tunes the gobreaker wrapping every REST call.
type CircuitConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	ResetWindow time.Duration
}

// Channel is a call leg as reported by the PBX.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Bridge groups channels for mixing (e.g. the capture bridge a snoop feeds).
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Channels []string `json:"channels"`
}

// Recording is a server-side capture of a channel or bridge.
type Recording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	State  string `json:"state"`
}

// Playback is a started media playback.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// Client is the Telephony Adapter's REST facade. Every call passes through
// a circuit breaker so a flapping PBX fails fast instead of stalling the
// orchestrator loop.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "telephony",
		MaxRequests: 1,
		Interval:    cfg.Breaker.ResetWindow,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxUint32(cfg.Breaker.MaxFailures, 1)
		},
		// Only transport failures count against the breaker; a 404 or other
		// 4xx is a reply from a reachable PBX.
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrRecoverableTransport)
		},
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.DialTimeout},
		breaker: breaker,
	}
}

func maxUint32(v, floor uint32) uint32 {
	if v == 0 {
		return floor
	}
	return v
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telephony: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	payload, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("telephony: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecoverableTransport, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %v", ErrRecoverableTransport, err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrChannelGone
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrRecoverableTransport, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("telephony: request failed with status %d: %s", resp.StatusCode, string(data))
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("%w: circuit open", ErrRecoverableTransport)
		}
		return err
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// Answer answers an inbound channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// Hangup terminates a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// GetChannel fetches the current state of a channel.
func (c *Client) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch)
	return ch, err
}

// CreateBridge creates a mixing bridge (the capture bridge a snoop feeds).
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (Bridge, error) {
	var b Bridge
	err := c.do(ctx, http.MethodPost, "/bridges", map[string]string{"type": bridgeType}, &b)
	return b, err
}

// AddChannelToBridge adds a channel leg to an existing bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", map[string]string{"channel": channelID}, nil)
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

// CreateSnoop spawns a snoop channel spying on parentChannelID with the
// requested spy direction ("in", "out", or "both").
func (c *Client) CreateSnoop(ctx context.Context, parentChannelID, spy, app string) (Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodPost, "/channels/"+parentChannelID+"/snoop", map[string]string{
		"spy": spy,
		"app": app,
	}, &ch)
	return ch, err
}

// StartRecording begins a server-side recording of a channel or bridge.
func (c *Client) StartRecording(ctx context.Context, targetID, name, format string) (Recording, error) {
	var rec Recording
	err := c.do(ctx, http.MethodPost, "/recordings/"+targetID+"/record", map[string]string{
		"name":   name,
		"format": format,
	}, &rec)
	return rec, err
}

// StopRecording stops an in-progress recording.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/recordings/live/"+name+"/stop", nil, nil)
}

// StartPlayback plays media onto a channel or bridge target.
func (c *Client) StartPlayback(ctx context.Context, targetURI, mediaURI string) (Playback, error) {
	var pb Playback
	err := c.do(ctx, http.MethodPost, "/playbacks", map[string]string{
		"target":    targetURI,
		"media_uri": mediaURI,
	}, &pb)
	return pb, err
}

// StopPlayback stops an in-progress playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+playbackID, nil, nil)
}

// ContinueInDialplan releases a channel from the Stasis application back to
// the dialplan at the given context/extension/priority — the dialplan
// handoff a transfer-to-queue decision drives.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dialplanContext, extension string, priority int) error {
	path := "/channels/" + channelID + "/continue?" + url.Values{
		"context":   {dialplanContext},
		"extension": {extension},
		"priority":  {fmt.Sprintf("%d", priority)},
	}.Encode()
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StartMoH starts music-on-hold of the given class on a channel.
func (c *Client) StartMoH(ctx context.Context, channelID, musicClass string) error {
	path := "/channels/" + channelID + "/moh"
	if musicClass != "" {
		path += "?" + url.Values{"mohClass": {musicClass}}.Encode()
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StopMoH stops music-on-hold on a channel.
func (c *Client) StopMoH(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/moh", nil, nil)
}

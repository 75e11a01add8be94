package domain

import (
	"context"
	"fmt"

	"github.com/lokutor-ai/callengine/pkg/domain/webhook"
)

// WebhookDomain forwards each turn to an external HTTP decision service and
// maps its JSON response back onto Result. It lets an operator register a
// domain entirely from configuration (a name, a bot name, a URL) without
// writing a Go Domain implementation — the engine stays domain-agnostic
// and never interprets the business state itself.
type WebhookDomain struct {
	client *webhook.Client
	url    string
}

// NewWebhookDomain constructs a WebhookDomain that POSTs to url.
func NewWebhookDomain(client *webhook.Client, url string) *WebhookDomain {
	return &WebhookDomain{client: client, url: url}
}

type wireAction struct {
	Kind             string         `json:"kind"`
	NextPhase        string         `json:"nextPhase,omitempty"`
	ClosingUtterance string         `json:"closingUtterance,omitempty"`
	WebhookURL       string         `json:"webhookUrl,omitempty"`
	WebhookPayload   map[string]any `json:"webhookPayload,omitempty"`
	OnSuccessPhase   string         `json:"onSuccessPhase,omitempty"`
	OnErrorPhase     string         `json:"onErrorPhase,omitempty"`
	EngineName       string         `json:"engineName,omitempty"`
}

type wireResult struct {
	SpokenResponse string           `json:"spokenResponse"`
	AudioFile      string           `json:"audioFile"`
	NextPhase      string           `json:"nextPhase"`
	Silent         bool             `json:"silent"`
	SkipUserInput  bool             `json:"skipUserInput"`
	ShouldHangup   bool             `json:"shouldHangup"`
	Interrupt      *InterruptPolicy `json:"interruptPolicy"`
	Actions        []wireAction     `json:"actions"`
	StateUpdates   map[string]any   `json:"stateUpdates"`
}

// Process POSTs the turn Input as JSON and decodes the response body into a
// Result. A failed call or a non-2xx response is surfaced as an error; the
// engine treats a domain error as "apply nothing this turn" rather than
// crashing the call. Response fields that are missing or of an unexpected
// type are left at their zero values rather than failing the decode.
func (d *WebhookDomain) Process(ctx context.Context, in Input) (Result, error) {
	payload := map[string]any{
		"linkedId":      in.LinkedID,
		"caller":        in.Caller,
		"callee":        in.Callee,
		"botName":       in.BotName,
		"phase":         in.Phase,
		"transcript":    in.Transcript,
		"businessState": in.BusinessState,
		"turnCount":     in.TurnCount,
	}

	resp, err := d.client.Call(ctx, d.url, payload)
	if err != nil {
		return Result{}, fmt.Errorf("domain: webhook call: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("domain: webhook returned status %d", resp.StatusCode)
	}

	wr, err := decodeWireResult(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("domain: decode webhook response: %w", err)
	}
	return wr.toResult(), nil
}

func decodeWireResult(body map[string]any) (wireResult, error) {
	var wr wireResult
	if v, ok := body["spokenResponse"].(string); ok {
		wr.SpokenResponse = v
	}
	if v, ok := body["audioFile"].(string); ok {
		wr.AudioFile = v
	}
	if v, ok := body["nextPhase"].(string); ok {
		wr.NextPhase = v
	}
	if v, ok := body["silent"].(bool); ok {
		wr.Silent = v
	}
	if v, ok := body["skipUserInput"].(bool); ok {
		wr.SkipUserInput = v
	}
	if v, ok := body["shouldHangup"].(bool); ok {
		wr.ShouldHangup = v
	}
	if v, ok := body["allowBargeIn"].(bool); ok {
		wr.Interrupt = &InterruptPolicy{AllowBargeIn: v}
	}
	if v, ok := body["interruptPolicy"].(map[string]any); ok {
		ip := &InterruptPolicy{}
		if b, ok := v["allowBargeIn"].(bool); ok {
			ip.AllowBargeIn = b
		}
		if n, ok := v["minSpeechMs"].(float64); ok {
			ip.MinSpeechMs = int(n)
		}
		if n, ok := v["minConfidence"].(float64); ok {
			ip.MinConfidence = n
		}
		wr.Interrupt = ip
	}
	if v, ok := body["stateUpdates"].(map[string]any); ok {
		wr.StateUpdates = v
	}
	rawActions, _ := body["actions"].([]any)
	for _, ra := range rawActions {
		m, ok := ra.(map[string]any)
		if !ok {
			continue
		}
		a := wireAction{}
		if v, ok := m["kind"].(string); ok {
			a.Kind = v
		}
		if v, ok := m["nextPhase"].(string); ok {
			a.NextPhase = v
		}
		if v, ok := m["closingUtterance"].(string); ok {
			a.ClosingUtterance = v
		}
		if v, ok := m["webhookUrl"].(string); ok {
			a.WebhookURL = v
		}
		if v, ok := m["webhookPayload"].(map[string]any); ok {
			a.WebhookPayload = v
		}
		if v, ok := m["onSuccessPhase"].(string); ok {
			a.OnSuccessPhase = v
		}
		if v, ok := m["onErrorPhase"].(string); ok {
			a.OnErrorPhase = v
		}
		if v, ok := m["engineName"].(string); ok {
			a.EngineName = v
		}
		wr.Actions = append(wr.Actions, a)
	}
	return wr, nil
}

func (wr wireResult) toResult() Result {
	actions := make([]Action, 0, len(wr.Actions))
	for _, a := range wr.Actions {
		actions = append(actions, Action{
			Kind:             ActionKind(a.Kind),
			NextPhase:        a.NextPhase,
			ClosingUtterance: a.ClosingUtterance,
			WebhookURL:       a.WebhookURL,
			WebhookPayload:   a.WebhookPayload,
			OnSuccessPhase:   a.OnSuccessPhase,
			OnErrorPhase:     a.OnErrorPhase,
			EngineName:       a.EngineName,
		})
	}
	return Result{
		SpokenResponse: wr.SpokenResponse,
		AudioFile:      wr.AudioFile,
		NextPhase:      wr.NextPhase,
		Silent:         wr.Silent,
		SkipUserInput:  wr.SkipUserInput,
		ShouldHangup:   wr.ShouldHangup,
		Interrupt:      wr.Interrupt,
		Actions:        actions,
		StateUpdates:   wr.StateUpdates,
	}
}

package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lokutor-ai/callengine/pkg/domain/webhook"
)

func TestWebhookDomainDecodesActionsAndState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["transcript"] != "my name is sam" {
			t.Fatalf("unexpected payload: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"spokenResponse": "nice to meet you, sam",
			"skipUserInput":  true,
			"interruptPolicy": map[string]any{
				"allowBargeIn": true,
				"minSpeechMs":  400,
			},
			"actions": []map[string]any{
				{"kind": "SET_STATE", "nextPhase": "ASK_ORDER"},
			},
			"stateUpdates": map[string]any{"name": "sam"},
		})
	}))
	defer server.Close()

	d := NewWebhookDomain(webhook.New(5*time.Second), server.URL)
	result, err := d.Process(context.Background(), Input{
		LinkedID:   "call-1",
		Phase:      "ASK_NAME",
		Transcript: "my name is sam",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.SpokenResponse != "nice to meet you, sam" {
		t.Fatalf("SpokenResponse = %q", result.SpokenResponse)
	}
	if len(result.Actions) != 1 || result.Actions[0].Kind != ActionSetState || result.Actions[0].NextPhase != "ASK_ORDER" {
		t.Fatalf("Actions = %+v", result.Actions)
	}
	if result.StateUpdates["name"] != "sam" {
		t.Fatalf("StateUpdates = %+v", result.StateUpdates)
	}
	if !result.SkipUserInput {
		t.Fatal("expected skipUserInput to decode")
	}
	if result.Interrupt == nil || !result.Interrupt.AllowBargeIn || result.Interrupt.MinSpeechMs != 400 {
		t.Fatalf("Interrupt = %+v", result.Interrupt)
	}
}

func TestWebhookDomainSurfacesNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewWebhookDomain(webhook.New(5*time.Second), server.URL)
	_, err := d.Process(context.Background(), Input{LinkedID: "call-1"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

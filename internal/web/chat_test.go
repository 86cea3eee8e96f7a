package web_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/MrWong99/asiri/internal/chat"
	"github.com/MrWong99/asiri/pkg/provider/llm"
)

type chatResp struct {
	SessionID string         `json:"session_id"`
	Reply     *chat.Message  `json:"reply"`
	History   []chat.Message `json:"history"`
	Error     string         `json:"error"`
}

func (h *harness) postChat(t *testing.T, body any) (int, chatResp) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(h.ts.URL+"/api/chat", "application/json", &buf)
	if err != nil {
		t.Fatalf("POST /api/chat: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decode[chatResp](t, resp.Body)
}

func TestChat_CreateSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, err := http.Post(h.ts.URL+"/api/chat/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[chatResp](t, resp.Body)
	if got.SessionID == "" || len(got.History) != 1 || got.History[0].Text != chat.DefaultGreeting {
		t.Errorf("create = %+v", got)
	}

	hist := decode[chatResp](t, h.get(t, "/api/chat/"+got.SessionID).Body)
	if hist.SessionID != got.SessionID || len(hist.History) != 1 {
		t.Errorf("history = %+v", hist)
	}
}

func TestChat_SendStartsConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, got := h.postChat(t, map[string]string{"text": "أبي فيلا في السودة"})
	if code != http.StatusOK {
		t.Fatalf("status = %d (%s)", code, got.Error)
	}
	if got.Reply == nil || got.Reply.Text != "أبشر" || got.Reply.Role != llm.RoleModel {
		t.Errorf("reply = %+v", got.Reply)
	}
	if len(got.History) != 3 {
		t.Fatalf("history len = %d, want 3", len(got.History))
	}
	if got.History[1].Role != llm.RoleUser || got.History[1].Text != "أبي فيلا في السودة" {
		t.Errorf("user message = %+v", got.History[1])
	}

	code, again := h.postChat(t, map[string]string{"session_id": got.SessionID, "text": "وكم السعر؟"})
	if code != http.StatusOK || again.SessionID != got.SessionID || len(again.History) != 5 {
		t.Errorf("follow-up: code=%d session=%q history=%d", code, again.SessionID, len(again.History))
	}
}

func TestChat_LeadDetected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if code, _ := h.postChat(t, map[string]string{"text": "تواصلوا معي على 0512345678"}); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	leads := h.leads.all()
	if len(leads) != 1 || leads[0].Phone != "0512345678" {
		t.Errorf("leads = %+v", leads)
	}

	if code, _ := h.postChat(t, map[string]string{"text": "شكراً"}); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if n := len(h.leads.all()); n != 1 {
		t.Errorf("leads after message without number = %d, want 1", n)
	}
}

func TestChat_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     any
		llmErr   error
		wantCode int
	}{
		{"invalid json", "{not json", nil, http.StatusBadRequest},
		{"blank text", map[string]string{"text": "   "}, nil, http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": "nope", "text": "هلا"}, nil, http.StatusNotFound},
		{"model failure", map[string]string{"text": "هلا"}, errors.New("quota exceeded"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(h *harness) { h.llm.Err = tt.llmErr })

			code, got := h.postChat(t, tt.body)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if got.Error == "" {
				t.Error("error message missing")
			}
			if got.Reply != nil {
				t.Errorf("unexpected reply %+v", got.Reply)
			}
		})
	}
}

func TestChat_ModelFailureKeepsUserMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness) { h.llm.Err = errors.New("unavailable") })

	_, got := h.postChat(t, map[string]string{"text": "هلا"})
	if len(got.History) != 2 || got.History[1].Text != "هلا" {
		t.Errorf("history = %+v", got.History)
	}
}

func TestChat_UnknownHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if resp := h.get(t, "/api/chat/missing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

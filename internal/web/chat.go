package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/asiri/internal/chat"
	"github.com/MrWong99/asiri/internal/observe"
)

// maxChatBody bounds a chat request body.
const maxChatBody = 64 << 10

type chatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type chatResponse struct {
	SessionID string         `json:"session_id"`
	Reply     *chat.Message  `json:"reply,omitempty"`
	History   []chat.Message `json:"history"`
	Error     string         `json:"error,omitempty"`
}

func (s *Server) handleChatCreate(w http.ResponseWriter, r *http.Request) {
	sess := s.deps.Chats.Create(r.Context())
	writeJSON(w, http.StatusCreated, chatResponse{SessionID: sess.ID(), History: sess.History()})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Chats.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown chat session")
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{SessionID: sess.ID(), History: sess.History()})
}

// handleChatSend posts one visitor message. A request without session_id
// starts a new conversation.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	var sess *chat.Session
	if req.SessionID == "" {
		sess = s.deps.Chats.Create(ctx)
	} else {
		var err error
		if sess, err = s.deps.Chats.Get(req.SessionID); err != nil {
			writeError(w, http.StatusNotFound, "unknown chat session")
			return
		}
	}

	reply, err := sess.Send(ctx, req.Text)
	resp := chatResponse{SessionID: sess.ID(), History: sess.History()}
	switch {
	case err == nil:
		resp.Reply = &reply
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, chat.ErrEmptyMessage):
		resp.Error = "message is empty"
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, chat.ErrBusy):
		resp.Error = "a reply is still in progress"
		writeJSON(w, http.StatusConflict, resp)
	default:
		observe.Logger(ctx).Warn("web: chat reply failed", "session_id", sess.ID(), "err", err)
		resp.Error = "the assistant is unavailable, please try again"
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

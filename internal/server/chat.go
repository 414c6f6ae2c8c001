package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"catalyst/internal/chat"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

// answer runs the copilot for req, writing each event through write, and
// records the exchange when the request names a conversation.
func (h *handlers) answer(ctx context.Context, req chat.Request, write func(chat.Event) error) error {
	if req.ConversationID != "" && len(req.ConversationHistory) == 0 && h.Conversations != nil {
		history, err := h.Conversations.FetchMessages(ctx, req.ConversationID, h.HistoryLimit)
		if err != nil {
			h.log.Warn("load history failed", "conversation", req.ConversationID, "error", err)
		}
		req.ConversationHistory = history
	}

	acc := chat.NewAccumulator(chat.Handler{})
	err := h.Copilot.Respond(ctx, req, func(e chat.Event) error {
		acc.Apply(e)
		return write(e)
	})
	h.record(ctx, req, acc)
	return err
}

func (h *handlers) record(ctx context.Context, req chat.Request, acc *chat.Accumulator) {
	if req.ConversationID == "" || h.Conversations == nil {
		return
	}
	// the client may be gone; the turn is still worth keeping
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := time.Now()
	if err := h.Conversations.SaveMessage(ctx, req.ConversationID, "user", req.Message, now); err != nil {
		h.log.Warn("save message failed", "conversation", req.ConversationID, "error", err)
		return
	}
	if !acc.Done() {
		return
	}
	if err := h.Conversations.SaveMessage(ctx, req.ConversationID, "assistant", acc.Content(), now.Add(time.Millisecond)); err != nil {
		h.log.Warn("save message failed", "conversation", req.ConversationID, "error", err)
	}
}

func (h *handlers) handleChatSSE(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.answer(r.Context(), req, func(e chat.Event) error {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		h.log.Warn("chat stream ended with error", "error", err)
	}
}

func (h *handlers) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req chat.Request
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(chat.Event{Type: chat.EventError, Error: "bad request"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// a reader notices the peer going away and cancels the answer
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.answer(ctx, req, func(e chat.Event) error {
		return conn.WriteJSON(e)
	})
	if err != nil {
		h.log.Warn("chat websocket ended with error", "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

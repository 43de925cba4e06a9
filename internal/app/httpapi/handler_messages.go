package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/chatsphere/internal/app/services/messages"
	"github.com/R3E-Network/chatsphere/internal/httputil"
)

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in messages.SendInput
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	msg, err := h.app.Messages.Send(r.Context(), callerID(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusCreated, "Message sent successfully", map[string]interface{}{"message": msg})
}

// conversation pages backwards with ?before=<RFC3339 time>&limit=<n>.
func (h *handler) conversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var before time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httputil.BadRequest(w, "before must be an RFC3339 timestamp")
			return
		}
		before = t
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := h.app.Messages.Conversation(r.Context(), callerID(r), mux.Vars(r)["userId"], before, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Messages fetched successfully", page)
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.app.Messages.MarkRead(r.Context(), callerID(r), mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Messages marked as read", map[string]int{"count": n})
}

func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Messages.Delete(r.Context(), callerID(r), mux.Vars(r)["messageId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Message deleted successfully", nil)
}

func (h *handler) conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.app.Messages.Conversations(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Conversations fetched successfully", map[string]interface{}{"conversations": convs})
}

func (h *handler) unread(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.Messages.Unread(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Unread counts fetched successfully", summary)
}

func (h *handler) websocket(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Hub.ServeWS(w, r, callerID(r)); err != nil {
		// The upgrader has already written an error response.
		h.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
	}
}

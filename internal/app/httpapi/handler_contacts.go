package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/chatsphere/internal/httputil"
)

func (h *handler) sendContactRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"userId"`
	}
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	req, err := h.app.Contacts.SendRequest(r.Context(), callerID(r), in.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusCreated, "Contact request sent successfully", map[string]interface{}{"request": req})
}

func (h *handler) pendingRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.app.Contacts.PendingRequests(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Pending requests fetched successfully", map[string]interface{}{"requests": reqs})
}

func (h *handler) sentRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.app.Contacts.SentRequests(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Sent requests fetched successfully", map[string]interface{}{"requests": reqs})
}

func (h *handler) acceptRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.app.Contacts.Accept(r.Context(), callerID(r), mux.Vars(r)["requestId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Contact request accepted", map[string]interface{}{"request": req})
}

func (h *handler) rejectRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Contacts.Reject(r.Context(), callerID(r), mux.Vars(r)["requestId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Contact request rejected", nil)
}

func (h *handler) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.app.Contacts.List(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Contacts fetched successfully", map[string]interface{}{"contacts": contacts})
}

func (h *handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	found, err := h.app.Contacts.Search(r.Context(), callerID(r), r.URL.Query().Get("query"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Users found", map[string]interface{}{"users": found})
}

func (h *handler) removeContact(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Contacts.Remove(r.Context(), callerID(r), mux.Vars(r)["contactId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Contact removed successfully", nil)
}

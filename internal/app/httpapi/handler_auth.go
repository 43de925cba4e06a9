package httpapi

import (
	"net/http"

	"github.com/R3E-Network/chatsphere/internal/app/services/auth"
	"github.com/R3E-Network/chatsphere/internal/httputil"
	"github.com/R3E-Network/chatsphere/internal/middleware"
)

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	session, err := h.app.Auth.Register(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusCreated, "User registered successfully", session)
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	session, err := h.app.Auth.Login(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Login successful", session)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Auth.Logout(r.Context(), callerID(r), middleware.GetClaims(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Logout successful", nil)
}

func (h *handler) getMe(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.GetUser(r.Context())
	if !ok {
		httputil.Unauthorized(w, "User not found. Authorization denied.")
		return
	}
	httputil.Success(w, http.StatusOK, "User fetched successfully", map[string]interface{}{"user": u.Public()})
}

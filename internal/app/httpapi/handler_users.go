package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/chatsphere/internal/app/services/users"
	"github.com/R3E-Network/chatsphere/internal/httputil"
)

// multipartOverhead is the allowance for form boundaries and headers on top
// of the avatar itself.
const multipartOverhead = 1 << 20

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.app.Users.Get(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "User fetched successfully", map[string]interface{}{"user": profile})
}

func (h *handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in users.ProfileUpdate
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	profile, err := h.app.Users.UpdateProfile(r.Context(), callerID(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Profile updated successfully", map[string]interface{}{"user": profile})
}

func (h *handler) updateAvatar(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.readAvatar(w, r)
	if !ok {
		return
	}
	result, err := h.app.Users.UpdateAvatar(r.Context(), callerID(r), upload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Avatar updated successfully", result)
}

// readAvatar extracts the "avatar" file from a multipart form. A missing
// file yields a nil upload so the service reports it.
func (h *handler) readAvatar(w http.ResponseWriter, r *http.Request) (*users.AvatarUpload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, users.MaxAvatarSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httputil.BadRequest(w, "File size must be less than 5MB")
			return nil, false
		case errors.Is(err, http.ErrNotMultipart):
			return nil, true
		default:
			httputil.BadRequest(w, "Invalid multipart form")
			return nil, false
		}
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("avatar")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, true
	}
	if err != nil {
		httputil.BadRequest(w, "Invalid multipart form")
		return nil, false
	}
	defer file.Close()

	data, truncated, err := httputil.ReadAllWithLimit(file, users.MaxAvatarSize)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	size := header.Size
	if truncated && size <= users.MaxAvatarSize {
		size = users.MaxAvatarSize + 1
	}
	return &users.AvatarUpload{Filename: header.Filename, Data: data, Size: size}, true
}

func (h *handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	if err := h.app.Users.ChangePassword(r.Context(), callerID(r), in.CurrentPassword, in.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Password changed successfully", nil)
}

func (h *handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Users.DeleteAccount(r.Context(), callerID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, "Account deleted successfully", nil)
}

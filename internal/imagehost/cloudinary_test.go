package imagehost

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/chatsphere/internal/httputil"
)

func newTestCloudinary(t *testing.T, handler http.HandlerFunc) *Cloudinary {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := httputil.NewClient(httputil.ClientConfig{MaxRetries: 1, Backoff: time.Millisecond})
	c, err := NewCloudinary(Config{
		CloudName: "demo",
		APIKey:    "key",
		APISecret: "secret",
		Folder:    "chatsphere/avatars",
		BaseURL:   srv.URL,
	}, client)
	if err != nil {
		t.Fatalf("new cloudinary: %v", err)
	}
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestSign(t *testing.T) {
	// Reference pair from the Cloudinary signature documentation.
	params := map[string]string{
		"eager":     "w_400,h_300,c_pad|w_260,h_200,c_crop",
		"public_id": "sample_image",
		"timestamp": "1315060510",
		"api_key":   "ignored",
	}
	got := Sign(params, "abcd")
	if got != "bfd09f95f331f558cbd1320e67aa8d488770583e" {
		t.Fatalf("signature = %s", got)
	}
}

func TestUpload(t *testing.T) {
	c := newTestCloudinary(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.FormValue("api_key") != "key" || r.FormValue("folder") != "chatsphere/avatars" {
			t.Errorf("unexpected form values %v", r.MultipartForm.Value)
		}
		want := Sign(map[string]string{
			"folder":         "chatsphere/avatars",
			"timestamp":      "1700000000",
			"transformation": AvatarTransformation,
		}, "secret")
		if r.FormValue("signature") != want {
			t.Errorf("signature mismatch")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "me.png" || string(data) != "png-bytes" {
			t.Errorf("unexpected file %s %q", header.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"public_id":"chatsphere/avatars/abc","secure_url":"https://res.cloudinary.com/demo/image/upload/v1/chatsphere/avatars/abc.png","format":"png","width":500,"height":400,"bytes":9}`)
	})

	img, err := c.Upload(context.Background(), "uploads/me.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if img.PublicID != "chatsphere/avatars/abc" || img.Width != 500 || img.Height != 400 || img.Bytes != 9 {
		t.Fatalf("unexpected image %+v", img)
	}
	if !strings.HasPrefix(img.URL, "https://res.cloudinary.com/") {
		t.Fatalf("unexpected url %s", img.URL)
	}
}

func TestUploadErrorMessage(t *testing.T) {
	c := newTestCloudinary(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid image file"}}`)
	})

	_, err := c.Upload(context.Background(), "bad.png", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "Invalid image file") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	var gotID string
	c := newTestCloudinary(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/destroy" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = r.ParseForm()
		gotID = r.PostForm.Get("public_id")
		if r.PostForm.Get("signature") == "" {
			t.Errorf("missing signature")
		}
		if gotID == "missing" {
			_, _ = io.WriteString(w, `{"result":"not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"result":"ok"}`)
	})

	if err := c.Destroy(context.Background(), "chatsphere/avatars/abc"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if gotID != "chatsphere/avatars/abc" {
		t.Fatalf("public_id = %s", gotID)
	}
	if err := c.Destroy(context.Background(), "missing"); err != nil {
		t.Fatalf("destroy missing: %v", err)
	}
	if err := c.Destroy(context.Background(), ""); err != nil {
		t.Fatalf("destroy empty: %v", err)
	}
}

func TestNewCloudinaryRequiresCredentials(t *testing.T) {
	if _, err := NewCloudinary(Config{CloudName: "demo"}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestPublicIDFromURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://res.cloudinary.com/demo/image/upload/v1712345/chatsphere/avatars/abc.jpg", "chatsphere/avatars/abc"},
		{"https://res.cloudinary.com/demo/image/upload/c_limit,h_500,w_500/v1/avatars/xyz.webp", "avatars/xyz"},
		{"https://cdn.example.com/static/avatars/pic.png", "avatars/pic"},
		{"https://cdn.example.com/pic.png", "pic"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := PublicIDFromURL(tc.in); got != tc.want {
			t.Errorf("PublicIDFromURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

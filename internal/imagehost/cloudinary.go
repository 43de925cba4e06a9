// Package imagehost uploads avatar images to Cloudinary.
package imagehost

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/chatsphere/internal/httputil"
)

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// AvatarTransformation bounds uploaded avatars to 500x500 without upscaling.
const AvatarTransformation = "c_limit,h_500,w_500"

// Uploader stores images and removes them by public id.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (Image, error)
	Destroy(ctx context.Context, publicID string) error
}

// Image describes a stored image.
type Image struct {
	URL      string
	PublicID string
	Format   string
	Width    int
	Height   int
	Bytes    int64
}

// Config holds Cloudinary credentials.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
}

// Cloudinary is an Uploader backed by the Cloudinary upload API.
type Cloudinary struct {
	cfg    Config
	client *httputil.Client
	now    func() time.Time
}

var _ Uploader = (*Cloudinary)(nil)

// NewCloudinary creates a client. Missing credentials are an error.
func NewCloudinary(cfg Config, client *httputil.Client) (*Cloudinary, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("imagehost: cloudinary credentials are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Folder = strings.Trim(cfg.Folder, "/")
	if client == nil {
		client = httputil.NewClient(httputil.ClientConfig{Timeout: 60 * time.Second})
	}
	return &Cloudinary{cfg: cfg, client: client, now: time.Now}, nil
}

// Upload stores data in the configured folder.
func (c *Cloudinary) Upload(ctx context.Context, filename string, data []byte) (Image, error) {
	params := map[string]string{
		"timestamp":      strconv.FormatInt(c.now().Unix(), 10),
		"transformation": AvatarTransformation,
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	params["signature"] = Sign(params, c.cfg.APISecret)
	params["api_key"] = c.cfg.APIKey

	resp, err := c.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		for k, v := range params {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
		part, err := mw.CreateFormFile("file", path.Base(filename))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("upload"), &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return Image{}, fmt.Errorf("imagehost: upload: %w", err)
	}
	body, err := httputil.ReadResponse(resp)
	if err != nil {
		return Image{}, fmt.Errorf("imagehost: upload: %w", err)
	}

	result := gjson.ParseBytes(body)
	if msg := result.Get("error.message"); msg.Exists() {
		return Image{}, fmt.Errorf("imagehost: upload: %s", msg.String())
	}
	img := Image{
		URL:      result.Get("secure_url").String(),
		PublicID: result.Get("public_id").String(),
		Format:   result.Get("format").String(),
		Width:    int(result.Get("width").Int()),
		Height:   int(result.Get("height").Int()),
		Bytes:    result.Get("bytes").Int(),
	}
	if img.URL == "" {
		img.URL = result.Get("url").String()
	}
	if img.URL == "" {
		return Image{}, errors.New("imagehost: upload response has no url")
	}
	return img, nil
}

// Destroy removes the image with the given public id. Unknown ids are not an error.
func (c *Cloudinary) Destroy(ctx context.Context, publicID string) error {
	if publicID == "" {
		return nil
	}
	params := map[string]string{
		"public_id": publicID,
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	params["signature"] = Sign(params, c.cfg.APISecret)
	params["api_key"] = c.cfg.APIKey

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	encoded := form.Encode()

	resp, err := c.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("destroy"), strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("imagehost: destroy: %w", err)
	}
	body, err := httputil.ReadResponse(resp)
	if err != nil {
		return fmt.Errorf("imagehost: destroy: %w", err)
	}
	switch res := gjson.GetBytes(body, "result").String(); res {
	case "ok", "not found":
		return nil
	default:
		return fmt.Errorf("imagehost: destroy %s: unexpected result %q", publicID, res)
	}
}

func (c *Cloudinary) endpoint(action string) string {
	return fmt.Sprintf("%s/%s/image/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.CloudName), action)
}

// Sign computes the Cloudinary request signature: the SHA-1 of the
// alphabetically sorted key=value pairs joined by '&', followed by the secret.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || k == "file" || k == "api_key" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	sb.WriteString(secret)

	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// PublicIDFromURL derives the public id of a delivered image. For Cloudinary
// delivery URLs everything after the version segment is used; otherwise the
// last two path segments are taken. The file extension is dropped.
func PublicIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	var rest []string
	for i, seg := range segments {
		if seg == "upload" {
			rest = segments[i+1:]
			break
		}
	}
	if len(rest) > 0 {
		// Drop transformation and version segments.
		for len(rest) > 1 && (strings.Contains(rest[0], ",") || isVersion(rest[0])) {
			rest = rest[1:]
		}
	} else {
		if len(segments) > 2 {
			rest = segments[len(segments)-2:]
		} else {
			rest = segments
		}
	}

	id := strings.Join(rest, "/")
	if ext := path.Ext(id); ext != "" {
		id = strings.TrimSuffix(id, ext)
	}
	return id
}

func isVersion(seg string) bool {
	if len(seg) < 2 || seg[0] != 'v' {
		return false
	}
	_, err := strconv.ParseUint(seg[1:], 10, 64)
	return err == nil
}

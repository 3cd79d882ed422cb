// Package caption holds the backend-neutral caption request model, the
// dispatcher that routes a request to the remote or local captioner, and the
// rules that turn a loosely-typed backend reply into a caption string.
package caption

import (
	"fmt"
	"strings"
	"time"

	apperrors "go-image-captioner/internal/errors"
)

// Backend is the execution path chosen to produce a caption.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// ParseBackend accepts "local" or "remote" in any case.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendLocal:
		return BackendLocal, nil
	case BackendRemote:
		return BackendRemote, nil
	default:
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown backend %q", s), nil)
	}
}

// Image is an encoded image as read from its source.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Request is one caption request. It is a value; copies cannot alter the
// request held by a caller.
type Request struct {
	Image      Image
	Backend    Backend
	ModelID    string
	MaxLength  int
	Credential Credential
}

// RequestOption customises a Request built by NewRequest.
type RequestOption func(*Request)

// WithModel selects the model identifier. Empty keeps the backend default.
func WithModel(modelID string) RequestOption {
	return func(r *Request) {
		r.ModelID = strings.TrimSpace(modelID)
	}
}

// WithMaxLength bounds the caption length in tokens. Zero keeps the backend default.
func WithMaxLength(n int) RequestOption {
	return func(r *Request) {
		r.MaxLength = n
	}
}

// WithCredential attaches an explicit credential. Remote requests without
// one fall back to the environment.
func WithCredential(c Credential) RequestOption {
	return func(r *Request) {
		r.Credential = c
	}
}

// NewRequest validates and builds a Request.
func NewRequest(img Image, backend Backend, opts ...RequestOption) (Request, error) {
	req := Request{Image: img, Backend: backend}
	for _, opt := range opts {
		opt(&req)
	}

	if backend != BackendLocal && backend != BackendRemote {
		return Request{}, apperrors.NewValidationError(fmt.Sprintf("unknown backend %q", backend), nil)
	}
	if len(img.Data) == 0 {
		return Request{}, apperrors.NewValidationError("image is empty", nil)
	}
	if req.MaxLength < 0 {
		return Request{}, apperrors.NewValidationError(fmt.Sprintf("max length must not be negative (got %d)", req.MaxLength), nil)
	}
	return req, nil
}

// Result is a successful caption.
type Result struct {
	Caption  string        `json:"caption"`
	Backend  Backend       `json:"backend"`
	Model    string        `json:"model,omitempty"`
	Duration time.Duration `json:"-"`
}

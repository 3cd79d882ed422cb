package caption

import (
	"context"
	"time"

	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/logger"

	"github.com/sirupsen/logrus"
)

// RemoteCaptioner captions an image through a hosted inference endpoint.
type RemoteCaptioner interface {
	Caption(ctx context.Context, img Image, credential Credential, modelID string, maxLength int) (string, error)
}

// LocalCaptioner captions an image with a locally running model.
type LocalCaptioner interface {
	Caption(ctx context.Context, img Image, modelID string, maxLength int) (string, error)
}

// Dispatcher routes a Request to the captioner of its backend. Either
// captioner may be nil when that capability is unavailable.
type Dispatcher struct {
	remote RemoteCaptioner
	local  LocalCaptioner
}

// NewDispatcher creates a dispatcher over the available captioners.
func NewDispatcher(remote RemoteCaptioner, local LocalCaptioner) *Dispatcher {
	return &Dispatcher{remote: remote, local: local}
}

// Generate captions req with its backend. It never retries and never falls
// back to the other backend; the backend's error is returned unchanged.
func (d *Dispatcher) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	logger.WithFields(logrus.Fields{
		"backend":    req.Backend,
		"model":      req.ModelID,
		"max_length": req.MaxLength,
		"image":      req.Image.Name,
		"bytes":      len(req.Image.Data),
	}).Debug("Dispatching caption request")

	var (
		text string
		err  error
	)
	switch req.Backend {
	case BackendRemote:
		if d.remote == nil {
			return Result{}, apperrors.NewDependencyError("remote captioning requires an HTTP client, none is configured", nil)
		}
		text, err = d.remote.Caption(ctx, req.Image, req.Credential, req.ModelID, req.MaxLength)
	case BackendLocal:
		if d.local == nil {
			return Result{}, apperrors.NewDependencyError("local captioning requires an inference runtime, none is available", nil)
		}
		text, err = d.local.Caption(ctx, req.Image, req.ModelID, req.MaxLength)
	default:
		return Result{}, apperrors.NewValidationError("unknown backend "+string(req.Backend), nil)
	}
	if err != nil {
		return Result{}, err
	}
	if text == "" {
		return Result{}, apperrors.NewInternalError(string(req.Backend)+" backend returned an empty caption", nil)
	}

	return Result{
		Caption:  text,
		Backend:  req.Backend,
		Model:    req.ModelID,
		Duration: time.Since(start),
	}, nil
}

package service

import (
	"context"
	"time"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/imagesource"
	"go-image-captioner/internal/observer"
	"go-image-captioner/pkg/models"

	"github.com/google/uuid"
)

// CaptionService defines the interface for captioning images
type CaptionService interface {
	// CaptionReference loads the image ref points at and captions it.
	CaptionReference(ctx context.Context, ref string, opts CaptionOptions) (*models.CaptionResponse, error)

	// CaptionImage captions an image already in memory.
	CaptionImage(ctx context.Context, img caption.Image, opts CaptionOptions) (*models.CaptionResponse, error)
}

// Generator produces captions; *caption.Dispatcher satisfies it.
type Generator interface {
	Generate(ctx context.Context, req caption.Request) (caption.Result, error)
}

// CaptionOptions selects how one image is captioned.
type CaptionOptions struct {
	// Backend, when set, overrides backend selection.
	Backend caption.Backend
	// UseRemote forces the remote backend.
	UseRemote  bool
	Credential caption.Credential
	Model      string
	MaxLength  int
}

// Defaults fills in what CaptionOptions leave empty.
type Defaults struct {
	RemoteModel string
	LocalModel  string
	MaxLength   int
	// Lookup reads the environment for the credential; nil means the
	// process environment.
	Lookup caption.LookupFunc
}

type captionService struct {
	loader    imagesource.Loader
	generator Generator
	publisher observer.Subject
	defaults  Defaults
}

// NewCaptionService creates a new caption service. loader may be nil when
// only in-memory images are captioned; publisher may be nil.
func NewCaptionService(loader imagesource.Loader, generator Generator, publisher observer.Subject, defaults Defaults) CaptionService {
	return &captionService{
		loader:    loader,
		generator: generator,
		publisher: publisher,
		defaults:  defaults,
	}
}

func (s *captionService) CaptionReference(ctx context.Context, ref string, opts CaptionOptions) (*models.CaptionResponse, error) {
	if s.loader == nil {
		return nil, apperrors.NewDependencyError("no image loader is configured", nil)
	}

	requestID := uuid.NewString()
	start := time.Now()
	img, err := s.loader.Load(ctx, ref)
	if err != nil {
		s.publish(ctx, observer.CaptionEvent{
			EventType: observer.ImageLoadFailed,
			Reference: ref,
			Duration:  time.Since(start),
			Metadata:  map[string]interface{}{"request_id": requestID},
		}, err)
		return nil, err
	}
	s.publish(ctx, observer.CaptionEvent{
		EventType: observer.ImageLoaded,
		Reference: ref,
		Success:   true,
		Duration:  time.Since(start),
		Metadata: map[string]interface{}{
			"request_id":   requestID,
			"content_type": img.ContentType,
			"bytes":        len(img.Data),
		},
	}, nil)

	resp, err := s.caption(ctx, requestID, *img, opts)
	if err != nil {
		return nil, err
	}
	resp.Image.Reference = ref
	return resp, nil
}

func (s *captionService) CaptionImage(ctx context.Context, img caption.Image, opts CaptionOptions) (*models.CaptionResponse, error) {
	return s.caption(ctx, uuid.NewString(), img, opts)
}

func (s *captionService) caption(ctx context.Context, requestID string, img caption.Image, opts CaptionOptions) (*models.CaptionResponse, error) {
	if s.generator == nil {
		return nil, apperrors.NewDependencyError("no caption generator is configured", nil)
	}

	backend := opts.Backend
	if backend == "" {
		backend = caption.SelectBackend(opts.UseRemote, opts.Credential, s.defaults.Lookup)
	}
	model := opts.Model
	if model == "" {
		model = s.defaultModel(backend)
	}
	maxLength := opts.MaxLength
	if maxLength == 0 {
		maxLength = s.defaults.MaxLength
	}

	req, err := caption.NewRequest(img, backend,
		caption.WithModel(model),
		caption.WithMaxLength(maxLength),
		caption.WithCredential(opts.Credential),
	)
	if err != nil {
		return nil, err
	}

	event := observer.CaptionEvent{
		Reference: img.Name,
		Backend:   string(req.Backend),
		Model:     req.ModelID,
		Metadata:  map[string]interface{}{"request_id": requestID},
	}
	event.EventType = observer.CaptionStarted
	s.publish(ctx, event, nil)

	start := time.Now()
	result, err := s.generator.Generate(ctx, req)
	event.Duration = time.Since(start)
	if err != nil {
		event.EventType = observer.CaptionFailed
		s.publish(ctx, event, err)
		return nil, err
	}
	event.EventType = observer.CaptionCompleted
	event.Success = true
	s.publish(ctx, event, nil)

	return &models.CaptionResponse{
		RequestID: requestID,
		Caption:   result.Caption,
		Backend:   string(result.Backend),
		Model:     result.Model,
		Image: models.ImageInfo{
			Name:        img.Name,
			ContentType: img.ContentType,
			SizeBytes:   len(img.Data),
		},
		Timestamp:         start.UTC().Format(time.RFC3339),
		ProcessingTimeSec: event.Duration.Seconds(),
	}, nil
}

func (s *captionService) defaultModel(backend caption.Backend) string {
	if backend == caption.BackendRemote {
		return s.defaults.RemoteModel
	}
	return s.defaults.LocalModel
}

func (s *captionService) publish(ctx context.Context, event observer.CaptionEvent, err error) {
	if s.publisher == nil {
		return
	}
	if err != nil {
		event.ErrorMessage = err.Error()
		event.ErrorType = string(apperrors.ErrorTypeInternal)
		if appErr, ok := apperrors.As(err); ok {
			event.ErrorType = string(appErr.Type)
		}
	}
	s.publisher.NotifyObservers(ctx, event)
}

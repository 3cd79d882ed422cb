package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go-image-captioner/internal/caption"
	"go-image-captioner/internal/config"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/imagesource"
	"go-image-captioner/internal/local"
	"go-image-captioner/internal/local/llavacpp"
	"go-image-captioner/internal/local/ollama"
	"go-image-captioner/internal/logger"
	"go-image-captioner/internal/observer"
	"go-image-captioner/internal/remote"
	"go-image-captioner/internal/service"
	"go-image-captioner/internal/transport"
	"go-image-captioner/pkg/validation"
)

// Container holds all application dependencies
type Container struct {
	config         *config.Config
	lookup         caption.LookupFunc
	resolver       *imagesource.Resolver
	remote         *remote.Captioner
	local          *local.Captioner
	dispatcher     *caption.Dispatcher
	publisher      *observer.EventPublisher
	metrics        *observer.MetricsObserver
	captionService service.CaptionService

	handlerOnce sync.Once
	handler     http.Handler
	handlerErr  error
}

// Option customises a Container.
type Option func(*Container)

// WithLookup replaces the environment lookup used for the inference
// credential.
func WithLookup(lookup caption.LookupFunc) Option {
	return func(c *Container) { c.lookup = lookup }
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Container{config: cfg}
	for _, opt := range opts {
		opt(c)
	}

	images := validation.NewImageValidator(cfg.MaxImageSize)
	loaders := map[imagesource.Kind]imagesource.Loader{
		imagesource.KindFile: imagesource.NewFileLoader(images),
		imagesource.KindHTTP: imagesource.NewHTTPLoader(
			imagesource.NewFetchClient(cfg.ImageFetchTimeout),
			validation.NewURLValidator(),
			images,
			cfg.MaxImageSize,
		),
	}
	if cfg.AzureAccountName != "" && cfg.AzureAccountKey != "" {
		blob, err := imagesource.NewBlobLoader(cfg.AzureAccountName, cfg.AzureAccountKey, images, cfg.MaxImageSize)
		if err != nil {
			return nil, err
		}
		loaders[imagesource.KindBlob] = blob
	}
	c.resolver = imagesource.NewResolver(loaders)

	c.remote = remote.New(remote.NewHTTPClient(cfg.InferenceTimeout), remote.Options{
		BaseURL:          cfg.InferenceURL,
		DefaultModel:     cfg.RemoteModel,
		DefaultMaxLength: cfg.MaxLength,
		Lookup:           c.lookup,
	})

	// The dispatcher must see an untyped nil when no local runtime exists.
	var localCaptioner caption.LocalCaptioner
	if runtime := newRuntime(cfg); runtime != nil {
		c.local = local.New(runtime, local.Options{
			DefaultModel:     cfg.LocalModel,
			DefaultMaxLength: cfg.MaxLength,
		})
		localCaptioner = c.local
	}
	c.dispatcher = caption.NewDispatcher(c.remote, localCaptioner)

	c.publisher = observer.NewEventPublisher()
	c.metrics = observer.NewMetricsObserver()
	c.publisher.Subscribe(observer.NewLoggingObserver(logger.Logger))
	c.publisher.Subscribe(c.metrics)

	c.captionService = service.NewCaptionService(c.resolver, c.dispatcher, c.publisher, service.Defaults{
		RemoteModel: cfg.RemoteModel,
		LocalModel:  cfg.LocalModel,
		MaxLength:   cfg.MaxLength,
		Lookup:      c.lookup,
	})

	return c, nil
}

// newRuntime returns nil when the configured runtime cannot be constructed;
// local captioning then fails with a dependency error.
func newRuntime(cfg *config.Config) local.Runtime {
	switch cfg.LocalRuntime {
	case config.RuntimeLlavaCpp:
		return llavacpp.New(cfg.LlavaBinary, cfg.LlavaModel, cfg.LlavaProjector, cfg.Prompt)
	default:
		rt, err := ollama.NewFromHost(cfg.OllamaHost, &http.Client{Timeout: cfg.InferenceTimeout}, cfg.Prompt)
		if err != nil {
			logger.WithError(err).Warn("Local runtime unavailable")
			return nil
		}
		return rt
	}
}

// Handler returns the HTTP handler, building it on first use.
func (c *Container) Handler() (http.Handler, error) {
	c.handlerOnce.Do(func() {
		c.handler, c.handlerErr = transport.NewHandler(c.captionService, c.config, c.metrics.Registry())
	})
	return c.handler, c.handlerErr
}

// CaptionService returns the caption service
func (c *Container) CaptionService() service.CaptionService {
	return c.captionService
}

// LocalCaptioner returns the shared local captioner, or nil when no local
// runtime is configured.
func (c *Container) LocalCaptioner() *local.Captioner {
	return c.local
}

// ProbeLocal reports whether local captioning can run.
func (c *Container) ProbeLocal(ctx context.Context) error {
	if c.local == nil {
		return apperrors.NewDependencyError("no local inference runtime is available", nil)
	}
	return c.local.Probe(ctx)
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

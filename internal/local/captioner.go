// Package local captions images with a model running on this machine. The
// model is reached through a Runtime; the first call builds a Pipeline which
// is then reused for the lifetime of the Captioner.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/logger"

	"github.com/sirupsen/logrus"
)

// Device is where a pipeline executes.
type Device string

const (
	DeviceAccelerated Device = "accelerated"
	DeviceCPU         Device = "cpu"
)

// Pipeline is a loaded model ready to caption images. Run returns the raw
// output in the loosely-typed shape of a JSON decoder.
type Pipeline interface {
	Model() string
	Device() Device
	Run(ctx context.Context, img caption.Image, maxLength int) (any, error)
}

// Runtime is the local inference capability.
type Runtime interface {
	Name() string
	// Probe reports whether the runtime can be used at all.
	Probe(ctx context.Context) error
	// Load builds a pipeline for modelID, preferring accelerated execution
	// and falling back to CPU.
	Load(ctx context.Context, modelID string) (Pipeline, error)
}

// Options configures a Captioner.
type Options struct {
	DefaultModel     string
	DefaultMaxLength int
}

// Captioner implements caption.LocalCaptioner. It holds at most one
// pipeline, built on first use and bound to that call's model.
type Captioner struct {
	runtime Runtime
	opts    Options

	mu       sync.Mutex
	pipeline Pipeline
}

// New creates a local captioner. A nil runtime makes every call fail with a
// dependency error.
func New(runtime Runtime, opts Options) *Captioner {
	return &Captioner{runtime: runtime, opts: opts}
}

// Caption runs img through the cached pipeline, building it first if needed.
func (c *Captioner) Caption(ctx context.Context, img caption.Image, modelID string, maxLength int) (string, error) {
	model := modelID
	if model == "" {
		model = c.opts.DefaultModel
	}
	if model == "" {
		return "", apperrors.NewConfigError("no model identifier given for local captioning", nil)
	}
	if maxLength <= 0 {
		maxLength = c.opts.DefaultMaxLength
	}

	p, err := c.ensurePipeline(ctx, model)
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := p.Run(ctx, img, maxLength)
	if err != nil {
		return "", apperrors.NewInferenceError("model inference failed", err)
	}

	text := caption.NormalizeLocal(caption.Parse(out))
	if text == "" {
		return "", apperrors.NewInferenceError("model returned an empty caption", nil)
	}

	logger.WithFields(logrus.Fields{
		"model":       p.Model(),
		"device":      p.Device(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Local pipeline produced a caption")
	return text, nil
}

// Probe reports whether the runtime is usable without loading a model.
func (c *Captioner) Probe(ctx context.Context) error {
	if c.runtime == nil {
		return apperrors.NewDependencyError("no local inference runtime is available", nil)
	}
	if err := c.runtime.Probe(ctx); err != nil {
		return apperrors.NewDependencyError(fmt.Sprintf("local inference runtime %s is not available", c.runtime.Name()), err)
	}
	return nil
}

// Initialized reports whether a pipeline is cached.
func (c *Captioner) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline != nil
}

// Reset drops the cached pipeline so the next call builds a new one.
func (c *Captioner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline = nil
}

func (c *Captioner) ensurePipeline(ctx context.Context, model string) (Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline != nil {
		if c.pipeline.Model() != model {
			return nil, apperrors.NewConfigError(fmt.Sprintf(
				"local pipeline is already loaded with model %q; restart to use %q", c.pipeline.Model(), model), nil)
		}
		return c.pipeline, nil
	}

	if err := c.Probe(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	p, err := c.runtime.Load(ctx, model)
	if err != nil {
		return nil, apperrors.NewDependencyError(fmt.Sprintf("failed to create pipeline for model %q", model), err)
	}

	logger.WithFields(logrus.Fields{
		"runtime":     c.runtime.Name(),
		"model":       p.Model(),
		"device":      p.Device(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Local pipeline initialized")

	c.pipeline = p
	return p, nil
}

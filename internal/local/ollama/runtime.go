// Package ollama runs local captioning on an Ollama server with a vision
// model such as llava.
package ollama

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"go-image-captioner/internal/caption"
	"go-image-captioner/internal/local"
	"go-image-captioner/internal/logger"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"
)

// Runtime implements local.Runtime against an Ollama server.
type Runtime struct {
	client *api.Client
	prompt string
}

// New wraps an existing client.
func New(client *api.Client, prompt string) *Runtime {
	return &Runtime{client: client, prompt: prompt}
}

// NewFromHost connects to the server at host, e.g. http://127.0.0.1:11434.
func NewFromHost(host string, httpClient *http.Client, prompt string) (*Runtime, error) {
	base, err := url.Parse(host)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", host)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return New(api.NewClient(base, httpClient), prompt), nil
}

func (r *Runtime) Name() string { return "ollama" }

// Probe checks that the server answers.
func (r *Runtime) Probe(ctx context.Context) error {
	return r.client.Heartbeat(ctx)
}

// Load asks the server to load modelID. When the server places none of the
// model in GPU memory, or an accelerated load fails, the pipeline pins
// execution to the CPU.
func (r *Runtime) Load(ctx context.Context, modelID string) (local.Pipeline, error) {
	options := map[string]any{}
	device := local.DeviceCPU

	if err := r.warmUp(ctx, modelID, options); err != nil {
		logger.WithError(err).WithField("model", modelID).Warn("Accelerated load failed, retrying on CPU")
		options["num_gpu"] = 0
		if err := r.warmUp(ctx, modelID, options); err != nil {
			return nil, err
		}
	} else if r.offloaded(ctx, modelID) {
		device = local.DeviceAccelerated
	} else {
		options["num_gpu"] = 0
	}

	return &pipeline{
		client:  r.client,
		model:   modelID,
		prompt:  r.prompt,
		device:  device,
		options: options,
	}, nil
}

// warmUp loads the model without generating anything.
func (r *Runtime) warmUp(ctx context.Context, modelID string, options map[string]any) error {
	stream := false
	req := &api.GenerateRequest{
		Model:   modelID,
		Stream:  &stream,
		Options: options,
	}
	return r.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil })
}

// offloaded reports whether the running instance of modelID uses VRAM.
func (r *Runtime) offloaded(ctx context.Context, modelID string) bool {
	running, err := r.client.ListRunning(ctx)
	if err != nil {
		logger.WithError(err).Debug("Could not list running models")
		return false
	}
	for _, m := range running.Models {
		if sameModel(m.Name, modelID) || sameModel(m.Model, modelID) {
			return m.SizeVRAM > 0
		}
	}
	return false
}

// sameModel compares names the way the server resolves them: a missing
// tag means latest.
func sameModel(a, b string) bool {
	return withTag(a) == withTag(b)
}

func withTag(name string) string {
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

type pipeline struct {
	client  *api.Client
	model   string
	prompt  string
	device  local.Device
	options map[string]any
}

func (p *pipeline) Model() string        { return p.model }
func (p *pipeline) Device() local.Device { return p.device }

func (p *pipeline) Run(ctx context.Context, img caption.Image, maxLength int) (any, error) {
	options := maps.Clone(p.options)
	if maxLength > 0 {
		options["num_predict"] = maxLength
	}

	stream := false
	req := &api.GenerateRequest{
		Model:   p.model,
		Prompt:  p.prompt,
		Images:  []api.ImageData{img.Data},
		Stream:  &stream,
		Options: options,
	}

	var sb strings.Builder
	err := p.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"model":  p.model,
		"device": p.device,
	}).Debug("Ollama generate completed")

	return []any{map[string]any{"generated_text": sb.String()}}, nil
}

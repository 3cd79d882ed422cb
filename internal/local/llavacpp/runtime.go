// Package llavacpp runs local captioning by executing a llava.cpp binary
// once per image.
package llavacpp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go-image-captioner/internal/caption"
	"go-image-captioner/internal/local"
	"go-image-captioner/internal/logger"
)

// Only one invocation runs at a time; commodity GPUs rarely fit two.
var mutex sync.Mutex

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Runtime implements local.Runtime for llava.cpp.
type Runtime struct {
	Binary    string
	Model     string
	Projector string
	Prompt    string

	run      runFunc
	lookPath func(string) (string, error)
}

// New creates a runtime for the given binary, model weights and
// multimodal projector.
func New(binary, model, projector, prompt string) *Runtime {
	return &Runtime{
		Binary:    binary,
		Model:     model,
		Projector: projector,
		Prompt:    prompt,
		run:       execRun,
		lookPath:  exec.LookPath,
	}
}

func (r *Runtime) Name() string { return "llava.cpp" }

// Probe checks that every file the binary needs is present.
func (r *Runtime) Probe(ctx context.Context) error {
	for _, path := range []string{r.Binary, r.Model, r.Projector} {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
	}
	return nil
}

// Load returns a pipeline bound to the configured weights. modelID is kept
// for reporting only; the weights come from Model.
func (r *Runtime) Load(ctx context.Context, modelID string) (local.Pipeline, error) {
	device := local.DeviceCPU
	if _, err := r.lookPath("nvidia-smi"); err == nil {
		device = local.DeviceAccelerated
	}
	return &pipeline{runtime: r, model: modelID, device: device}, nil
}

type pipeline struct {
	runtime *Runtime
	model   string
	device  local.Device
}

func (p *pipeline) Model() string        { return p.model }
func (p *pipeline) Device() local.Device { return p.device }

func (p *pipeline) Run(ctx context.Context, img caption.Image, maxLength int) (any, error) {
	path, err := writeTemp(img)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	mutex.Lock()
	defer mutex.Unlock()

	out, err := p.runtime.run(ctx, p.runtime.Binary, p.args(path, maxLength)...)
	if err != nil {
		return nil, err
	}
	return []any{map[string]any{"generated_text": removeGarbage(string(out))}}, nil
}

func (p *pipeline) args(imagePath string, maxLength int) []string {
	args := []string{
		"-m", p.runtime.Model,
		"--mmproj", p.runtime.Projector,
		"--image", imagePath,
		"--temp", "0.1",
	}
	if maxLength > 0 {
		args = append(args, "-n", strconv.Itoa(maxLength))
	}
	if p.device == local.DeviceAccelerated {
		args = append(args, "-ngl", "99")
	}
	return append(args, "-p", p.runtime.Prompt)
}

func writeTemp(img caption.Image) (string, error) {
	f, err := os.CreateTemp("", "caption-*"+filepath.Ext(img.Name))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(img.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logger.WithError(err).WithField("stderr", lastLine(stderr.String())).Debug("llava.cpp exited with an error")
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return stdout.Bytes(), nil
}

// removeGarbage drops the model loading banner llava.cpp prints before the
// answer.
func removeGarbage(result string) string {
	const anchor = "per image patch)"
	if i := strings.Index(result, anchor); i != -1 {
		result = result[i+len(anchor):]
	}
	return strings.TrimSpace(result)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i != -1 {
		return s[i+1:]
	}
	return s
}

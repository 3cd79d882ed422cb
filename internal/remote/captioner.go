// Package remote captions images through a hosted inference endpoint that
// follows the Hugging Face Inference API: the raw image is posted to
// <base>/models/<model> and the reply is a loosely-shaped JSON document.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/logger"

	"github.com/sirupsen/logrus"
)

// maxReplySize bounds how much of a reply is read.
const maxReplySize = 4 << 20

// Options configures a Captioner.
type Options struct {
	// BaseURL is the endpoint root, e.g. https://api-inference.huggingface.co.
	BaseURL string
	// DefaultModel is used when a call passes no model identifier.
	DefaultModel string
	// DefaultMaxLength is used when a call passes no positive max length.
	DefaultMaxLength int
	// Lookup reads the credential from the environment. Nil means os.LookupEnv.
	Lookup caption.LookupFunc
}

// Captioner implements caption.RemoteCaptioner.
type Captioner struct {
	client *http.Client
	opts   Options
}

// New creates a remote captioner. A nil client leaves the captioner without
// network capability; every call then fails with a dependency error.
func New(client *http.Client, opts Options) *Captioner {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Captioner{client: client, opts: opts}
}

// Caption posts img to the model endpoint and normalizes the reply.
func (c *Captioner) Caption(ctx context.Context, img caption.Image, credential caption.Credential, modelID string, maxLength int) (string, error) {
	cred := caption.ResolveCredential(credential, c.opts.Lookup)
	if cred.IsZero() {
		return "", apperrors.NewConfigError(
			fmt.Sprintf("inference API token not provided: pass --hf-token or set %s", caption.CredentialEnv), nil)
	}
	if c.client == nil {
		return "", apperrors.NewDependencyError("no HTTP client available for remote captioning", nil)
	}

	model := modelID
	if model == "" {
		model = c.opts.DefaultModel
	}
	if model == "" {
		return "", apperrors.NewConfigError("no model identifier given for remote captioning", nil)
	}
	if maxLength <= 0 {
		maxLength = c.opts.DefaultMaxLength
	}

	req, err := c.newRequest(ctx, img, cred, model, maxLength)
	if err != nil {
		return "", apperrors.NewConfigError("invalid inference endpoint", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", apperrors.NewTimeoutError("inference endpoint did not answer in time", err)
		}
		return "", apperrors.NewNetworkError("failed to reach inference endpoint", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", apperrors.NewNetworkError("failed to read inference reply", err)
	}

	fields := logrus.Fields{
		"model":       model,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.WithFields(fields).Warn("Inference endpoint returned an error status")
		return "", apperrors.NewRemoteError(resp.StatusCode, string(body))
	}

	reply, err := caption.Decode(body)
	if err != nil {
		remoteErr := apperrors.NewRemoteError(resp.StatusCode, string(body))
		remoteErr.Cause = err
		return "", remoteErr
	}

	text := caption.NormalizeRemote(reply)
	if text == "" {
		return "", apperrors.NewRemoteError(resp.StatusCode, string(body))
	}

	fields["shape"] = reply.Kind.String()
	logger.WithFields(fields).Debug("Inference endpoint replied")
	return text, nil
}

func (c *Captioner) newRequest(ctx context.Context, img caption.Image, cred caption.Credential, model string, maxLength int) (*http.Request, error) {
	endpoint := c.opts.BaseURL + "/models/" + strings.TrimLeft(model, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}

	if maxLength > 0 {
		q := req.URL.Query()
		q.Set("max_new_tokens", strconv.Itoa(maxLength))
		req.URL.RawQuery = q.Encode()
	}

	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token())
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Wait-For-Model", "true")
	req.Header.Set("User-Agent", "Go-Image-Captioner/1.0")
	return req, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

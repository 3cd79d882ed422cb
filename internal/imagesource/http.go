package imagesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/logger"
	"go-image-captioner/pkg/validation"

	"github.com/sirupsen/logrus"
)

const maxAttempts = 3

// HTTPLoader downloads images over HTTP(S).
type HTTPLoader struct {
	client         *http.Client
	urlValidator   *validation.URLValidator
	imageValidator *validation.ImageValidator
	maxSize        int64

	// backoff is the wait before retry n (1-based).
	backoff func(n int) time.Duration
}

// NewHTTPLoader creates a loader. maxSize bounds the download; zero means
// unbounded.
func NewHTTPLoader(client *http.Client, urls *validation.URLValidator, images *validation.ImageValidator, maxSize int64) *HTTPLoader {
	if client == nil {
		client = NewFetchClient(30 * time.Second)
	}
	if urls == nil {
		urls = validation.NewURLValidator()
	}
	return &HTTPLoader{
		client:         client,
		urlValidator:   urls,
		imageValidator: images,
		maxSize:        maxSize,
		backoff:        func(n int) time.Duration { return time.Duration(n) * time.Second },
	}
}

// NewFetchClient returns an HTTP client tuned for single image downloads.
func NewFetchClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		MaxIdleConns:           10,
		MaxIdleConnsPerHost:    2,
		IdleConnTimeout:        30 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  10 * time.Second,
		ExpectContinueTimeout:  1 * time.Second,
		MaxResponseHeaderBytes: 4096,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects (limit: 3)")
			}
			return nil
		},
	}
}

// Load retries network failures and 5xx replies; 4xx replies fail at once.
func (l *HTTPLoader) Load(ctx context.Context, ref string) (*caption.Image, error) {
	u, err := l.urlValidator.Validate(ref)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, retry, err := l.fetch(ctx, u.String())
		if err == nil {
			return newImage(path.Base(u.Path), data, l.imageValidator)
		}
		lastErr = err
		if !retry || attempt == maxAttempts {
			break
		}

		logger.WithFields(logrus.Fields{
			"url":     u.Redacted(),
			"attempt": attempt,
		}).WithError(err).Warn("Image download failed, retrying")

		select {
		case <-ctx.Done():
			return nil, apperrors.NewTimeoutError("image download cancelled", ctx.Err())
		case <-time.After(l.backoff(attempt)):
		}
	}

	if appErr, ok := apperrors.As(lastErr); ok {
		return nil, appErr
	}
	if ctx.Err() != nil {
		return nil, apperrors.NewTimeoutError("image download timed out", lastErr)
	}
	return nil, apperrors.NewNetworkError(fmt.Sprintf("failed to fetch image after %d attempts", maxAttempts), lastErr)
}

// fetch performs one GET. retry reports whether the failure is transient.
func (l *HTTPLoader) fetch(ctx context.Context, imageURL string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, apperrors.NewValidationError("invalid URL", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Go-Image-Captioner/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, apperrors.NewNotFoundError("image not found: "+imageURL, nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, apperrors.NewValidationError(fmt.Sprintf("client error: status code %d", resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: status code %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, apperrors.NewNetworkError(fmt.Sprintf("unexpected status code %d", resp.StatusCode), nil)
	}

	body := io.Reader(resp.Body)
	if l.maxSize > 0 {
		body = io.LimitReader(resp.Body, l.maxSize+1)
	}
	data, err = io.ReadAll(body)
	if err != nil {
		return nil, true, err
	}
	if l.maxSize > 0 && int64(len(data)) > l.maxSize {
		return nil, false, apperrors.NewValidationError(fmt.Sprintf("image exceeds %d bytes", l.maxSize), nil)
	}
	return data, false, nil
}

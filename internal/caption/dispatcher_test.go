package caption_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocal struct {
	text  string
	err   error
	calls int
}

func (f *fakeLocal) Caption(ctx context.Context, img caption.Image, modelID string, maxLength int) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeRemote struct {
	calls int
	cred  caption.Credential
}

func (f *fakeRemote) Caption(ctx context.Context, img caption.Image, cred caption.Credential, modelID string, maxLength int) (string, error) {
	f.calls++
	f.cred = cred
	return "remote caption", nil
}

var img = caption.Image{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}

func mustRequest(t *testing.T, backend caption.Backend, opts ...caption.RequestOption) caption.Request {
	t.Helper()
	req, err := caption.NewRequest(img, backend, opts...)
	require.NoError(t, err)
	return req
}

func TestDispatchRoutesByBackend(t *testing.T) {
	local := &fakeLocal{text: "local caption"}
	rem := &fakeRemote{}
	d := caption.NewDispatcher(rem, local)

	res, err := d.Generate(context.Background(), mustRequest(t, caption.BackendLocal, caption.WithModel("llava")))
	require.NoError(t, err)
	assert.Equal(t, "local caption", res.Caption)
	assert.Equal(t, caption.BackendLocal, res.Backend)
	assert.Equal(t, "llava", res.Model)
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, 0, rem.calls)

	res, err = d.Generate(context.Background(), mustRequest(t, caption.BackendRemote, caption.WithCredential(caption.NewCredential("tok"))))
	require.NoError(t, err)
	assert.Equal(t, "remote caption", res.Caption)
	assert.Equal(t, "tok", rem.cred.Token())
	assert.Equal(t, 1, local.calls)
}

func TestLocalWithoutRuntimeNeverTouchesNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `[{"generated_text": "should not happen"}]`)
	}))
	defer server.Close()

	rem := remote.New(remote.NewHTTPClient(time.Second), remote.Options{BaseURL: server.URL, DefaultModel: "m"})
	d := caption.NewDispatcher(rem, nil)

	_, err := d.Generate(context.Background(), mustRequest(t, caption.BackendLocal))

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDependency), "got %v", err)
	assert.Zero(t, calls.Load())
}

func TestRemoteWithoutClientIsDependencyError(t *testing.T) {
	local := &fakeLocal{text: "local"}
	d := caption.NewDispatcher(nil, local)

	_, err := d.Generate(context.Background(), mustRequest(t, caption.BackendRemote))

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDependency), "got %v", err)
	assert.Equal(t, 0, local.calls, "no fallback to the local backend")
}

func TestRemoteServiceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "overloaded")
	}))
	defer server.Close()

	rem := remote.New(remote.NewHTTPClient(time.Second), remote.Options{BaseURL: server.URL, DefaultModel: "m"})
	d := caption.NewDispatcher(rem, &fakeLocal{text: "unused"})

	_, err := d.Generate(context.Background(), mustRequest(t, caption.BackendRemote, caption.WithCredential(caption.NewCredential("tok"))))

	appErr, ok := apperrors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperrors.ErrorTypeRemote, appErr.Type)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.UpstreamStatus)
	assert.Equal(t, "overloaded", appErr.UpstreamBody)
}

func TestBackendErrorPropagatesUnchanged(t *testing.T) {
	want := apperrors.NewInferenceError("pipeline exploded", errors.New("boom"))
	d := caption.NewDispatcher(nil, &fakeLocal{err: want})

	_, err := d.Generate(context.Background(), mustRequest(t, caption.BackendLocal))
	assert.Same(t, want, err)
}

func TestEmptyCaptionFailsClosed(t *testing.T) {
	d := caption.NewDispatcher(nil, &fakeLocal{text: ""})

	_, err := d.Generate(context.Background(), mustRequest(t, caption.BackendLocal))
	assert.Error(t, err)
}

func TestNewRequestValidation(t *testing.T) {
	_, err := caption.NewRequest(caption.Image{}, caption.BackendLocal)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = caption.NewRequest(img, caption.Backend("gpu"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = caption.NewRequest(img, caption.BackendLocal, caption.WithMaxLength(-1))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	b, err := caption.ParseBackend(" Remote ")
	require.NoError(t, err)
	assert.Equal(t, caption.BackendRemote, b)
}

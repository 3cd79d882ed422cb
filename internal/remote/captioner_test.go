package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testImage = caption.Image{Name: "cat.png", ContentType: "image/png", Data: []byte("\x89PNG fake")}

func noEnv(string) (string, bool) { return "", false }

func envWith(token string) caption.LookupFunc {
	return func(key string) (string, bool) {
		if key == caption.CredentialEnv {
			return token, true
		}
		return "", false
	}
}

func newTestCaptioner(url string, lookup caption.LookupFunc) *Captioner {
	return New(NewHTTPClient(5*time.Second), Options{
		BaseURL:          url,
		DefaultModel:     "Salesforce/blip-image-captioning-base",
		DefaultMaxLength: 40,
		Lookup:           lookup,
	})
}

func TestCaptionResponseShapes(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"list with generated_text", `[{"generated_text": "  a dog on a beach \n"}]`, "a dog on a beach"},
		{"record with caption", `{"caption": "Y"}`, "Y"},
		{"record with text", `{"text": "a red car"}`, "a red car"},
		{"list without known keys", `[{"score": 0.5, "label": "dog"}]`, "dog 0.5"},
		{"record without known keys", `{"label": "dog"}`, `{"label":"dog"}`},
		{"plain string", `"a bird"`, "a bird"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, tt.reply)
			}))
			defer server.Close()

			got, err := newTestCaptioner(server.URL, envWith("hf_test")).Caption(context.Background(), testImage, caption.Credential{}, "", 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCaptionRequestShape(t *testing.T) {
	var (
		gotPath, gotAuth, gotType, gotWait, gotTokens string
		gotBody                                       []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotWait = r.Header.Get("X-Wait-For-Model")
		gotTokens = r.URL.Query().Get("max_new_tokens")
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `[{"generated_text": "ok"}]`)
	}))
	defer server.Close()

	c := newTestCaptioner(server.URL+"/", noEnv)
	_, err := c.Caption(context.Background(), testImage, caption.NewCredential("explicit-token"), "nlpconnect/vit-gpt2-image-captioning", 25)
	require.NoError(t, err)

	assert.Equal(t, "/models/nlpconnect/vit-gpt2-image-captioning", gotPath)
	assert.Equal(t, "Bearer explicit-token", gotAuth)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "true", gotWait)
	assert.Equal(t, "25", gotTokens)
	assert.Equal(t, testImage.Data, gotBody)
}

func TestExplicitCredentialWinsOverEnvironment(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"generated_text": "ok"}`)
	}))
	defer server.Close()

	c := newTestCaptioner(server.URL, envWith("from-env"))

	_, err := c.Caption(context.Background(), testImage, caption.NewCredential("from-flag"), "", 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-flag", gotAuth)

	_, err = c.Caption(context.Background(), testImage, caption.Credential{}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-env", gotAuth)
}

func TestMissingCredentialFailsBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	_, err := newTestCaptioner(server.URL, noEnv).Caption(context.Background(), testImage, caption.Credential{}, "", 0)

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfig), "got %v", err)
	assert.Zero(t, calls.Load(), "no request may reach the endpoint")
}

func TestNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":"Model is currently loading","estimated_time":20}`)
	}))
	defer server.Close()

	_, err := newTestCaptioner(server.URL, envWith("hf_test")).Caption(context.Background(), testImage, caption.Credential{}, "", 0)

	appErr, ok := apperrors.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, apperrors.ErrorTypeRemote, appErr.Type)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.UpstreamStatus)
	assert.Equal(t, `{"error":"Model is currently loading","estimated_time":20}`, appErr.UpstreamBody)
}

func TestNonJSONReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>hello</html>")
	}))
	defer server.Close()

	_, err := newTestCaptioner(server.URL, envWith("hf_test")).Caption(context.Background(), testImage, caption.Credential{}, "", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRemote), "got %v", err)
}

func TestEmptyCaptionFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"generated_text": "   "}]`)
	}))
	defer server.Close()

	_, err := newTestCaptioner(server.URL, envWith("hf_test")).Caption(context.Background(), testImage, caption.Credential{}, "", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRemote), "got %v", err)
}

func TestNilClientIsDependencyError(t *testing.T) {
	c := New(nil, Options{BaseURL: "https://example.invalid", DefaultModel: "m", Lookup: envWith("hf_test")})

	_, err := c.Caption(context.Background(), testImage, caption.Credential{}, "", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDependency), "got %v", err)
}

func TestUnreachableEndpointIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestCaptioner(url, envWith("hf_test")).Caption(context.Background(), testImage, caption.Credential{}, "", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNetwork), "got %v", err)
}

func TestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		io.WriteString(w, `{"generated_text": "late"}`)
	}))
	defer server.Close()

	c := New(NewHTTPClient(50*time.Millisecond), Options{BaseURL: server.URL, DefaultModel: "m", Lookup: envWith("hf_test")})
	_, err := c.Caption(context.Background(), testImage, caption.Credential{}, "", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout), "got %v", err)
}

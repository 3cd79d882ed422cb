package service

import (
	"context"
	"testing"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/imagesource"
	"go-image-captioner/internal/observer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	got    caption.Request
	calls  int
	result caption.Result
	err    error
}

func (g *fakeGenerator) Generate(ctx context.Context, req caption.Request) (caption.Result, error) {
	g.calls++
	g.got = req
	if g.err != nil {
		return caption.Result{}, g.err
	}
	res := g.result
	res.Backend = req.Backend
	res.Model = req.ModelID
	return res, nil
}

type fakeLoader struct {
	img *caption.Image
	err error
}

func (l *fakeLoader) Load(ctx context.Context, ref string) (*caption.Image, error) {
	return l.img, l.err
}

type eventRecorder struct{ events []observer.CaptionEvent }

func (r *eventRecorder) OnEvent(ctx context.Context, e observer.CaptionEvent) {
	r.events = append(r.events, e)
}
func (r *eventRecorder) GetObserverName() string { return "recorder" }

func (r *eventRecorder) types() []observer.EventType {
	var out []observer.EventType
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func noEnv(string) (string, bool) { return "", false }

var testImage = caption.Image{Name: "cat.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

func newTestService(loader imagesource.Loader, gen Generator) (CaptionService, *eventRecorder) {
	rec := &eventRecorder{}
	pub := observer.NewEventPublisher()
	pub.Subscribe(rec)
	defaults := Defaults{RemoteModel: "Salesforce/blip-image-captioning-base", LocalModel: "llava", MaxLength: 40, Lookup: noEnv}
	return NewCaptionService(loader, gen, pub, defaults), rec
}

func TestCaptionImageAppliesBackendDefaults(t *testing.T) {
	tests := []struct {
		name        string
		opts        CaptionOptions
		wantBackend caption.Backend
		wantModel   string
	}{
		{"local by default", CaptionOptions{}, caption.BackendLocal, "llava"},
		{"use remote", CaptionOptions{UseRemote: true}, caption.BackendRemote, "Salesforce/blip-image-captioning-base"},
		{"explicit token selects remote", CaptionOptions{Credential: caption.NewCredential("tok")}, caption.BackendRemote, "Salesforce/blip-image-captioning-base"},
		{"explicit backend and model", CaptionOptions{Backend: caption.BackendLocal, Model: "bakllava", MaxLength: 12}, caption.BackendLocal, "bakllava"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{result: caption.Result{Caption: "a cat"}}
			svc, rec := newTestService(nil, gen)

			resp, err := svc.CaptionImage(context.Background(), testImage, tt.opts)
			require.NoError(t, err)

			assert.Equal(t, tt.wantBackend, gen.got.Backend)
			assert.Equal(t, tt.wantModel, gen.got.ModelID)
			assert.Equal(t, "a cat", resp.Caption)
			assert.Equal(t, string(tt.wantBackend), resp.Backend)
			assert.Equal(t, tt.wantModel, resp.Model)
			assert.Equal(t, "cat.png", resp.Image.Name)
			assert.Equal(t, 4, resp.Image.SizeBytes)
			assert.NotEmpty(t, resp.RequestID)
			assert.Equal(t, []observer.EventType{observer.CaptionStarted, observer.CaptionCompleted}, rec.types())

			wantMax := tt.opts.MaxLength
			if wantMax == 0 {
				wantMax = 40
			}
			assert.Equal(t, wantMax, gen.got.MaxLength)
		})
	}
}

func TestCaptionImageEnvironmentTokenSelectsRemote(t *testing.T) {
	gen := &fakeGenerator{result: caption.Result{Caption: "a cat"}}
	svc := NewCaptionService(nil, gen, nil, Defaults{
		RemoteModel: "blip",
		LocalModel:  "llava",
		Lookup: func(key string) (string, bool) {
			return "hf_env", key == caption.CredentialEnv
		},
	})

	_, err := svc.CaptionImage(context.Background(), testImage, CaptionOptions{})
	require.NoError(t, err)
	assert.Equal(t, caption.BackendRemote, gen.got.Backend)
	assert.Equal(t, "blip", gen.got.ModelID)
}

func TestCaptionImageFailurePublishesErrorType(t *testing.T) {
	gen := &fakeGenerator{err: apperrors.NewDependencyError("no runtime", nil)}
	svc, rec := newTestService(nil, gen)

	_, err := svc.CaptionImage(context.Background(), testImage, CaptionOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDependency))

	require.Len(t, rec.events, 2)
	failed := rec.events[1]
	assert.Equal(t, observer.CaptionFailed, failed.EventType)
	assert.Equal(t, "dependency", failed.ErrorType)
	assert.False(t, failed.Success)
}

func TestCaptionImageRejectsEmptyImage(t *testing.T) {
	gen := &fakeGenerator{}
	svc, _ := newTestService(nil, gen)

	_, err := svc.CaptionImage(context.Background(), caption.Image{Name: "empty.png"}, CaptionOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Zero(t, gen.calls)
}

func TestCaptionReference(t *testing.T) {
	t.Run("loaded", func(t *testing.T) {
		img := testImage
		gen := &fakeGenerator{result: caption.Result{Caption: "a cat"}}
		svc, rec := newTestService(&fakeLoader{img: &img}, gen)

		resp, err := svc.CaptionReference(context.Background(), "https://example.com/cat.png", CaptionOptions{})
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/cat.png", resp.Image.Reference)
		assert.Equal(t, []observer.EventType{observer.ImageLoaded, observer.CaptionStarted, observer.CaptionCompleted}, rec.types())
		assert.Equal(t, resp.RequestID, rec.events[0].Metadata["request_id"])
	})

	t.Run("load fails", func(t *testing.T) {
		gen := &fakeGenerator{}
		svc, rec := newTestService(&fakeLoader{err: apperrors.NewNotFoundError("missing", nil)}, gen)

		_, err := svc.CaptionReference(context.Background(), "missing.png", CaptionOptions{})
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
		assert.Zero(t, gen.calls)
		assert.Equal(t, []observer.EventType{observer.ImageLoadFailed}, rec.types())
		assert.Equal(t, "not_found", rec.events[0].ErrorType)
	})

	t.Run("no loader", func(t *testing.T) {
		svc, _ := newTestService(nil, &fakeGenerator{})
		_, err := svc.CaptionReference(context.Background(), "cat.png", CaptionOptions{})
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDependency))
	})
}

func TestNoGeneratorIsDependencyError(t *testing.T) {
	svc := NewCaptionService(nil, nil, nil, Defaults{LocalModel: "llava", Lookup: noEnv})
	_, err := svc.CaptionImage(context.Background(), testImage, CaptionOptions{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDependency))
}

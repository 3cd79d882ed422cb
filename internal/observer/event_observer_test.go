package observer

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	name   string
	events []CaptionEvent
}

func (o *recordingObserver) OnEvent(ctx context.Context, event CaptionEvent) {
	o.events = append(o.events, event)
}
func (o *recordingObserver) GetObserverName() string { return o.name }

type panickingObserver struct{}

func (panickingObserver) OnEvent(ctx context.Context, event CaptionEvent) { panic("boom") }
func (panickingObserver) GetObserverName() string                        { return "panicky" }

func TestPublisherDeliversSynchronouslyInOrder(t *testing.T) {
	p := NewEventPublisher()
	first := &recordingObserver{name: "first"}
	second := &recordingObserver{name: "second"}
	p.Subscribe(first)
	p.Subscribe(panickingObserver{})
	p.Subscribe(second)

	p.NotifyObservers(context.Background(), CaptionEvent{EventType: CaptionStarted})

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1, "a panicking observer does not block the rest")
	assert.False(t, first.events[0].Timestamp.IsZero())

	p.Unsubscribe(first)
	p.NotifyObservers(context.Background(), CaptionEvent{EventType: CaptionCompleted})
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 2)
}

func TestLoggingObserver(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.DebugLevel)

	o := NewLoggingObserver(log)
	o.OnEvent(context.Background(), CaptionEvent{
		EventType: CaptionCompleted,
		Backend:   "remote",
		Model:     "Salesforce/blip-image-captioning-base",
		Duration:  1500 * time.Millisecond,
		Success:   true,
	})
	o.OnEvent(context.Background(), CaptionEvent{
		EventType:    CaptionFailed,
		Backend:      "local",
		ErrorType:    "dependency",
		ErrorMessage: "runtime missing",
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"msg":"Caption completed"`)
	assert.Contains(t, lines[0], `"duration_ms":1500`)
	assert.Contains(t, lines[1], `"level":"error"`)
	assert.Contains(t, lines[1], `"error_type":"dependency"`)
}

func TestMetricsObserver(t *testing.T) {
	o := NewMetricsObserver()
	ctx := context.Background()

	o.OnEvent(ctx, CaptionEvent{EventType: CaptionStarted, Backend: "remote"})
	o.OnEvent(ctx, CaptionEvent{EventType: CaptionCompleted, Backend: "remote", Duration: time.Second})
	o.OnEvent(ctx, CaptionEvent{EventType: CaptionStarted, Backend: "local"})
	o.OnEvent(ctx, CaptionEvent{EventType: CaptionFailed, Backend: "local", ErrorType: "dependency"})
	o.OnEvent(ctx, CaptionEvent{EventType: ImageLoadFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.requests.WithLabelValues("remote", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.requests.WithLabelValues("local", "dependency")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.imageLoads.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(o.durations))

	families, err := o.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

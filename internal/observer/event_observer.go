package observer

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// CaptionEvent represents a step in captioning one image. Events never carry
// credentials.
type CaptionEvent struct {
	EventType    EventType              `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Reference    string                 `json:"reference,omitempty"`
	Backend      string                 `json:"backend,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Duration     time.Duration          `json:"duration"`
	Success      bool                   `json:"success"`
	ErrorType    string                 `json:"error_type,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of caption event
type EventType string

const (
	CaptionStarted   EventType = "caption_started"
	CaptionCompleted EventType = "caption_completed"
	CaptionFailed    EventType = "caption_failed"
	ImageLoaded      EventType = "image_loaded"
	ImageLoadFailed  EventType = "image_load_failed"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event CaptionEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event CaptionEvent)
}

// LoggingObserver logs caption events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoggingObserver{logger: logger}
}

// OnEvent handles caption events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event CaptionEvent) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"success":    event.Success,
	}
	if event.Reference != "" {
		fields["reference"] = event.Reference
	}
	if event.Backend != "" {
		fields["backend"] = event.Backend
	}
	if event.Model != "" {
		fields["model"] = event.Model
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
		fields["error_type"] = event.ErrorType
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case CaptionStarted:
		entry.Debug("Caption started")
	case CaptionCompleted:
		entry.Info("Caption completed")
	case CaptionFailed:
		entry.Error("Caption failed")
	case ImageLoaded:
		entry.Debug("Image loaded")
	case ImageLoadFailed:
		entry.Error("Image load failed")
	default:
		entry.Info("Caption event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver records caption events as Prometheus metrics on its own
// registry.
type MetricsObserver struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	imageLoads *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

// NewMetricsObserver creates a metrics observer with a fresh registry.
func NewMetricsObserver() *MetricsObserver {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &MetricsObserver{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caption_requests_total",
			Help: "Caption requests by backend and outcome",
		}, []string{"backend", "outcome"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caption_duration_seconds",
			Help:    "Time spent producing a caption",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend"}),
		imageLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caption_image_loads_total",
			Help: "Image loads by outcome",
		}, []string{"outcome"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caption_in_flight",
			Help: "Captions currently being generated",
		}),
	}
}

// OnEvent handles caption events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event CaptionEvent) {
	switch event.EventType {
	case CaptionStarted:
		o.inFlight.Inc()
	case CaptionCompleted:
		o.inFlight.Dec()
		o.requests.WithLabelValues(event.Backend, "success").Inc()
		o.durations.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())
	case CaptionFailed:
		o.inFlight.Dec()
		outcome := event.ErrorType
		if outcome == "" {
			outcome = "error"
		}
		o.requests.WithLabelValues(event.Backend, outcome).Inc()
	case ImageLoaded:
		o.imageLoads.WithLabelValues("success").Inc()
	case ImageLoadFailed:
		o.imageLoads.WithLabelValues("error").Inc()
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// Registry exposes the metrics for scraping.
func (o *MetricsObserver) Registry() *prometheus.Registry {
	return o.registry
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers event to every observer in subscription order
// before returning. A panicking observer does not stop the others.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event CaptionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		notify(ctx, obs, event)
	}
}

func notify(ctx context.Context, obs Observer, event CaptionEvent) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}

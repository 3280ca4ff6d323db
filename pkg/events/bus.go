package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jscharber/tenantcost/pkg/logger"
)

// Bus is the event transport interface exposed to the services. The
// in-memory implementation below serves single-process deployments and
// tests; the Kafka mirror in producer.go can be attached for fan-out to
// external consumers.
type Bus interface {
	Publish(event *Event) error
	Subscribe(handler Handler, eventTypes ...string) error
	Start() error
	Stop() error
	Metrics() BusMetrics
}

// BusConfig contains configuration for the in-memory bus
type BusConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	WorkerCount       int           `yaml:"worker_count"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
}

// DefaultBusConfig returns default configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:         1000,
		WorkerCount:       4,
		ProcessingTimeout: 30 * time.Second,
		RetryDelay:        1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
	}
}

// BusMetrics tracks bus throughput
type BusMetrics struct {
	Published  int64 `json:"published"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
	QueueDepth int   `json:"queue_depth"`
}

// InMemoryBus delivers events to subscribed handlers through a worker pool.
type InMemoryBus struct {
	config   BusConfig
	handlers map[string][]Handler
	queue    chan *Event
	tracer   trace.Tracer
	log      *logger.Logger
	metrics  BusMetrics

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewInMemoryBus creates a new in-memory event bus
func NewInMemoryBus(config BusConfig, log *logger.Logger) *InMemoryBus {
	return &InMemoryBus{
		config:   config,
		handlers: make(map[string][]Handler),
		queue:    make(chan *Event, config.QueueSize),
		tracer:   otel.Tracer("event-bus"),
		log:      log.WithField("component", "event-bus"),
		stopCh:   make(chan struct{}),
	}
}

// Publish queues an event for delivery. It never blocks: when the queue is
// full the event is rejected so a slow consumer cannot stall the control
// loops that publish.
func (bus *InMemoryBus) Publish(event *Event) error {
	bus.mu.RLock()
	running := bus.running
	bus.mu.RUnlock()
	if !running {
		return fmt.Errorf("event bus is not running")
	}

	select {
	case bus.queue <- event:
		bus.mu.Lock()
		bus.metrics.Published++
		bus.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("event queue is full")
	}
}

// Subscribe registers a handler for the given event types.
func (bus *InMemoryBus) Subscribe(handler Handler, eventTypes ...string) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for _, eventType := range eventTypes {
		bus.handlers[eventType] = append(bus.handlers[eventType], handler)
	}
	return nil
}

// Start starts the delivery workers.
func (bus *InMemoryBus) Start() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.running {
		return fmt.Errorf("event bus is already running")
	}
	bus.running = true

	for i := 0; i < bus.config.WorkerCount; i++ {
		bus.wg.Add(1)
		go func() {
			defer bus.wg.Done()
			bus.worker()
		}()
	}
	return nil
}

// Stop stops the bus after draining in-flight deliveries.
func (bus *InMemoryBus) Stop() error {
	bus.mu.Lock()
	if !bus.running {
		bus.mu.Unlock()
		return nil
	}
	bus.running = false
	bus.mu.Unlock()

	close(bus.stopCh)
	bus.wg.Wait()
	return nil
}

// Metrics returns a snapshot of bus metrics.
func (bus *InMemoryBus) Metrics() BusMetrics {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	snapshot := bus.metrics
	snapshot.QueueDepth = len(bus.queue)
	return snapshot
}

func (bus *InMemoryBus) worker() {
	for {
		select {
		case <-bus.stopCh:
			return
		case event := <-bus.queue:
			bus.deliver(event)
		}
	}
}

func (bus *InMemoryBus) deliver(event *Event) {
	ctx, span := bus.tracer.Start(context.Background(), "event_bus.deliver")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.type", event.Type),
		attribute.String("tenant.id", event.TenantID.String()),
	)

	ctx, cancel := context.WithTimeout(ctx, bus.config.ProcessingTimeout)
	defer cancel()

	bus.mu.RLock()
	handlers := bus.handlers[event.Type]
	bus.mu.RUnlock()

	var failed bool
	for _, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			failed = true
			span.RecordError(err)
			bus.log.WithError(err).Warn("handler %s failed for event %s", handler.Name(), event.Type)
		}
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if !failed {
		bus.metrics.Processed++
		return
	}

	bus.metrics.Failed++
	if event.RetryCount < event.MaxRetries {
		event.RetryCount++
		delay := bus.config.RetryDelay * time.Duration(event.RetryCount)
		if delay > bus.config.MaxRetryDelay {
			delay = bus.config.MaxRetryDelay
		}
		go func() {
			time.Sleep(delay)
			bus.mu.RLock()
			running := bus.running
			bus.mu.RUnlock()
			if running {
				select {
				case bus.queue <- event:
				default:
				}
			}
		}()
		return
	}

	// Retries exhausted. There is no durable dead-letter store for the
	// in-memory bus; the event is logged and dropped.
	bus.metrics.DeadLetter++
	bus.log.Error("event %s (%s) dropped after %d retries", event.ID, event.Type, event.RetryCount)
}

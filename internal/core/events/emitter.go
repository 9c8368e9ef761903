package events

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/payment-connector/internal"
)

const (
	defaultPartitions     = 8
	defaultBufferSize     = 256
	defaultPublishTimeout = 10 * time.Second
)

type EmitterConfig struct {
	Partitions     int
	BufferSize     int
	PublishTimeout time.Duration
}

type emitJob struct {
	ctx    context.Context
	event  DomainEvent
	result chan error
}

// Worker owns one partition and publishes its jobs one at a time, which is
// what keeps events for a resource in generation order.
type Worker struct {
	ID     int
	Jobs   chan emitJob
	Logger *slog.Logger
}

func NewWorker(id, bufferSize int, logger *slog.Logger) *Worker {
	return &Worker{
		ID:     id,
		Jobs:   make(chan emitJob, bufferSize),
		Logger: logger,
	}
}

func (w *Worker) Start(wg *sync.WaitGroup, processFunc func(emitJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for job := range w.Jobs {
			w.Logger.Debug("worker publishing event",
				"worker_id", w.ID,
				"event_type", job.event.Kind,
				"resource_external_id", job.event.ResourceExternalID)
			processFunc(job)
		}
		w.Logger.Debug("worker shutting down", "worker_id", w.ID)
	}()
}

// Emitter hands events to a sink through a fixed set of partitions keyed by
// resource external id. A full partition rejects instead of blocking.
type Emitter struct {
	sink           Sink
	dedupe         Deduplicator
	publishTimeout time.Duration
	logger         *slog.Logger

	workers []*Worker
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
}

// NewEmitter starts the partition workers. dedupe may be nil.
func NewEmitter(sink Sink, dedupe Deduplicator, cfg EmitterConfig, logger *slog.Logger) *Emitter {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = defaultPartitions
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	e := &Emitter{
		sink:           sink,
		dedupe:         dedupe,
		publishTimeout: publishTimeout,
		logger:         logger,
		workers:        make([]*Worker, partitions),
	}

	for i := 0; i < partitions; i++ {
		e.workers[i] = NewWorker(i, bufferSize, logger)
		e.workers[i].Start(&e.wg, e.publish)
	}

	logger.Info("event emitter started",
		"partitions", partitions,
		"buffer_size", bufferSize)

	return e
}

// Emit enqueues the events in order and waits until each has been published.
// Events already enqueued are still published if ctx ends first or a later
// event is rejected.
func (e *Emitter) Emit(ctx context.Context, events ...DomainEvent) error {
	results := make([]chan error, 0, len(events))
	for _, event := range events {
		result, err := e.enqueue(ctx, event)
		if err != nil {
			return err
		}
		results = append(results, result)
	}

	for _, result := range results {
		select {
		case err := <-result:
			if err != nil {
				return internal.NewEventEmissionError(err)
			}
		case <-ctx.Done():
			return internal.NewEventEmissionError(ctx.Err())
		}
	}

	return nil
}

func (e *Emitter) enqueue(ctx context.Context, event DomainEvent) (chan error, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, internal.NewEventEmissionError(errors.New("emitter is shut down"))
	}

	job := emitJob{ctx: ctx, event: event, result: make(chan error, 1)}
	worker := e.workers[e.partition(event.PartitionKey())]

	select {
	case worker.Jobs <- job:
		return job.result, nil
	default:
		e.logger.Warn("event partition full, rejecting event",
			"event_type", event.Kind,
			"resource_external_id", event.ResourceExternalID,
			"partition", worker.ID,
			"queue_capacity", cap(worker.Jobs))
		return nil, internal.NewEventEmissionError(internal.ErrEmitterSaturated)
	}
}

func (e *Emitter) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.workers)))
}

func (e *Emitter) publish(job emitJob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), e.publishTimeout)
	defer cancel()

	key := job.event.DedupeKey()
	if e.dedupe != nil {
		claimed, err := e.dedupe.Claim(ctx, key)
		if err != nil {
			job.result <- err
			return
		}
		if !claimed {
			e.logger.Info("event already published, skipping",
				"event_type", job.event.Kind,
				"resource_external_id", job.event.ResourceExternalID)
			job.result <- nil
			return
		}
	}

	if err := e.sink.Publish(ctx, job.event); err != nil {
		e.logger.Error("failed to publish event",
			"event_type", job.event.Kind,
			"event_id", job.event.ID,
			"resource_external_id", job.event.ResourceExternalID,
			"error", err)
		if e.dedupe != nil {
			if releaseErr := e.dedupe.Release(ctx, key); releaseErr != nil {
				e.logger.Error("failed to release dedupe key", "dedupe_key", key, "error", releaseErr)
			}
		}
		job.result <- err
		return
	}

	job.result <- nil
}

// Shutdown stops accepting events and waits for queued ones to be published.
func (e *Emitter) Shutdown() {
	e.once.Do(func() {
		e.logger.Info("shutting down event emitter")
		e.mu.Lock()
		e.closed = true
		for _, w := range e.workers {
			close(w.Jobs)
		}
		e.mu.Unlock()
		e.wg.Wait()
		e.logger.Info("event emitter shutdown complete")
	})
}

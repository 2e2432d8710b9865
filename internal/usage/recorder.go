package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Recorder decouples the response path from the telemetry store: Record never
// blocks and never fails the caller. A background writer drains a bounded
// queue, retrying each insert a bounded number of times with exponential
// backoff before dropping it with a log line.
type Recorder struct {
	store        Store
	queue        chan *Record
	done         chan struct{}
	log          *slog.Logger
	maxTries     uint
	writeTimeout time.Duration
}

type RecorderOption func(*Recorder)

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		r.queue = make(chan *Record, n)
	}
}

func WithMaxTries(n uint) RecorderOption {
	return func(r *Recorder) {
		r.maxTries = n
	}
}

func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.writeTimeout = d
	}
}

func NewRecorder(store Store, log *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		queue:        make(chan *Record, 256),
		done:         make(chan struct{}),
		log:          log,
		maxTries:     3,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record enqueues rec for persistence. Non-blocking: when the queue is full
// the record is dropped and logged. Telemetry loss is acceptable; response
// latency is not.
func (r *Recorder) Record(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}

	select {
	case r.queue <- rec:
	default:
		r.log.Warn("usage queue full, dropping record",
			"user_id", rec.UserID,
			"provider", rec.Provider,
			"request_id", rec.RequestID,
		)
	}
}

// Close stops accepting records and drains the queue.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.store.Insert(ctx, rec)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.maxTries),
	)
	if err != nil {
		r.log.Error("dropping usage record after retries",
			"error", err,
			"user_id", rec.UserID,
			"provider", rec.Provider,
			"request_id", rec.RequestID,
		)
	}
}

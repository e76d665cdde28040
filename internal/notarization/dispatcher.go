// Package notarization records VALID verifications on an external ledger,
// off the request path.
package notarization

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/metrics"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultWorkers     = 2
	defaultQueueSize   = 256
	defaultTimeout     = 10 * time.Second
	defaultBaseBackoff = 500 * time.Millisecond

	statusRecorded  = "recorded"
	statusDuplicate = "duplicate"
	statusFailed    = "failed"
	statusDropped   = "dropped"
)

var (
	errMissingNotary = errors.New("notarization: notary is required")
	errMissingStore  = errors.New("notarization: reference store is required")
	errEmptyTxHash   = errors.New("notarization: notary returned an empty reference")
)

// Job identifies one accepted verification to notarize.
type Job struct {
	AttemptID  uint64
	TagUID     string
	Counter    uint32
	RecordedAt time.Time
}

// Notary submits a job to the ledger and returns its transaction reference.
type Notary interface {
	Notarize(ctx context.Context, job Job) (string, error)
}

// ReferenceStore persists ledger references against attempts.
type ReferenceStore interface {
	RecordNotarization(ctx context.Context, attemptID uint64, reference string) (bool, error)
}

// DispatcherConfig describes the dispatcher dependencies and bounds.
type DispatcherConfig struct {
	Notary      Notary
	Store       ReferenceStore
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxRetries  uint64
	BaseBackoff time.Duration
	Logger      *zap.Logger
}

// Dispatcher runs notarization jobs on background workers. Each job has its own
// timeout and retry budget; failures never reach the verification caller.
type Dispatcher struct {
	notary      Notary
	store       ReferenceStore
	jobs        chan Job
	workers     int
	timeout     time.Duration
	maxRetries  uint64
	baseBackoff time.Duration
	logger      *zap.Logger
	startOnce   sync.Once
	wg          sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. Call Start to begin processing.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Notary == nil {
		return nil, errMissingNotary
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notary:      cfg.Notary,
		store:       cfg.Store,
		jobs:        make(chan Job, queueSize),
		workers:     workers,
		timeout:     timeout,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: baseBackoff,
		logger:      logger,
	}, nil
}

// Enqueue schedules job without blocking. It reports false when the queue is full.
func (d *Dispatcher) Enqueue(job Job) bool {
	if d == nil {
		return false
	}
	select {
	case d.jobs <- job:
		metrics.NotarizationQueueDepth.Set(float64(len(d.jobs)))
		return true
	default:
		metrics.NotarizationsTotal.WithLabelValues(statusDropped).Inc()
		d.logger.Warn("notarization queue full, job dropped",
			zap.Uint64("attempt_id", job.AttemptID),
			zap.String("tag_uid", job.TagUID))
		return false
	}
}

// Start launches the workers. They stop when ctx is cancelled; queued jobs are abandoned.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for worker := 0; worker < d.workers; worker++ {
			d.wg.Add(1)
			go d.run(ctx)
		}
	})
}

// Wait blocks until every worker has stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			metrics.NotarizationQueueDepth.Set(float64(len(d.jobs)))
			d.process(ctx, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	var reference string
	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(d.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		value, err := d.notary.Notarize(attemptCtx, job)
		if err != nil {
			d.logger.Debug("notarization attempt failed",
				zap.Uint64("attempt_id", job.AttemptID),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		if value == "" {
			return retry.RetryableError(errEmptyTxHash)
		}
		reference = value
		return nil
	})
	if err != nil {
		metrics.NotarizationsTotal.WithLabelValues(statusFailed).Inc()
		d.logger.Warn("notarization abandoned",
			zap.Uint64("attempt_id", job.AttemptID),
			zap.String("tag_uid", job.TagUID),
			zap.Error(err))
		return
	}

	stored, err := d.store.RecordNotarization(ctx, job.AttemptID, reference)
	if err != nil {
		metrics.NotarizationsTotal.WithLabelValues(statusFailed).Inc()
		d.logger.Error("notarization reference not stored",
			zap.Uint64("attempt_id", job.AttemptID),
			zap.Error(err))
		return
	}
	if !stored {
		metrics.NotarizationsTotal.WithLabelValues(statusDuplicate).Inc()
		return
	}
	metrics.NotarizationsTotal.WithLabelValues(statusRecorded).Inc()
	d.logger.Info("attempt notarized",
		zap.Uint64("attempt_id", job.AttemptID),
		zap.String("tx_hash", reference))
}

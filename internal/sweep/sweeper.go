// Package sweep marks overdue dose events as MISSED on a fixed interval.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/schedule"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// Invalidator evicts cached adherence for a patient
type Invalidator interface {
	Invalidate(ctx context.Context, patientID string)
}

// Config holds sweeper settings
type Config struct {
	// Interval between sweeps
	Interval time.Duration
	// BatchSize is how many overdue events are loaded per page
	BatchSize int
	// Workers processes patients concurrently
	Workers int
	// MaxPages bounds one run so a large backlog cannot starve the next tick
	MaxPages int
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 500,
		Workers:   8,
		MaxPages:  100,
	}
}

// Result summarises one sweep
type Result struct {
	Scanned int
	Marked  int
	Skipped int
	Failed  int
}

// Sweeper periodically transitions DUE events past their grace period to MISSED
type Sweeper struct {
	doses    dose.Repository
	resolver *schedule.Resolver
	cache    Invalidator
	metrics  *metrics.Metrics
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	pool     *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// patientBatch is the unit of work handed to the pool
type patientBatch struct {
	patientID string
	events    []*dose.Event
	now       time.Time
}

type batchResult struct {
	marked, skipped, failed int
}

// New creates a new sweeper. cache may be nil.
func New(cfg Config, doses dose.Repository, resolver *schedule.Resolver, cache Invalidator, m *metrics.Metrics, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = schedule.NewResolver(nil, time.UTC, logger)
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		doses:    doses,
		resolver: resolver,
		cache:    cache,
		metrics:  m,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("missed-sweep"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.BatchSize
	pool, err := workerpool.New(poolCfg, s.processPatient, logger.Named("sweep-pool"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	pool.Start()
	return s, nil
}

// SetClock overrides the time source
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs a sweep immediately and then on every interval
func (s *Sweeper) Start() {
	go s.loop()
	s.logger.Info("missed sweep started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("workers", s.config.Workers))
}

// Stop waits for the current sweep to finish and releases the pool
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.pool.Stop()
	s.logger.Info("missed sweep stopped")
}

// Close releases the pool of a sweeper that was never started
func (s *Sweeper) Close() {
	s.cancel()
	s.pool.Stop()
}

// Healthy reports whether the worker pool is keeping up
func (s *Sweeper) Healthy() bool {
	return s.pool.IsHealthy()
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runLogged()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runLogged()
		}
	}
}

func (s *Sweeper) runLogged() {
	res, err := s.RunOnce(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("missed sweep failed", zap.Error(err))
		return
	}
	if res.Marked > 0 || res.Failed > 0 {
		s.logger.Info("missed sweep completed",
			zap.Int("scanned", res.Scanned),
			zap.Int("marked", res.Marked),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
}

// RunOnce performs one sweep. Running it again right away marks nothing new.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "missed_sweep")
	defer span.End()

	start := time.Now()
	var total Result
	defer func() {
		s.metrics.ObserveSweep(time.Since(start), total.Marked)
		span.SetAttributes(
			attribute.Int("scanned", total.Scanned),
			attribute.Int("marked", total.Marked),
		)
	}()

	for page := 0; page < s.config.MaxPages; page++ {
		now := s.now()
		// nothing can be overdue before the shortest allowed grace has passed
		events, err := s.doses.ListOverdue(ctx, now.Add(-dose.MinGracePeriod), s.config.BatchSize)
		if err != nil {
			span.RecordError(err)
			return total, fmt.Errorf("list overdue: %w", err)
		}
		if len(events) == 0 {
			break
		}
		total.Scanned += len(events)

		res, err := s.sweepPage(ctx, events, now)
		total.Marked += res.marked
		total.Skipped += res.skipped
		total.Failed += res.failed
		if err != nil {
			return total, err
		}

		// a page with nothing marked would be returned again unchanged
		if len(events) < s.config.BatchSize || res.marked == 0 {
			break
		}
	}
	return total, nil
}

func (s *Sweeper) sweepPage(ctx context.Context, events []*dose.Event, now time.Time) (batchResult, error) {
	byPatient := make(map[string][]*dose.Event)
	var order []string
	for _, e := range events {
		if _, ok := byPatient[e.PatientID]; !ok {
			order = append(order, e.PatientID)
		}
		byPatient[e.PatientID] = append(byPatient[e.PatientID], e)
	}

	tasks := make([]*workerpool.Task, 0, len(order))
	for _, patientID := range order {
		tasks = append(tasks, &workerpool.Task{
			ID:      patientID,
			Payload: &patientBatch{patientID: patientID, events: byPatient[patientID], now: now},
		})
	}

	results, err := s.pool.Run(ctx, tasks)
	if err != nil {
		return batchResult{}, err
	}

	var sum batchResult
	for _, r := range results {
		if br, ok := r.Data.(batchResult); ok {
			sum.marked += br.marked
			sum.skipped += br.skipped
			sum.failed += br.failed
		}
	}
	return sum, nil
}

// processPatient marks one patient's overdue events using that patient's grace period
func (s *Sweeper) processPatient(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	b, ok := task.Payload.(*patientBatch)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}

	if d := access.Evaluate(access.System, b.patientID, access.ActionMarkMissed, nil); !d.Allowed {
		return &workerpool.Result{Error: d.Err()}
	}

	grace := s.resolver.GracePeriod(ctx, b.patientID)
	var res batchResult
	for _, e := range b.events {
		t, err := e.Miss(b.now, grace)
		if err != nil {
			// still inside this patient's grace window, or already resolved
			res.skipped++
			continue
		}
		if _, err := s.doses.ApplyTransition(ctx, e.ID, t); err != nil {
			if errors.Is(err, dose.ErrConflict) || errors.Is(err, dose.ErrNotFound) {
				s.metrics.ObserveConflict()
				res.skipped++
				continue
			}
			s.logger.Error("failed to mark dose missed",
				zap.String("dose_id", e.ID),
				zap.String("patient_id", b.patientID),
				zap.Error(err))
			res.failed++
			continue
		}
		s.metrics.ObserveTransition(string(dose.StatusMissed), "sweep")
		res.marked++
	}

	if res.marked > 0 && s.cache != nil {
		s.cache.Invalidate(ctx, b.patientID)
	}
	return &workerpool.Result{Success: true, Data: res}
}

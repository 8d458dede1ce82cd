package adherence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-adherence/internal/domain/clock"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// EventLister reads dose events
type EventLister interface {
	List(ctx context.Context, f dose.Filter) ([]*dose.Event, error)
}

// Aggregator computes adherence windows with a read-through cache
type Aggregator struct {
	events   EventLister
	cache    Cache
	location *time.Location
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// generations counts evictions per patient; a window computed across an
	// eviction is not written back
	mu          sync.Mutex
	generations map[string]uint64
}

// NewAggregator creates a new aggregator. cache may be nil to disable caching.
func NewAggregator(events EventLister, cache Cache, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		events:      events,
		cache:       cache,
		location:    loc,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("adherence"),
		now:         time.Now,
		generations: make(map[string]uint64),
	}
}

// SetClock overrides the time source
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Window returns the statistics for kind anchored on today
func (a *Aggregator) Window(ctx context.Context, patientID string, kind Kind) (*Stats, error) {
	return a.WindowAt(ctx, patientID, kind, a.now())
}

// WindowAt returns the statistics for kind anchored on the calendar date of anchor
func (a *Aggregator) WindowAt(ctx context.Context, patientID string, kind Kind, anchor time.Time) (*Stats, error) {
	ctx, span := a.tracer.Start(ctx, "adherence_window",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("kind", string(kind)),
		))
	defer span.End()

	date := clock.DateKey(anchor, a.location)
	key := CacheKey(patientID, kind, date)

	if cached, ok := a.cacheGet(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}

	gen := a.generation(patientID)
	start := time.Now()
	stats, err := a.compute(ctx, patientID, kind, anchor)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	a.metrics.ObserveAdherenceCompute(string(kind), time.Since(start))

	a.cacheSet(ctx, patientID, gen, key, stats)
	return stats, nil
}

// Overview computes today, week and month concurrently
func (a *Aggregator) Overview(ctx context.Context, patientID string) (*Overview, error) {
	anchor := a.now()
	out := &Overview{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := a.WindowAt(gctx, patientID, KindDaily, anchor)
		out.Today = s
		return err
	})
	g.Go(func() error {
		s, err := a.WindowAt(gctx, patientID, KindWeekly, anchor)
		out.Week = s
		return err
	})
	g.Go(func() error {
		s, err := a.WindowAt(gctx, patientID, KindMonthly, anchor)
		out.Month = s
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Trend returns a daily breakdown over the trailing days ending today. It is not cached.
func (a *Aggregator) Trend(ctx context.Context, patientID string, days int) (*Stats, error) {
	if days <= 0 || days > MaxTrendDays {
		return nil, fmt.Errorf("%w: trend length must be 1..%d days", ErrInvalidWindow, MaxTrendDays)
	}

	ctx, span := a.tracer.Start(ctx, "adherence_trend",
		trace.WithAttributes(attribute.Int("days", days)))
	defer span.End()

	end := clock.AddDays(clock.StartOfDay(a.now(), a.location), 1)
	from := clock.AddDays(end, -days)
	stats, err := a.tally(ctx, dose.Filter{PatientID: patientID, From: from, To: end}, dailyBuckets(end, days))
	if err != nil {
		return nil, err
	}
	stats.PatientID = patientID
	stats.AnchorDate = clock.DateKey(a.now(), a.location)
	return stats, nil
}

// ForPrescription returns the statistics over every event of a prescription
func (a *Aggregator) ForPrescription(ctx context.Context, prescriptionID string) (*Stats, error) {
	ctx, span := a.tracer.Start(ctx, "adherence_prescription",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	stats, err := a.tally(ctx, dose.Filter{PrescriptionID: prescriptionID}, nil)
	if err != nil {
		return nil, err
	}
	stats.PrescriptionID = prescriptionID
	return stats, nil
}

// Invalidate evicts the patient's cached windows for today's anchor date
func (a *Aggregator) Invalidate(ctx context.Context, patientID string) {
	if a.cache == nil || patientID == "" {
		return
	}
	date := clock.DateKey(a.now(), a.location)
	keys := []string{
		CacheKey(patientID, KindDaily, date),
		CacheKey(patientID, KindWeekly, date),
		CacheKey(patientID, KindMonthly, date),
	}

	a.mu.Lock()
	a.generations[patientID]++
	err := a.cache.Delete(ctx, keys...)
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn("adherence cache eviction failed",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
}

// HandleLifecycleEvent evicts cached windows for the patient named in a
// published dose lifecycle event.
func (a *Aggregator) HandleLifecycleEvent(ctx context.Context, payload []byte) error {
	ev, err := dose.DecodeLifecycleEvent(payload)
	if err != nil {
		return fmt.Errorf("decode lifecycle event: %w", err)
	}
	a.Invalidate(ctx, ev.PatientID)
	return nil
}

// compute tallies the window ending with the anchor's calendar day. Weekly and
// monthly windows stop at the current instant so doses still ahead today do
// not count against the patient.
func (a *Aggregator) compute(ctx context.Context, patientID string, kind Kind, anchor time.Time) (*Stats, error) {
	end := clock.AddDays(clock.StartOfDay(anchor, a.location), 1)
	to := end

	var (
		from    time.Time
		buckets []Bucket
	)
	switch kind {
	case KindDaily:
		from = clock.AddDays(end, -1)
	case KindWeekly:
		from = clock.AddDays(end, -WeekDays)
		buckets = dailyBuckets(end, WeekDays)
		to = a.capAtNow(end, buckets)
	case KindMonthly:
		from = clock.AddDays(end, -MonthDays)
		buckets = weeklyBuckets(end, MonthBuckets)
		to = a.capAtNow(end, buckets)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidWindow, kind)
	}

	stats, err := a.tally(ctx, dose.Filter{PatientID: patientID, From: from, To: to}, buckets)
	if err != nil {
		return nil, err
	}
	stats.PatientID = patientID
	stats.Kind = kind
	stats.AnchorDate = clock.DateKey(anchor, a.location)
	return stats, nil
}

// capAtNow returns the earlier of end and now, shortening the last bucket to match
func (a *Aggregator) capAtNow(end time.Time, buckets []Bucket) time.Time {
	now := a.now()
	if !now.Before(end) {
		return end
	}
	if n := len(buckets); n > 0 && now.After(buckets[n-1].Start) {
		buckets[n-1].End = now
	}
	return now
}

// tally counts events matching f into the totals and into buckets
func (a *Aggregator) tally(ctx context.Context, f dose.Filter, buckets []Bucket) (*Stats, error) {
	events, err := a.events.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list dose events: %w", err)
	}

	stats := &Stats{From: f.From, To: f.To, Breakdown: buckets, ComputedAt: a.now().UTC()}
	for _, e := range events {
		stats.Counts.Add(e.Status)
		for i := range stats.Breakdown {
			b := &stats.Breakdown[i]
			if !e.ScheduledTime.Before(b.Start) && e.ScheduledTime.Before(b.End) {
				b.Counts.Add(e.Status)
				break
			}
		}
	}

	stats.Percentage = stats.Counts.Rate()
	for i := range stats.Breakdown {
		stats.Breakdown[i].Percentage = stats.Breakdown[i].Counts.Rate()
	}
	return stats, nil
}

func (a *Aggregator) cacheGet(ctx context.Context, key string) (*Stats, bool) {
	if a.cache == nil {
		return nil, false
	}
	s, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.metrics.ObserveCache("error")
		a.logger.Warn("adherence cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		a.metrics.ObserveCache("miss")
		return nil, false
	}
	a.metrics.ObserveCache("hit")
	return s, true
}

func (a *Aggregator) generation(patientID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generations[patientID]
}

// cacheSet stores stats unless the patient was invalidated after gen was read
func (a *Aggregator) cacheSet(ctx context.Context, patientID string, gen uint64, key string, stats *Stats) {
	if a.cache == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generations[patientID] != gen {
		a.logger.Debug("adherence window outdated by eviction, not cached", zap.String("key", key))
		return
	}
	if err := a.cache.Set(ctx, key, stats); err != nil {
		a.metrics.ObserveCache("error")
		a.logger.Warn("adherence cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// dailyBuckets returns n one-day buckets ending at end, oldest first
func dailyBuckets(end time.Time, n int) []Bucket {
	buckets := make([]Bucket, 0, n)
	for i := n; i >= 1; i-- {
		start := clock.AddDays(end, -i)
		buckets = append(buckets, Bucket{
			Start: start,
			End:   clock.AddDays(start, 1),
			Label: start.Format("2006-01-02"),
		})
	}
	return buckets
}

// weeklyBuckets returns n non-overlapping seven-day buckets ending at end, oldest first
func weeklyBuckets(end time.Time, n int) []Bucket {
	buckets := make([]Bucket, 0, n)
	for w := n - 1; w >= 0; w-- {
		bucketEnd := clock.AddDays(end, -WeekDays*w)
		start := clock.AddDays(bucketEnd, -WeekDays)
		buckets = append(buckets, Bucket{
			Start: start,
			End:   bucketEnd,
			Label: fmt.Sprintf("%s..%s", start.Format("2006-01-02"), clock.AddDays(bucketEnd, -1).Format("2006-01-02")),
		})
	}
	return buckets
}

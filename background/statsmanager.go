package background

import (
	"context"
	"fmt"
	"hazelstress/metrics"
	"hazelstress/status"
	"hazelstress/traits"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

const (
	StatusKeyLastIteration = "lastIteration"
	StatusKeyCacheSize     = "cacheSize"
	StatusKeyFailures      = "failures"
)

// one hour of samples at the default iteration duration
const maxSizeSamples = 720

type (
	// IterationStats holds the statistics of all stressors during one iteration.
	IterationStats struct {
		Begin      time.Time
		End        time.Time
		Statistics []*Statistics
		// Sampled size of the cache owned by this node or -1 if no sample was available.
		CacheSize int64
	}
	IterationSummary struct {
		Operations []OperationStats
		CacheSize  int64
	}
	// SizeSummary describes the sampled cache sizes. Samples and Max cover the whole run, Mean and
	// P95 the most recent samples.
	SizeSummary struct {
		Samples int
		Mean    float64
		P95     float64
		Max     float64
	}
	// sizeSampler fetches the cache size on its own goroutine, since the call may be slow.
	sizeSampler struct {
		reporter traits.SizeReporter
		request  chan struct{}
		size     atomix.Int64
	}
	statisticsManager struct {
		mu        sync.Mutex
		iteration time.Duration
		stressors func() []*Stressor
		failures  *FailureHolder
		sampler   *sizeSampler
		g         *status.Gatherer
		stats     []IterationStats
		sizes     []float64
		maxSizes  int
		sampled   int
		sizeMax   float64
		cancel    context.CancelFunc
		done      chan struct{}
	}
)

func newSizeSampler(reporter traits.SizeReporter) *sizeSampler {

	s := &sizeSampler{reporter: reporter, request: make(chan struct{}, 1)}
	s.size.Store(-1)
	s.request <- struct{}{}
	return s

}

func (s *sizeSampler) run(ctx context.Context) {

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.request:
		}
		size, err := s.reporter.OwnedSize(ctx)
		if err != nil {
			if ctx.Err() == nil {
				lp.LogStatisticsEvent(fmt.Sprintf("unable to retrieve cache size: %v", err), log.WarnLevel)
			}
			size = -1
		}
		s.size.Store(size)
	}

}

// getAndResetSize returns the last sample and requests the next one.
func (s *sizeSampler) getAndResetSize() int64 {

	size := s.size.Load()
	s.size.Store(-1)
	select {
	case s.request <- struct{}{}:
	default:
	}
	return size

}

func newStatisticsManager(c StatsConfig, stressors func() []*Stressor, failures *FailureHolder, reporter traits.SizeReporter, g *status.Gatherer) *statisticsManager {

	m := &statisticsManager{
		iteration: c.IterationDuration,
		stressors: stressors,
		failures:  failures,
		g:         g,
		maxSizes:  maxSizeSamples,
	}
	if c.SizeSamplingEnabled && reporter != nil {
		m.sampler = newSizeSampler(reporter)
	}
	return m

}

func (m *statisticsManager) start() {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stats == nil {
		m.stats = []IterationStats{}
	}
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	if m.sampler != nil {
		go m.sampler.run(ctx)
	}
	go m.collect(ctx, m.done)

}

func (m *statisticsManager) stop() {

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	lp.LogStatisticsEvent("statistics collection stopped", log.DebugLevel)

}

func (m *statisticsManager) collect(ctx context.Context, done chan struct{}) {

	defer close(done)

	// the first iteration would cover the time before statistics were started
	m.gather()

	ticker := time.NewTicker(m.iteration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			it := m.gather()
			m.mu.Lock()
			if m.stats != nil {
				m.stats = append(m.stats, it)
			}
			m.mu.Unlock()
			m.publish(it)
		}
	}

}

func (m *statisticsManager) gather() IterationStats {

	it := IterationStats{End: time.Now(), CacheSize: -1}
	for _, s := range m.stressors() {
		snapshot := s.snapshot(true)
		if it.Begin.IsZero() || snapshot.Begin().Before(it.Begin) {
			it.Begin = snapshot.Begin()
		}
		it.Statistics = append(it.Statistics, snapshot)
	}
	if it.Begin.IsZero() {
		it.Begin = it.End
	}
	if m.sampler != nil {
		it.CacheSize = m.sampler.getAndResetSize()
	}
	return it

}

func (m *statisticsManager) publish(it IterationStats) {

	summary := it.Summary()
	var requests, errs int64
	for _, op := range summary.Operations {
		requests += op.Requests
		errs += op.Errors
	}
	lp.LogStatisticsEvent(fmt.Sprintf("iteration of %s: %s requests, %s errors, cache size %s",
		it.End.Sub(it.Begin).Round(time.Millisecond), humanize.Comma(requests), humanize.Comma(errs), humanize.Comma(it.CacheSize)), log.InfoLevel)

	if it.CacheSize >= 0 {
		metrics.CacheSize.Set(float64(it.CacheSize))
		m.recordSize(float64(it.CacheSize))
	}

	if m.g == nil {
		return
	}
	m.g.Publish(status.Update{Key: StatusKeyLastIteration, Value: summary})
	m.g.Publish(status.Update{Key: StatusKeyCacheSize, Value: m.sizeSummary()})
	m.g.Publish(status.Update{Key: StatusKeyFailures, Value: m.failures.Counts()})

}

// gathered returns and clears the iterations collected so far, or nil if statistics have not
// been started since the last call.
func (m *statisticsManager) gathered() []IterationStats {

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	m.stats = nil
	return s

}

func (m *statisticsManager) recordSize(size float64) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sizes = append(m.sizes, size)
	if len(m.sizes) > m.maxSizes {
		m.sizes = m.sizes[len(m.sizes)-m.maxSizes:]
	}
	m.sampled++
	if size > m.sizeMax {
		m.sizeMax = size
	}

}

func (m *statisticsManager) sizeSummary() SizeSummary {

	m.mu.Lock()
	samples := append([]float64(nil), m.sizes...)
	summary := SizeSummary{Samples: m.sampled, Max: m.sizeMax}
	m.mu.Unlock()

	if len(samples) == 0 {
		return summary
	}
	summary.Mean, _ = stats.Mean(samples)
	summary.P95, _ = stats.Percentile(samples, 95)
	return summary

}

// Summary merges the statistics of all stressors of the iteration.
func (it IterationStats) Summary() IterationSummary {

	merged := newStatistics()
	for _, s := range it.Statistics {
		merged.merge(s)
	}
	return IterationSummary{Operations: merged.Summary(), CacheSize: it.CacheSize}

}

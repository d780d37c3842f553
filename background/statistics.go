package background

import (
	"hazelstress/metrics"
	"hazelstress/traits"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	lowestTrackableMicros  = 1
	highestTrackableMicros = int64(time.Minute / time.Microsecond)
	significantFigures     = 3
)

type (
	// Statistics collects latencies and error counts per operation kind for one stressor.
	Statistics struct {
		mu         sync.Mutex
		begin      time.Time
		histograms map[traits.Operation]*hdrhistogram.Histogram
		errors     map[traits.Operation]int64
	}
	OperationStats struct {
		Operation  traits.Operation
		Requests   int64
		Errors     int64
		MeanMicros float64
		P50Micros  int64
		P99Micros  int64
		MaxMicros  int64
	}
)

func newStatistics() *Statistics {

	return &Statistics{
		begin:      time.Now(),
		histograms: map[traits.Operation]*hdrhistogram.Histogram{},
		errors:     map[traits.Operation]int64{},
	}

}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestTrackableMicros, highestTrackableMicros, significantFigures)
}

// record accounts for one request of kind op that started at start.
func (s *Statistics) record(op traits.Operation, start time.Time, err error) {

	took := time.Since(start)

	s.mu.Lock()
	{
		if err != nil {
			s.errors[op]++
		} else {
			h, ok := s.histograms[op]
			if !ok {
				h = newHistogram()
				s.histograms[op] = h
			}
			micros := took.Microseconds()
			if micros < lowestTrackableMicros {
				micros = lowestTrackableMicros
			} else if micros > highestTrackableMicros {
				micros = highestTrackableMicros
			}
			_ = h.RecordValue(micros)
		}
	}
	s.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(string(op), outcome).Inc()
	if err == nil {
		metrics.OperationDuration.WithLabelValues(string(op)).Observe(took.Seconds())
	}

}

// snapshot returns a copy of the collected data and, if reset is set, starts over.
func (s *Statistics) snapshot(reset bool) *Statistics {

	s.mu.Lock()
	defer s.mu.Unlock()

	c := newStatistics()
	c.begin = s.begin
	c.merge(s)

	if reset {
		s.begin = time.Now()
		s.histograms = map[traits.Operation]*hdrhistogram.Histogram{}
		s.errors = map[traits.Operation]int64{}
	}
	return c

}

// merge adds the data of o into s; the caller must hold the lock of o if o is shared.
func (s *Statistics) merge(o *Statistics) {

	if o.begin.Before(s.begin) {
		s.begin = o.begin
	}
	for op, h := range o.histograms {
		target, ok := s.histograms[op]
		if !ok {
			target = newHistogram()
			s.histograms[op] = target
		}
		target.Merge(h)
	}
	for op, n := range o.errors {
		s.errors[op] += n
	}

}

func (s *Statistics) Begin() time.Time {
	return s.begin
}

func (s *Statistics) Summary() []OperationStats {

	s.mu.Lock()
	defer s.mu.Unlock()

	ops := map[traits.Operation]struct{}{}
	for op := range s.histograms {
		ops[op] = struct{}{}
	}
	for op := range s.errors {
		ops[op] = struct{}{}
	}

	result := make([]OperationStats, 0, len(ops))
	for op := range ops {
		entry := OperationStats{Operation: op, Errors: s.errors[op]}
		if h, ok := s.histograms[op]; ok {
			entry.Requests = h.TotalCount()
			entry.MeanMicros = h.Mean()
			entry.P50Micros = h.ValueAtQuantile(50)
			entry.P99Micros = h.ValueAtQuantile(99)
			entry.MaxMicros = h.Max()
		}
		entry.Requests += entry.Errors
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Operation < result[j].Operation })
	return result

}

package background

import (
	"context"
	"fmt"
	"hazelstress/metrics"
	"time"

	"code.hybscloud.com/atomix"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Stressor drives one Logic on its own goroutine until asked to terminate.
type Stressor struct {
	threadID   int
	localIndex int
	logic      Logic
	stats      *Statistics
	delay      time.Duration
	limiter    *rate.Limiter
	terminate  atomix.Bool
	running    atomix.Bool
}

func newStressor(threadID, localIndex int, g GeneralConfig) *Stressor {

	s := &Stressor{
		threadID:   threadID,
		localIndex: localIndex,
		stats:      newStatistics(),
		delay:      g.DelayBetweenRequests,
	}
	if g.MaxOpsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(g.MaxOpsPerSecond), 1)
	}
	return s

}

func (s *Stressor) id() int {
	return s.threadID
}

func (s *Stressor) isTerminated() bool {
	return s.terminate.Load()
}

func (s *Stressor) requestTerminate() {
	s.terminate.Store(true)
}

func (s *Stressor) statistics() *Statistics {
	return s.stats
}

func (s *Stressor) run(ctx context.Context) {

	s.running.Store(true)
	metrics.StressorsRunning.Inc()
	defer func() {
		s.running.Store(false)
		metrics.StressorsRunning.Dec()
	}()

	if err := s.logic.Init(ctx); err != nil {
		lp.LogStressorEvent(fmt.Sprintf("unable to initialize stressor: %v", err), s.threadID, log.ErrorLevel)
		return
	}

	lp.LogStressorEvent("starting stressor", s.threadID, log.DebugLevel)
	for !s.isTerminated() && ctx.Err() == nil {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := s.logic.Invoke(ctx); err != nil {
			lp.LogStressorEvent(fmt.Sprintf("stressor failed: %v", err), s.threadID, log.ErrorLevel)
			break
		}
		if s.delay > 0 && !sleep(ctx, s.delay) {
			break
		}
	}

	if err := s.logic.Finish(ctx); err != nil {
		lp.LogStressorEvent(fmt.Sprintf("error while finishing stressor: %v", err), s.threadID, log.ErrorLevel)
	}
	lp.LogStressorEvent("stressor terminated", s.threadID, log.DebugLevel)

}

func (s *Stressor) snapshot(reset bool) *Statistics {
	return s.stats.snapshot(reset)
}

func (s *Stressor) Status() string {

	state := "terminated"
	if s.running.Load() {
		state = "running"
	}
	return fmt.Sprintf("Stressor %d (%s): %s", s.threadID, state, s.logic.Status())

}

package background

import (
	"context"
	"hazelstress/loadsupport"
	"hazelstress/traits"
	"time"
)

type (
	// Logic performs the operations of one stressor. Implementations are not safe for concurrent
	// use except for Status, which may be called from any goroutine.
	Logic interface {
		// Init runs on the stressor goroutine before the first Invoke.
		Init(ctx context.Context) error
		// Invoke performs exactly one logical operation.
		Invoke(ctx context.Context) error
		// Finish flushes pending transactional state.
		Finish(ctx context.Context) error
		Status() string
	}
	// progressReporter is implemented by logics that persist checkpoints.
	progressReporter interface {
		LastConfirmedOperationID() int64
	}
	// logicWorker is the view a logic has of the stressor running it.
	logicWorker interface {
		id() int
		isTerminated() bool
		requestTerminate()
		statistics() *Statistics
	}
	nodeLiveness interface {
		isNodeAlive(ctx context.Context, nodeIndex int) bool
	}
	// environment holds everything the manager shares with the logics it creates.
	environment struct {
		general       GeneralConfig
		legacy        LegacyConfig
		log           LogConfig
		nodeIndex     int
		clusterSize   int
		cache         traits.Cache
		conditional   traits.ConditionalCache
		transactional traits.Transactional
		keys          traits.KeyGenerator
		values        loadsupport.ValueGenerator
		failures      *FailureHolder
		liveness      nodeLiveness
	}
)

func (e *environment) totalThreads() int {
	return e.general.NumThreads * e.clusterSize
}

func (e *environment) usesTransactions() bool {
	return e.general.TransactionSize > 0
}

// selectOperation draws an operation proportionally to the configured ratios.
func selectOperation(g GeneralConfig, r *Replay) traits.Operation {

	total := g.totalRatio()
	if total <= 0 {
		return traits.Put
	}
	n := r.Intn(total)
	switch {
	case n < g.Gets:
		return traits.Get
	case n < g.Gets+g.Puts:
		return traits.Put
	default:
		return traits.Remove
	}

}

// sleep waits for d unless ctx is done first; it reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {

	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}

}

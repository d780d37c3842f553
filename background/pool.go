package background

import (
	"context"
	"fmt"
	"hazelstress/traits"
	"strings"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const poolName = "checker-pool"

// CheckerPool owns one StressorRecord per stressor thread of the cluster and hands them out to
// checkers in round-robin fashion. The records live in an arena indexed by thread id; the queue
// only carries indices, so it never holds more than one entry per thread.
//
// The race detector flags the MPMC queue and the relaxed atomix counters used here. These are
// false positives of the lock-free ordering; tests running checkers concurrently skip under
// -race via lfq.RaceEnabled.
type CheckerPool struct {
	records                      []*StressorRecord
	queue                        *lfq.MPMC[int]
	lastStoredOperationTimestamp atomix.Int64
}

var ErrCheckTimedOut = errors.New("waiting for checkers timed out")

func NewCheckerPool(records []*StressorRecord) *CheckerPool {

	capacity := len(records)
	if capacity < 2 {
		capacity = 2
	}
	p := &CheckerPool{
		records: make([]*StressorRecord, len(records)),
		queue:   lfq.NewMPMC[int](capacity),
	}
	p.lastStoredOperationTimestamp.Store(time.Now().UnixMilli())
	for _, r := range records {
		p.records[r.ThreadID()] = r
		p.Add(r)
	}
	lp.LogCheckerEvent(fmt.Sprintf("pool will contain %d records", len(records)), poolName, log.TraceLevel)
	return p

}

func (p *CheckerPool) TotalThreads() int {
	return len(p.records)
}

func (p *CheckerPool) Records() []*StressorRecord {
	return p.records
}

func (p *CheckerPool) record(threadID int) *StressorRecord {

	if threadID < 0 || threadID >= len(p.records) {
		return nil
	}
	return p.records[threadID]

}

// Take returns the next record to check or false if all records are currently being checked.
func (p *CheckerPool) Take() (*StressorRecord, bool) {

	threadID, err := p.queue.Dequeue()
	if err != nil {
		return nil, false
	}
	return p.records[threadID], true

}

func (p *CheckerPool) Add(r *StressorRecord) {

	threadID := r.ThreadID()
	backoff := iox.Backoff{}
	for {
		err := p.queue.Enqueue(&threadID)
		if err == nil {
			return
		}
		if !lfq.IsWouldBlock(err) {
			lp.LogCheckerEvent(fmt.Sprintf("unable to return record %d to pool: %v", threadID, err), poolName, log.ErrorLevel)
			return
		}
		backoff.Wait()
	}

}

func (p *CheckerPool) reportStoredOperation() {
	p.lastStoredOperationTimestamp.Store(time.Now().UnixMilli())
}

// LastStoredOperationTimestamp returns when any checker last confirmed an operation, in
// milliseconds since the epoch.
func (p *CheckerPool) LastStoredOperationTimestamp() int64 {
	return p.lastStoredOperationTimestamp.Load()
}

// RegisterListeners subscribes the pool to created and updated events of the cache.
func (p *CheckerPool) RegisterListeners(ctx context.Context, l traits.Listenable) error {

	if l == nil {
		return traits.ErrListenerUnsupported
	}
	for _, kind := range []traits.ListenerKind{traits.Created, traits.Updated} {
		if !l.SupportsListener(kind) {
			return errors.Wrapf(traits.ErrListenerUnsupported, "kind '%s'", kind)
		}
	}
	for _, kind := range []traits.ListenerKind{traits.Created, traits.Updated} {
		if err := l.AddListener(ctx, kind, p.modified); err != nil {
			return err
		}
	}
	return nil

}

// modified marks the last operation embedded in a log value as notified. Checkpoints written
// by a stressor state that notifications are required from the following operation on.
func (p *CheckerPool) modified(key string, value []byte) {

	if threadID, operationID, ok := decodeAnyLogValue(value); ok {
		if r := p.record(threadID); r != nil {
			r.Notify(operationID, key)
		}
		return
	}
	threadID, ok := threadIDFromLastOperationKey(key)
	if !ok {
		return
	}
	last, err := decodeLastOperation(value)
	if err != nil || last == nil {
		return
	}
	if r := p.record(threadID); r != nil {
		r.RequireNotify(last.OperationID + 1)
	}

}

// WaitUntilChecked blocks until checkers have confirmed every operation the stressors persisted
// a checkpoint for. It fails if a record has not been checked successfully within timeout.
func (p *CheckerPool) WaitUntilChecked(ctx context.Context, c traits.Cache, timeout time.Duration) error {

	for _, r := range p.records {
		b, err := c.Get(ctx, lastOperationKey(r.ThreadID()))
		if err != nil {
			lp.LogCheckerEvent(fmt.Sprintf("failed to read last operation key for thread %d: %v", r.ThreadID(), err), poolName, log.ErrorLevel)
			continue
		}
		last, err := decodeLastOperation(b)
		if err != nil {
			lp.LogCheckerEvent(fmt.Sprintf("invalid last operation of thread %d: %v", r.ThreadID(), err), poolName, log.ErrorLevel)
			continue
		}
		if last == nil {
			lp.LogCheckerEvent(fmt.Sprintf("thread %d has no recorded operation", r.ThreadID()), poolName, log.TraceLevel)
			continue
		}
		r.AddConfirmation(last.OperationID, last.Timestamp)
	}

	for {
		allChecked := true
		now := time.Now().UnixMilli()
		for _, r := range p.records {
			if r.CurrentConfirmationTimestamp() < 0 {
				continue
			}
			allChecked = false
			if waited := now - r.LastSuccessfulCheckTimestamp(); waited > timeout.Milliseconds() {
				err := errors.Wrapf(ErrCheckTimedOut, "record [%s] not checked for %d ms", r.Status(), waited)
				lp.LogCheckerEvent(err.Error(), poolName, log.ErrorLevel)
				return err
			}
			lp.LogCheckerEvent(r.Status(), poolName, log.TraceLevel)
			break
		}
		if allChecked {
			lp.LogCheckerEvent("all checks OK: "+p.summary(), poolName, log.DebugLevel)
			return nil
		}
		if !sleep(ctx, time.Second) {
			return ctx.Err()
		}
	}

}

func (p *CheckerPool) summary() string {

	parts := make([]string, 0, len(p.records))
	for _, r := range p.records {
		parts = append(parts, fmt.Sprintf("%d# %d (%d)", r.ThreadID(), r.OperationID(), r.LastConfirmedOperationID()))
	}
	return strings.Join(parts, ", ")

}

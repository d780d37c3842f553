package background

import (
	"bytes"
	"context"
	"fmt"
	"hazelstress/metrics"
	"math"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	log "github.com/sirupsen/logrus"
)

const (
	unsuccessfulCheckMinDelay = 10 * time.Millisecond
	// bound on re-reading a shared key pair that keeps changing under the checker
	maxSharedFindAttempts = 100
)

type (
	// loggedValue is a decoded log value as seen by a checker.
	loggedValue interface {
		containsOperation(threadID int, operationID int64) bool
		String() string
	}
	// valueFinder locates the value a record's current operation should be recorded in.
	valueFinder interface {
		findValue(ctx context.Context, r *StressorRecord) (loggedValue, error)
	}
	// LogChecker verifies that the operations of all stressors in the cluster are visible in the
	// cache. Checkers share their records through a CheckerPool.
	LogChecker struct {
		name      string
		env       *environment
		pool      *CheckerPool
		finder    valueFinder
		terminate atomix.Bool
	}
	privateValueFinder struct {
		env *environment
	}
	sharedValueFinder struct {
		env *environment
	}
)

func newLogChecker(index int, env *environment, pool *CheckerPool) *LogChecker {

	c := &LogChecker{env: env, pool: pool}
	if env.general.SharedKeys {
		c.name = fmt.Sprintf("shared-checker-%d", index)
		c.finder = sharedValueFinder{env}
	} else {
		c.name = fmt.Sprintf("private-checker-%d", index)
		c.finder = privateValueFinder{env}
	}
	return c

}

func (v *PrivateLogValue) containsOperation(threadID int, operationID int64) bool {
	return v.threadID == threadID && v.Contains(operationID)
}

func (v *SharedLogValue) containsOperation(threadID int, operationID int64) bool {
	return v.Contains(threadID, operationID)
}

func (c *LogChecker) requestTerminate() {
	c.terminate.Store(true)
}

func (c *LogChecker) terminated(ctx context.Context) bool {
	return ctx.Err() != nil || c.terminate.Load()
}

func (c *LogChecker) run(ctx context.Context) {

	metrics.CheckersRunning.Inc()
	defer metrics.CheckersRunning.Dec()

	lp.LogCheckerEvent("starting checker", c.name, log.DebugLevel)
	delayedKeys := 0
	backoff := iox.Backoff{}
	for !c.terminated(ctx) {
		if delayedKeys > c.pool.TotalThreads() {
			sleep(ctx, unsuccessfulCheckMinDelay)
		}
		r, ok := c.pool.Take()
		if !ok {
			backoff.Wait()
			continue
		}
		backoff.Reset()

		if time.Now().UnixMilli() < r.LastUnsuccessfulCheckTimestamp()+unsuccessfulCheckMinDelay.Milliseconds() {
			delayedKeys++
		} else {
			delayedKeys = 0
			if err := c.check(ctx, r); err != nil && ctx.Err() == nil {
				lp.LogCheckerEvent(fmt.Sprintf("cannot check value for key '%s': %v", c.env.keys.GenerateKey(r.KeyID()), err), c.name, log.ErrorLevel)
			}
		}
		c.pool.Add(r)
	}
	lp.LogCheckerEvent("checker terminated", c.name, log.DebugLevel)

}

// check verifies the current operation of r and advances r if it was found or if it is overdue.
func (c *LogChecker) check(ctx context.Context, r *StressorRecord) error {

	threadID := r.ThreadID()

	if r.LastUnsuccessfulCheckTimestamp() > math.MinInt64 {
		// grab the checkpoint before the value, so that a confirmed write cannot be missed
		if err := c.refreshConfirmation(ctx, r); err != nil {
			return err
		}
	}

	if r.OperationID() == 0 {
		b, err := c.env.cache.Get(ctx, checkerKey(c.env.nodeIndex, threadID))
		if err != nil {
			return err
		}
		last, err := decodeLastOperation(b)
		if err != nil {
			return err
		}
		if last != nil {
			r.Restore(last.OperationID, last.Seed)
		}
		if _, err := c.checkIgnoreRecord(ctx, r); err != nil {
			return err
		}
		if r.OperationID() != 0 {
			lp.LogCheckerEvent(fmt.Sprintf("check for thread %d continues from operation %d", threadID, r.OperationID()), c.name, log.DebugLevel)
		}
	}

	operationID := r.OperationID()
	keyID := r.KeyID()
	lp.LogCheckerEvent(fmt.Sprintf("checking operation %d for thread %d on key %d (%s)", operationID, threadID, keyID, c.env.keys.GenerateKey(keyID)), c.name, log.TraceLevel)

	notification := r.HasNotification(operationID)
	value, err := c.finder.findValue(ctx, r)
	if err != nil {
		return err
	}
	contains := value != nil && value.containsOperation(threadID, operationID)

	if notification && contains {
		if operationID%int64(c.env.log.CounterUpdatePeriod) == 0 {
			last := newLastOperation(operationID, r.Seed())
			if err := c.env.cache.Put(ctx, checkerKey(c.env.nodeIndex, threadID), encodeLastOperation(last)); err != nil {
				return err
			}
		}
		r.Next()
		r.SetLastUnsuccessfulCheckTimestamp(math.MinInt64)
		r.SetLastSuccessfulCheckTimestamp(time.Now().UnixMilli())
		c.pool.reportStoredOperation()
		metrics.CheckedOperationsTotal.Inc()
		return nil
	}

	confirmationTimestamp := r.CurrentConfirmationTimestamp()
	maxDelay := c.env.log.WriteApplyMaxDelay
	if confirmationTimestamp >= 0 && (maxDelay <= 0 || time.Now().UnixMilli() > confirmationTimestamp+maxDelay.Milliseconds()) {
		ignored, err := c.checkIgnoreRecord(ctx, r)
		if err != nil || ignored {
			return err
		}
		key := c.env.keys.GenerateKey(keyID)
		if !notification {
			lp.LogCheckerEvent(fmt.Sprintf("missing notification for operation %d for thread %d on key %d (%s), record: %s",
				operationID, threadID, keyID, key, r.Status()), c.name, log.ErrorLevel)
			c.env.failures.ReportMissingNotification()
			c.debugFailure(ctx, r)
		}
		if !contains {
			lost := ""
			if value == nil {
				lost = " - entry was completely lost"
			}
			lp.LogCheckerEvent(fmt.Sprintf("missing operation %d for thread %d on key %d (%s)%s, not found in %v",
				operationID, threadID, keyID, key, lost, value), c.name, log.ErrorLevel)
			c.env.failures.ReportMissingOperation()
			c.debugFailure(ctx, r)
		}
		r.Next()
		return nil
	}

	now := time.Now().UnixMilli()
	lp.LogCheckerEvent(fmt.Sprintf("check of record %s unsuccessful, setting timestamp to %d", r.Status(), now), c.name, log.TraceLevel)
	r.SetLastUnsuccessfulCheckTimestamp(now)
	return nil

}

func (c *LogChecker) refreshConfirmation(ctx context.Context, r *StressorRecord) error {

	b, err := c.env.cache.Get(ctx, lastOperationKey(r.ThreadID()))
	if err != nil {
		return err
	}
	last, err := decodeLastOperation(b)
	if err != nil {
		return err
	}
	if last != nil {
		r.AddConfirmation(last.OperationID, last.Timestamp)
	}
	return nil

}

// checkIgnoreRecord skips the operations a stressor declared as ignored for this node's checkers
// while the node was considered dead.
func (c *LogChecker) checkIgnoreRecord(ctx context.Context, r *StressorRecord) (bool, error) {

	if !c.env.log.IgnoreDeadCheckers {
		return false, nil
	}
	b, err := c.env.cache.Get(ctx, ignoredKey(c.env.nodeIndex, r.ThreadID()))
	if err != nil {
		return false, err
	}
	ignored, ok, err := decodeNumber(b)
	if err != nil || !ok || r.OperationID() > ignored {
		return false, err
	}
	lp.LogCheckerEvent(fmt.Sprintf("operations %d - %d for thread %d are ignored", r.OperationID(), ignored, r.ThreadID()), c.name, log.DebugLevel)
	for r.OperationID() <= ignored {
		r.Next()
	}
	return true, nil

}

// debugFailure dumps what is known about the key of a failed check.
func (c *LogChecker) debugFailure(ctx context.Context, r *StressorRecord) {

	if !c.env.log.DebugFailures {
		return
	}
	lp.LogCheckerEvent("debug info for failed check: "+r.Status(), c.name, log.InfoLevel)
	if b, err := c.env.cache.Get(ctx, lastOperationKey(r.ThreadID())); err == nil {
		last, _ := decodeLastOperation(b)
		lp.LogCheckerEvent(fmt.Sprintf("stressor checkpoint: %v", last), c.name, log.InfoLevel)
	}
	for _, keyID := range []int64{r.KeyID(), ^r.KeyID()} {
		key := c.env.keys.GenerateKey(keyID)
		b, err := c.env.cache.Get(ctx, key)
		if err != nil {
			lp.LogCheckerEvent(fmt.Sprintf("cannot read key '%s': %v", key, err), c.name, log.InfoLevel)
			continue
		}
		lp.LogCheckerEvent(fmt.Sprintf("key '%s' holds %s", key, describeValue(b)), c.name, log.InfoLevel)
	}

}

func describeValue(b []byte) string {

	if b == nil {
		return "<nil>"
	}
	if v, err := decodePrivateLogValue(b); err == nil {
		return v.String()
	}
	if v, err := decodeSharedLogValue(b); err == nil {
		return v.String()
	}
	return fmt.Sprintf("%d bytes of unknown type", len(b))

}

// findValue returns the value of the record's key, or of its complement if only the complement
// holds the operation because a remove moved the value.
func (f privateValueFinder) findValue(ctx context.Context, r *StressorRecord) (loggedValue, error) {

	keyID := r.KeyID()
	main, err := f.get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if main != nil && main.containsOperation(r.ThreadID(), r.OperationID()) {
		return main, nil
	}
	backup, err := f.get(ctx, ^keyID)
	if err != nil {
		return nil, err
	}
	switch {
	case backup != nil:
		return backup, nil
	case main != nil:
		return main, nil
	}
	return nil, nil

}

func (f privateValueFinder) get(ctx context.Context, keyID int64) (*PrivateLogValue, error) {

	b, err := f.env.cache.Get(ctx, f.env.keys.GenerateKey(keyID))
	if err != nil {
		return nil, err
	}
	return decodePrivateLogValue(b)

}

// findValue reads the key, its complement and the key again. Concurrent stressors may move the
// value between the two slots at any time, so an operation missing from both reads only counts
// if the key did not change in between.
func (f sharedValueFinder) findValue(ctx context.Context, r *StressorRecord) (loggedValue, error) {

	threadID, operationID := r.ThreadID(), r.OperationID()
	keyID := r.KeyID()

	var last loggedValue
	for i := 0; i < maxSharedFindAttempts && ctx.Err() == nil; i++ {
		first, firstRaw, err := f.get(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if first != nil && first.containsOperation(threadID, operationID) {
			return first, nil
		}
		backup, _, err := f.get(ctx, ^keyID)
		if err != nil {
			return nil, err
		}
		if backup != nil && backup.containsOperation(threadID, operationID) {
			return backup, nil
		}
		second, secondRaw, err := f.get(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if second != nil && second.containsOperation(threadID, operationID) {
			return second, nil
		}

		last = nil
		switch {
		case second != nil:
			last = second
		case backup != nil:
			last = backup
		}
		if bytes.Equal(firstRaw, secondRaw) {
			return last, nil
		}
	}
	return last, ctx.Err()

}

func (f sharedValueFinder) get(ctx context.Context, keyID int64) (*SharedLogValue, []byte, error) {

	b, err := f.env.cache.Get(ctx, f.env.keys.GenerateKey(keyID))
	if err != nil {
		return nil, nil, err
	}
	v, err := decodeSharedLogValue(b)
	return v, b, err

}

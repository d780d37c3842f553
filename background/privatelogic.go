package background

import (
	"bytes"
	"context"
	"fmt"
	"hazelstress/traits"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const staleReadBackoff = 5 * time.Second

type (
	operationTimestamp struct {
		operationID int64
		timestamp   time.Time
	}
	keyOperation struct {
		keyID       int64
		operationID int64
	}
	// privateLogLogic writes to keys owned exclusively by its stressor thread.
	privateLogLogic struct {
		*logLogic
		// Last write per key. Any read could be stale, so the cache itself cannot tell us whether a
		// value we read is current.
		timestamps map[int64]operationTimestamp
		// keys written within the current transaction, moved to timestamps on commit
		txModifications []keyOperation
		// highest operation pruned per key within the current transaction
		maxPrunedOperationIDs map[int64]int64
	}
)

var ErrUnexpectedRemovedValue = errors.New("removed value differs from the expected one")

func newPrivateLogLogic(env *environment, w logicWorker, keyRange KeyRange) *privateLogLogic {

	p := &privateLogLogic{
		logLogic:              newLogLogic(env, w, keyRange),
		timestamps:            map[int64]operationTimestamp{},
		maxPrunedOperationIDs: map[int64]int64{},
	}
	p.strategy = p
	return p

}

func (p *privateLogLogic) invokeLogic(ctx context.Context, keyID int64) (bool, error) {

	operation := selectOperation(p.env.general, p.operationSelector)
	operationID := p.operationID.Load()

	prevOperation, written := p.timestamps[keyID]
	prevValue, err := p.checkedGetValue(ctx, keyID)
	if err != nil {
		return false, err
	}

	var backupValue *PrivateLogValue
	if written && (prevValue == nil || !prevValue.Contains(prevOperation.operationID)) {
		// either an old value that has not been cleaned up yet or a stale read
		if backupValue, err = p.checkedGetValue(ctx, ^keyID); err != nil {
			return false, err
		}
		pruned, ok := p.maxPrunedOperationIDs[keyID]
		valuePruned := p.env.usesTransactions() && ok && pruned >= prevOperation.operationID
		if (backupValue == nil || !backupValue.Contains(prevOperation.operationID)) && !valuePruned {
			lp.LogStressorEvent(fmt.Sprintf("detected stale read, keyId=%d, previousValue=%v, complementValue=%v", keyID, prevValue, backupValue), p.w.id(), log.DebugLevel)
			p.waitForStaleRead(ctx, prevOperation.timestamp)
			return false, nil
		}
		if !valuePruned {
			prevValue = nil
		}
	}

	switch {
	case operation == traits.Get:
		return false, ErrGetNotAllowed
	case prevValue == nil || operation == traits.Put:
		var nextValue *PrivateLogValue
		if prevValue != nil {
			nextValue, err = p.nextValue(ctx, keyID, prevValue)
		} else {
			// the value may have been moved to the complement key by a remove
			if backupValue == nil {
				if backupValue, err = p.checkedGetValue(ctx, ^keyID); err != nil {
					return false, err
				}
			}
			if backupValue == nil {
				nextValue = NewPrivateLogValue(p.w.id(), operationID)
			} else {
				nextValue, err = p.nextValue(ctx, keyID, backupValue)
			}
		}
		if err != nil || nextValue == nil {
			return false, err
		}
		if err := p.req.put(ctx, p.cache, p.env.keys.GenerateKey(keyID), nextValue.encode()); err != nil {
			return false, err
		}
		if backupValue != nil {
			if err := p.delayedRemoveValue(ctx, ^keyID, backupValue.encode()); err != nil {
				return false, err
			}
		}
	default:
		nextValue, err := p.nextValue(ctx, keyID, prevValue)
		if err != nil || nextValue == nil {
			return false, err
		}
		if err := p.req.put(ctx, p.cache, p.env.keys.GenerateKey(^keyID), nextValue.encode()); err != nil {
			return false, err
		}
		if err := p.delayedRemoveValue(ctx, keyID, prevValue.encode()); err != nil {
			return false, err
		}
	}

	if p.env.usesTransactions() {
		p.txModifications = append(p.txModifications, keyOperation{keyID, operationID})
	} else {
		p.timestamps[keyID] = operationTimestamp{operationID, time.Now()}
	}
	return true, nil

}

// waitForStaleRead gives a write that may not have been applied yet some time to become visible.
// Without a configured apply delay, or once it has passed, the stale read is reported and the
// stressor terminates.
func (p *privateLogLogic) waitForStaleRead(ctx context.Context, lastWrite time.Time) {

	maxDelay := p.env.log.WriteApplyMaxDelay
	if maxDelay > 0 && time.Since(lastWrite) < maxDelay {
		lp.LogStressorEvent(fmt.Sprintf("last write was at %s, waiting %s to evade stale reads", lastWrite.Format(time.StampMilli), staleReadBackoff), p.w.id(), log.DebugLevel)
		sleep(ctx, staleReadBackoff)
		return
	}

	p.env.failures.ReportStaleRead()
	p.w.requestTerminate()

}

// nextValue appends the current operation to prevValue. Once the value is full, it waits until the
// checkers have confirmed its oldest operations and drops them.
func (p *privateLogLogic) nextValue(ctx context.Context, keyID int64, prevValue *PrivateLogValue) (*PrivateLogValue, error) {

	operationID := p.operationID.Load()
	if prevValue.Size() < p.env.log.ValueMaxSize {
		return prevValue.With(operationID), nil
	}

	var checked int
	for {
		if p.terminated(ctx) {
			return nil, nil
		}
		minChecked, err := p.checkedOperation(ctx, p.w.id(), prevValue.OperationID(0))
		if err != nil {
			if errors.Is(err, errBreakTransaction) {
				return nil, err
			}
			lp.LogStressorEvent(fmt.Sprintf("cannot determine checked operations: %v", err), p.w.id(), log.ErrorLevel)
			return nil, nil
		}
		if prevValue.OperationID(0) <= minChecked {
			checked = 1
			for checked < prevValue.Size() && prevValue.OperationID(checked) <= minChecked {
				checked++
			}
			break
		}
		if !sleep(ctx, 100*time.Millisecond) {
			return nil, nil
		}
	}

	if p.env.usesTransactions() {
		p.maxPrunedOperationIDs[keyID] = prevValue.OperationID(checked - 1)
	}
	return prevValue.Shift(checked, operationID), nil

}

// checkedGetValue treats keys scheduled for removal in the current transaction as absent.
func (p *privateLogLogic) checkedGetValue(ctx context.Context, keyID int64) (*PrivateLogValue, error) {

	if _, removed := p.delayedRemoves[keyID]; removed {
		return nil, nil
	}
	b, err := p.req.get(ctx, p.cache, p.env.keys.GenerateKey(keyID))
	if err != nil {
		return nil, err
	}
	v, err := decodePrivateLogValue(b)
	if err != nil {
		lp.LogStressorEvent(fmt.Sprintf("value of key %d is not a private log value: %v", keyID, err), p.w.id(), log.ErrorLevel)
		return nil, err
	}
	return v, nil

}

func (p *privateLogLogic) checkedRemoveValue(ctx context.Context, keyID int64, expected []byte) (bool, error) {

	removed, err := p.req.getAndRemove(ctx, p.cache, p.env.keys.GenerateKey(keyID))
	if err != nil {
		return false, err
	}
	if bytes.Equal(removed, expected) {
		return true, nil
	}

	if removed != nil {
		if _, err := decodePrivateLogValue(removed); err != nil {
			lp.LogStressorEvent(fmt.Sprintf("removed value of key %d is not a private log value: %v", keyID, err), p.w.id(), log.ErrorLevel)
			return false, err
		}
	}
	if !p.env.log.CheckDelayedRemoveExpectedValue {
		return true, nil
	}

	expectedValue, _ := decodePrivateLogValue(expected)
	removedValue, _ := decodePrivateLogValue(removed)
	lp.LogStressorEvent(fmt.Sprintf("value is not the expected one: expected %v, found %v", expectedValue, removedValue), p.w.id(), log.ErrorLevel)
	return false, errors.Wrapf(ErrUnexpectedRemovedValue, "key %d", keyID)

}

func (p *privateLogLogic) afterRollback() {

	clear(p.delayedRemoves)
	p.txModifications = p.txModifications[:0]
	clear(p.maxPrunedOperationIDs)

}

func (p *privateLogLogic) afterCommit(ctx context.Context) {

	if p.executeDelayedRemoves(ctx) {
		now := time.Now()
		for _, m := range p.txModifications {
			p.timestamps[m.keyID] = operationTimestamp{m.operationID, now}
		}
	}
	p.txModifications = p.txModifications[:0]
	clear(p.maxPrunedOperationIDs)

}

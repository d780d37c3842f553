package background

import (
	"context"
	"fmt"
	"hazelstress/traits"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// sharedLogLogic writes to keys that all stressors of the cluster modify concurrently. Every
// operation must end up recorded in the key or its complement, so only conditional writes are used.
type sharedLogLogic struct {
	*logLogic
}

var ErrConditionalCacheRequired = errors.New("shared keys require a cache supporting conditional operations")

func newSharedLogLogic(env *environment, w logicWorker, keyRange KeyRange) (*sharedLogLogic, error) {

	if env.conditional == nil {
		return nil, ErrConditionalCacheRequired
	}
	s := &sharedLogLogic{newLogLogic(env, w, keyRange)}
	s.strategy = s
	return s, nil

}

func (s *sharedLogLogic) invokeLogic(ctx context.Context, keyID int64) (bool, error) {

	operation := selectOperation(s.env.general, s.operationSelector)

	var prevValue, backupValue, nextValue *SharedLogValue
	for {
		var err error
		if prevValue, err = s.checkedGetValue(ctx, keyID); err != nil {
			return false, err
		}
		if backupValue, err = s.checkedGetValue(ctx, ^keyID); err != nil {
			return false, err
		}
		if nextValue, err = s.nextValue(ctx, prevValue, backupValue); err != nil {
			return false, err
		}
		if s.terminated(ctx) {
			return false, nil
		}
		if nextValue != nil {
			break
		}
		sleep(ctx, 100*time.Millisecond)
	}

	switch operation {
	case traits.Put:
		ok, err := s.checkedPutValue(ctx, keyID, prevValue, nextValue)
		if err != nil || !ok {
			return false, err
		}
		if backupValue != nil {
			return true, s.delayedRemoveValue(ctx, ^keyID, backupValue.encode())
		}
	case traits.Remove:
		ok, err := s.checkedPutValue(ctx, ^keyID, backupValue, nextValue)
		if err != nil || !ok {
			return false, err
		}
		if prevValue != nil {
			return true, s.delayedRemoveValue(ctx, keyID, prevValue.encode())
		}
	default:
		return false, ErrGetNotAllowed
	}
	return true, nil

}

// nextValue returns nil if the value is full and the checkers have not yet confirmed enough
// operations to make room for the current one.
func (s *sharedLogLogic) nextValue(ctx context.Context, prevValue, backupValue *SharedLogValue) (*SharedLogValue, error) {

	threadID := s.w.id()
	operationID := s.operationID.Load()
	maxSize := s.env.log.ValueMaxSize

	var value *SharedLogValue
	switch {
	case prevValue == nil && backupValue == nil:
		return NewSharedLogValue(threadID, operationID), nil
	case prevValue != nil && backupValue != nil:
		value = prevValue.Join(backupValue)
	case prevValue != nil:
		value = prevValue
	default:
		value = backupValue
	}
	if value.Size() < maxSize {
		return value.With(threadID, operationID), nil
	}
	return s.filterAndAdd(ctx, value)

}

// filterAndAdd drops all operations the checkers have already confirmed before appending.
func (s *sharedLogLogic) filterAndAdd(ctx context.Context, value *SharedLogValue) (*SharedLogValue, error) {

	from := value.MinFrom(s.w.id())
	if from == math.MaxInt64 {
		from = s.operationID.Load()
	}
	checked := make(map[int]int64, s.env.totalThreads())
	for stressorID := 0; stressorID < s.env.totalThreads(); stressorID++ {
		minChecked, err := s.checkedOperation(ctx, stressorID, from)
		if err != nil {
			if errors.Is(err, errBreakTransaction) {
				return nil, err
			}
			lp.LogStressorEvent(fmt.Sprintf("cannot determine checked operations: %v", err), s.w.id(), log.ErrorLevel)
			return nil, nil
		}
		checked[stressorID] = minChecked
	}

	filtered := value.WithChecked(s.w.id(), s.operationID.Load(), checked)
	if filtered.Size() > s.env.log.ValueMaxSize {
		return nil, nil
	}
	return filtered, nil

}

func (s *sharedLogLogic) checkedGetValue(ctx context.Context, keyID int64) (*SharedLogValue, error) {

	b, err := s.req.get(ctx, s.cache, s.env.keys.GenerateKey(keyID))
	if err != nil {
		return nil, err
	}
	v, err := decodeSharedLogValue(b)
	if err != nil {
		lp.LogStressorEvent(fmt.Sprintf("value of key %d is not a shared log value: %v", keyID, err), s.w.id(), log.ErrorLevel)
		return nil, err
	}
	return v, nil

}

// checkedPutValue writes newValue only if the key still holds oldValue.
func (s *sharedLogLogic) checkedPutValue(ctx context.Context, keyID int64, oldValue, newValue *SharedLogValue) (bool, error) {

	key := s.env.keys.GenerateKey(keyID)
	if oldValue == nil {
		return s.req.putIfAbsent(ctx, s.conditional, key, newValue.encode())
	}
	return s.req.replace(ctx, s.conditional, key, oldValue.encode(), newValue.encode())

}

func (s *sharedLogLogic) checkedRemoveValue(ctx context.Context, keyID int64, oldValue []byte) (bool, error) {
	return s.req.removeIfSame(ctx, s.conditional, s.env.keys.GenerateKey(keyID), oldValue)
}

func (s *sharedLogLogic) afterRollback() {
	clear(s.delayedRemoves)
}

func (s *sharedLogLogic) afterCommit(ctx context.Context) {
	s.executeDelayedRemoves(ctx)
}

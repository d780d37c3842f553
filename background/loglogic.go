package background

import (
	"context"
	"fmt"
	"hazelstress/traits"
	"math"
	"sort"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

type (
	// logStrategy is the part of a log logic that differs between private and shared keys.
	logStrategy interface {
		invokeLogic(ctx context.Context, keyID int64) (bool, error)
		checkedRemoveValue(ctx context.Context, keyID int64, oldValue []byte) (bool, error)
		afterRollback()
		afterCommit(ctx context.Context)
	}
	delayedRemove struct {
		keyID    int64
		oldValue []byte
	}
	// logLogic holds the transaction, checkpoint and replay machinery shared by the private and
	// shared log logics.
	logLogic struct {
		env      *environment
		w        logicWorker
		req      requests
		strategy logStrategy
		keyRange KeyRange

		keySelector       *Replay
		operationSelector *Replay

		// current view of the cache, wrapped in the ongoing transaction if there is one
		cache       traits.Cache
		conditional traits.ConditionalCache
		tx          traits.Transaction
		txStart     time.Time

		operationID              atomix.Int64
		keyID                    atomix.Int64
		lastConfirmedOperationID atomix.Int64
		lastSuccessfulOp         atomix.Int64
		lastSuccessfulTx         atomix.Int64

		delayedRemoves       map[int64]delayedRemove
		remainingTxOps       int
		txRolledBack         bool
		txStartOperationID   int64
		txStartKeyID         int64
		txStartKeySeed       int64
		txStartOperationSeed int64
		txFailedAttempts     int
	}
)

var errBreakTransaction = errors.New("transaction has to be committed before the operation can proceed")

func newLogLogic(env *environment, w logicWorker, keyRange KeyRange) *logLogic {

	l := &logLogic{
		env:               env,
		w:                 w,
		req:               requests{w.statistics()},
		keyRange:          keyRange,
		keySelector:       NewReplay(int64(w.id())),
		operationSelector: NewReplay(^int64(w.id())),
		cache:             env.cache,
		conditional:       env.conditional,
		delayedRemoves:    map[int64]delayedRemove{},
		remainingTxOps:    env.general.TransactionSize,
	}
	l.lastConfirmedOperationID.Store(-1)
	l.lastSuccessfulOp.Store(time.Now().UnixMilli())
	l.lastSuccessfulTx.Store(time.Now().UnixMilli())
	return l

}

func (l *logLogic) terminated(ctx context.Context) bool {
	return ctx.Err() != nil || l.w.isTerminated()
}

// Init resumes from the checkpoint the stressor persisted before a restart, if any.
func (l *logLogic) Init(ctx context.Context) error {

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := l.req.get(ctx, l.env.cache, lastOperationKey(l.w.id()))
		if err != nil {
			lp.LogStressorEvent(fmt.Sprintf("failure getting last operation: %v", err), l.w.id(), log.ErrorLevel)
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		last, err := decodeLastOperation(b)
		if err != nil {
			return err
		}
		if last != nil {
			l.operationID.Store(last.OperationID + 1)
			l.keySelector.WithSeed(last.Seed)
			lp.LogStressorEvent(fmt.Sprintf("restarting operations from operation %d", last.OperationID+1), l.w.id(), log.InfoLevel)
		}
		return nil
	}

}

func (l *logLogic) nextKeyID() int64 {

	size := l.keyRange.Size()
	if size <= 0 {
		return l.keyRange.Start
	}
	return l.keyRange.Start + l.keySelector.Int63()%size

}

func (l *logLogic) Invoke(ctx context.Context) error {

	keyID := l.nextKeyID()
	l.keyID.Store(keyID)

	for {
		if l.txRolledBack {
			keyID = l.restoreTransactionStart()
		}
		if l.invokeOn(ctx, keyID) || l.terminated(ctx) {
			break
		}
	}
	l.operationID.Add(1)
	return nil

}

func (l *logLogic) restoreTransactionStart() int64 {

	lp.LogStressorEvent(fmt.Sprintf("transaction rolled back, restarting from operation %d", l.txStartOperationID), l.w.id(), log.DebugLevel)

	l.operationID.Store(l.txStartOperationID)
	l.keyID.Store(l.txStartKeyID)
	l.keySelector.WithSeed(l.txStartKeySeed)
	l.operationSelector.WithSeed(l.txStartOperationSeed)
	l.txRolledBack = false

	l.txFailedAttempts++
	if maxAttempts := l.env.log.MaxTransactionAttempts; maxAttempts >= 0 && l.txFailedAttempts > maxAttempts {
		lp.LogStressorEvent("maximum number of transaction attempts attained, reporting", l.w.id(), log.ErrorLevel)
		l.env.failures.ReportFailedTransactionAttempt()
	}

	return l.txStartKeyID

}

// invokeOn returns true if the next operation may follow. Otherwise, the same operation is retried
// or, if the transaction was rolled back, the whole transaction is replayed.
func (l *logLogic) invokeOn(ctx context.Context, keyID int64) bool {

	txSize := l.env.general.TransactionSize
	operationID := l.operationID.Load()

	if txSize > 0 && l.tx == nil {
		l.txStartOperationID = operationID
		l.txStartKeyID = keyID
		l.txStartKeySeed = l.keySelector.Seed()
		l.txStartOperationSeed = l.operationSelector.Seed()
		if err := l.startTransaction(ctx); err != nil {
			l.handleFailure(ctx, err)
			return false
		}
	}

	breakTx := false
	if ok, err := l.strategy.invokeLogic(ctx, keyID); err != nil {
		if !errors.Is(err, errBreakTransaction) {
			l.handleFailure(ctx, err)
			return false
		}
		breakTx = true
	} else if !ok {
		return false
	}
	l.lastSuccessfulOp.Store(time.Now().UnixMilli())

	if txSize <= 0 {
		if operationID%int64(l.env.log.CounterUpdatePeriod) == 0 {
			l.writeStressorLastOperation(ctx)
			l.lastConfirmedOperationID.Store(operationID)
		}
		return true
	}

	l.remainingTxOps--
	if l.remainingTxOps > 0 && !breakTx {
		return true
	}

	err := l.commit(ctx)
	l.remainingTxOps = txSize
	if err != nil {
		lp.LogStressorEvent(fmt.Sprintf("transaction was rolled back, restarting from operation %d: %v", l.txStartOperationID, err), l.w.id(), log.DebugLevel)
		l.txRolledBack = true
		l.strategy.afterRollback()
		return false
	}
	l.lastSuccessfulTx.Store(time.Now().UnixMilli())
	l.txFailedAttempts = 0

	if l.terminated(ctx) {
		lp.LogStressorEvent("about to terminate, not executing delayed removes", l.w.id(), log.DebugLevel)
		return false
	}
	l.strategy.afterCommit(ctx)
	if l.terminated(ctx) {
		lp.LogStressorEvent(fmt.Sprintf("about to terminate, not writing last operation %d", operationID), l.w.id(), log.DebugLevel)
		return false
	}
	if breakTx {
		lp.LogStressorEvent(fmt.Sprintf("transaction was committed sooner, retrying operation %d", operationID), l.w.id(), log.DebugLevel)
		return false
	}

	if err := l.startTransaction(ctx); err != nil {
		lp.LogStressorEvent(fmt.Sprintf("cannot write last operation %d: %v", operationID, err), l.w.id(), log.ErrorLevel)
		return true
	}
	l.writeStressorLastOperation(ctx)
	if err := l.commit(ctx); err != nil {
		lp.LogStressorEvent(fmt.Sprintf("cannot write last operation %d: %v", operationID, err), l.w.id(), log.ErrorLevel)
	} else {
		l.lastConfirmedOperationID.Store(operationID)
	}
	return true

}

// handleFailure logs a failed operation and rolls back the ongoing transaction, so that the
// next attempt replays it from its start.
func (l *logLogic) handleFailure(ctx context.Context, err error) {

	level := log.ErrorLevel
	if ctx.Err() != nil {
		level = log.DebugLevel
	}
	lp.LogStressorEvent(fmt.Sprintf("cache operation error on operation %d: %v", l.operationID.Load(), err), l.w.id(), level)

	if l.tx == nil {
		return
	}
	if rbErr := l.tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		lp.LogStressorEvent(fmt.Sprintf("error while rolling back transaction: %v", rbErr), l.w.id(), log.ErrorLevel)
	}
	lp.LogStressorEvent(fmt.Sprintf("restarting from operation %d, current operation %d", l.txStartOperationID, l.operationID.Load()), l.w.id(), log.DebugLevel)
	l.clearTransaction()
	l.remainingTxOps = l.env.general.TransactionSize
	l.txRolledBack = true
	l.strategy.afterRollback()

}

func (l *logLogic) startTransaction(ctx context.Context) error {

	if l.env.transactional == nil {
		return traits.ErrTransactionsUnsupported
	}
	tx := l.env.transactional.NewTransaction()
	l.txStart = time.Now()
	if err := l.req.begin(ctx, tx); err != nil {
		return err
	}
	l.tx = tx
	l.cache = tx.WrapCache(l.env.cache)
	if l.env.conditional != nil {
		l.conditional = tx.WrapConditional(l.env.conditional)
	}
	return nil

}

func (l *logLogic) commit(ctx context.Context) error {

	if l.tx == nil {
		return traits.ErrTransactionNotActive
	}
	defer l.clearTransaction()
	return l.req.commit(ctx, l.tx, l.txStart)

}

func (l *logLogic) clearTransaction() {

	l.tx = nil
	l.cache = l.env.cache
	l.conditional = l.env.conditional

}

// executeDelayedRemoves runs the removes scheduled during the last transaction in a transaction
// of their own. It returns false if the stressor gave up.
func (l *logLogic) executeDelayedRemoves(ctx context.Context) bool {

	defer l.clearTransaction()

	keyIDs := make([]int64, 0, len(l.delayedRemoves))
	for keyID := range l.delayedRemoves {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Slice(keyIDs, func(i, j int) bool { return keyIDs[i] < keyIDs[j] })

	maxAttempts := l.env.log.MaxDelayedRemoveAttempts
	attempts := 0
	for !l.terminated(ctx) {
		if l.tx != nil {
			if err := l.tx.Rollback(ctx); err != nil {
				lp.LogStressorEvent(fmt.Sprintf("failed to roll back ongoing transaction: %v", err), l.w.id(), log.ErrorLevel)
			}
			l.clearTransaction()
		}

		removeFailed := false
		err := l.startTransaction(ctx)
		if err == nil {
			for _, keyID := range keyIDs {
				if maxAttempts >= 0 && attempts > maxAttempts {
					lp.LogStressorEvent(fmt.Sprintf("maximum number of delayed remove attempts on key '%s' attained, reporting", l.env.keys.GenerateKey(keyID)), l.w.id(), log.ErrorLevel)
					l.env.failures.ReportDelayedRemoveError()
					l.w.requestTerminate()
					return false
				}
				if _, err = l.strategy.checkedRemoveValue(ctx, keyID, l.delayedRemoves[keyID].oldValue); err != nil {
					removeFailed = true
					break
				}
			}
		}
		if err == nil {
			err = l.commit(ctx)
		}
		if err == nil {
			l.lastSuccessfulTx.Store(time.Now().UnixMilli())
			clear(l.delayedRemoves)
			return true
		}

		if maxAttempts >= 0 {
			attempts++
		}
		if !removeFailed {
			err = errors.Wrap(err, "transaction of delayed removes failed")
		}
		lp.LogStressorEvent(fmt.Sprintf("error while executing delayed removes: %v", err), l.w.id(), log.ErrorLevel)
	}
	return true

}

// delayedRemoveValue removes keyID once the write that made it obsolete is durable: immediately
// without transactions, after the commit otherwise.
func (l *logLogic) delayedRemoveValue(ctx context.Context, keyID int64, oldValue []byte) error {

	if !l.env.usesTransactions() {
		_, err := l.strategy.checkedRemoveValue(ctx, keyID, oldValue)
		return err
	}
	// moving the value back and forth within one transaction must not delete the complement
	delete(l.delayedRemoves, ^keyID)
	l.delayedRemoves[keyID] = delayedRemove{keyID, oldValue}
	return nil

}

func (l *logLogic) writeStressorLastOperation(ctx context.Context) {

	operationID := l.operationID.Load()
	last := newLastOperation(operationID, l.keySelector.Seed())
	if err := l.req.put(ctx, l.cache, lastOperationKey(l.w.id()), encodeLastOperation(last)); err != nil {
		lp.LogStressorEvent(fmt.Sprintf("error while writing last operation %d: %v", operationID, err), l.w.id(), log.ErrorLevel)
	}

}

// checkedOperation returns the lowest operation of stressorID confirmed by the checkers of all
// nodes. Checkers of dead nodes are waived if configured to do so: an ignored marker is written
// for them instead, which in a transaction requires committing before proceeding.
func (l *logLogic) checkedOperation(ctx context.Context, stressorID int, operationID int64) (int64, error) {

	minChecked := int64(math.MaxInt64)
	for i := 0; i < l.env.clusterSize; i++ {
		lastChecked := int64(math.MinInt64)
		b, err := l.req.get(ctx, l.cache, checkerKey(i, stressorID))
		if err != nil {
			return 0, errors.Wrapf(err, "cannot read last checked operation of node %d for stressor %d", i, stressorID)
		}
		last, err := decodeLastOperation(b)
		if err != nil {
			return 0, err
		}
		if last != nil {
			lastChecked = last.OperationID
		}

		if lastChecked < operationID && l.env.log.IgnoreDeadCheckers && !l.env.liveness.isNodeAlive(ctx, i) {
			b, err := l.req.get(ctx, l.cache, ignoredKey(i, stressorID))
			if err != nil {
				return 0, errors.Wrapf(err, "cannot read ignored operation of node %d for stressor %d", i, stressorID)
			}
			ignored, ok, err := decodeNumber(b)
			if err != nil {
				return 0, err
			}
			if !ok || ignored < operationID {
				lp.LogStressorEvent(fmt.Sprintf("setting ignored operation for checker on node %d and stressor %d to %d (last checked operation %d)",
					i, stressorID, operationID, lastChecked), l.w.id(), log.DebugLevel)
				if err := l.req.put(ctx, l.cache, ignoredKey(i, stressorID), encodeNumber(operationID)); err != nil {
					return 0, errors.Wrapf(err, "cannot write ignored operation of node %d for stressor %d", i, stressorID)
				}
				if l.env.usesTransactions() {
					return 0, errBreakTransaction
				}
			}
			lastChecked = operationID
		}
		if lastChecked < minChecked {
			minChecked = lastChecked
		}
	}
	return minChecked, nil

}

func (l *logLogic) LastConfirmedOperationID() int64 {
	return l.lastConfirmedOperationID.Load()
}

func (l *logLogic) Finish(ctx context.Context) error {

	if l.tx == nil {
		return nil
	}
	defer l.clearTransaction()
	lp.LogStressorEvent(fmt.Sprintf("rolling back unfinished transaction started at operation %d", l.txStartOperationID), l.w.id(), log.DebugLevel)
	return l.tx.Rollback(context.WithoutCancel(ctx))

}

func (l *logLogic) Status() string {

	now := time.Now().UnixMilli()
	status := fmt.Sprintf("current[id=%d, key=%s], lastSuccessfulOpTime=%d",
		l.operationID.Load(), l.env.keys.GenerateKey(l.keyID.Load()), l.lastSuccessfulOp.Load()-now)
	if l.env.usesTransactions() {
		status += fmt.Sprintf(", lastSuccessfulTxTime=%d", l.lastSuccessfulTx.Load()-now)
	}
	return status

}

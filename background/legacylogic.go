package background

import (
	"context"
	"fmt"
	"hazelstress/traits"
	"math/rand"
	"time"

	"code.hybscloud.com/atomix"
	log "github.com/sirupsen/logrus"
)

// legacyLogic loads its key range and then overwrites, reads and removes keys in sequence. It
// verifies nothing and only generates load.
type legacyLogic struct {
	env      *environment
	w        logicWorker
	req      requests
	keyRange KeyRange
	// ranges of dead nodes this stressor loads in their stead
	deadRanges []KeyRange

	operationSelector *Replay
	rand              *rand.Rand

	cache   traits.Cache
	tx      traits.Transaction
	txStart time.Time

	currentKey     atomix.Int64
	remainingTxOps atomix.Int64
	loaded         atomix.Bool
}

func newLegacyLogic(env *environment, w logicWorker, keyRange KeyRange, deadRanges []KeyRange, loaded bool) *legacyLogic {

	seed := time.Now().UnixNano() + int64(w.id())
	l := &legacyLogic{
		env:               env,
		w:                 w,
		req:               requests{w.statistics()},
		keyRange:          keyRange,
		deadRanges:        deadRanges,
		operationSelector: NewReplay(seed),
		rand:              rand.New(rand.NewSource(seed)),
		cache:             env.cache,
	}
	l.currentKey.Store(keyRange.Start)
	l.remainingTxOps.Store(int64(env.general.TransactionSize))
	l.loaded.Store(loaded)
	return l

}

func (l *legacyLogic) Init(_ context.Context) error {
	return nil
}

func (l *legacyLogic) loadData(ctx context.Context) {

	lp.LogStressorEvent(fmt.Sprintf("loading key range %s", l.keyRange), l.w.id(), log.TraceLevel)
	l.loadKeyRange(ctx, l.keyRange)
	for _, r := range l.deadRanges {
		lp.LogStressorEvent(fmt.Sprintf("loading key range %s of dead node", r), l.w.id(), log.TraceLevel)
		l.loadKeyRange(ctx, r)
	}

}

func (l *legacyLogic) loadKeyRange(ctx context.Context, r KeyRange) {

	var loadedKeys int64
	for keyID := r.Start; keyID < r.End && !l.terminated(ctx); keyID++ {
		key := l.env.keys.GenerateKey(keyID)
		value := l.env.values.GenerateValue(keyID, l.env.legacy.EntrySize, l.rand)
		for !l.terminated(ctx) {
			var err error
			if l.env.legacy.LoadWithPutIfAbsent && l.env.conditional != nil {
				_, err = l.req.putIfAbsent(ctx, l.env.conditional, key, value)
			} else {
				err = l.req.put(ctx, l.env.cache, key, value)
			}
			if err == nil {
				break
			}
			lp.LogStressorEvent(fmt.Sprintf("error while loading data: %v", err), l.w.id(), log.ErrorLevel)
		}
		if loadedKeys%1000 == 0 {
			lp.LogStressorEvent(fmt.Sprintf("loaded %d out of %d", loadedKeys, r.Size()), l.w.id(), log.DebugLevel)
		}
		loadedKeys++
	}
	lp.LogStressorEvent(fmt.Sprintf("loaded all %d keys", r.Size()), l.w.id(), log.DebugLevel)

}

func (l *legacyLogic) terminated(ctx context.Context) bool {
	return ctx.Err() != nil || l.w.isTerminated()
}

func (l *legacyLogic) Invoke(ctx context.Context) error {

	if !l.loaded.Load() {
		l.loadData(ctx)
		l.loaded.Store(true)
	}
	if l.env.legacy.LoadOnly {
		lp.LogStressorEvent("data have been loaded, terminating", l.w.id(), log.InfoLevel)
		l.w.requestTerminate()
		return nil
	}

	operation := selectOperation(l.env.general, l.operationSelector)
	keyID := l.currentKey.Load()
	next := keyID + 1
	if next >= l.keyRange.End {
		next = l.keyRange.Start
	}
	l.currentKey.Store(next)

	txSize := int64(l.env.general.TransactionSize)
	if txSize > 0 && l.tx == nil {
		if err := l.startTransaction(ctx); err != nil {
			l.handleFailure(ctx, err)
			return nil
		}
	}

	if err := l.execute(ctx, operation, keyID); err != nil {
		l.handleFailure(ctx, err)
		return nil
	}

	if txSize > 0 && l.remainingTxOps.AddAcqRel(-1) <= 0 {
		err := l.req.commit(ctx, l.tx, l.txStart)
		l.tx = nil
		l.cache = l.env.cache
		l.remainingTxOps.Store(txSize)
		if err != nil {
			lp.LogStressorEvent(fmt.Sprintf("transaction commit failed: %v", err), l.w.id(), log.ErrorLevel)
		}
	}
	return nil

}

func (l *legacyLogic) execute(ctx context.Context, operation traits.Operation, keyID int64) error {

	key := l.env.keys.GenerateKey(keyID)
	switch operation {
	case traits.Get:
		_, err := l.req.get(ctx, l.cache, key)
		return err
	case traits.Put:
		value := l.env.values.GenerateValue(keyID, l.env.legacy.EntrySize, l.rand)
		if !l.env.legacy.PutWithReplace || l.env.conditional == nil {
			return l.req.put(ctx, l.cache, key, value)
		}
		old, err := l.req.get(ctx, l.cache, key)
		if err != nil || old == nil {
			return err
		}
		_, err = l.req.replace(ctx, l.conditional(), key, old, value)
		return err
	default:
		return l.req.remove(ctx, l.cache, key)
	}

}

func (l *legacyLogic) conditional() traits.ConditionalCache {

	if l.tx != nil {
		return l.tx.WrapConditional(l.env.conditional)
	}
	return l.env.conditional

}

func (l *legacyLogic) startTransaction(ctx context.Context) error {

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
	return nil

}

func (l *legacyLogic) handleFailure(ctx context.Context, err error) {

	level := log.ErrorLevel
	if ctx.Err() != nil {
		level = log.DebugLevel
	}
	lp.LogStressorEvent(fmt.Sprintf("cache operation error: %v", err), l.w.id(), level)

	if l.tx == nil {
		return
	}
	if rbErr := l.tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		lp.LogStressorEvent(fmt.Sprintf("error while ending transaction: %v", rbErr), l.w.id(), log.ErrorLevel)
	}
	l.tx = nil
	l.cache = l.env.cache
	l.remainingTxOps.Store(int64(l.env.general.TransactionSize))

}

func (l *legacyLogic) Finish(ctx context.Context) error {

	if l.tx == nil {
		return nil
	}
	tx := l.tx
	l.tx = nil
	l.cache = l.env.cache
	return tx.Rollback(context.WithoutCancel(ctx))

}

func (l *legacyLogic) IsLoaded() bool {
	return l.loaded.Load()
}

func (l *legacyLogic) Status() string {
	return fmt.Sprintf("currentKey=%s, remainingTxOps=%d", l.env.keys.GenerateKey(l.currentKey.Load()), l.remainingTxOps.Load())
}

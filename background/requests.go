package background

import (
	"context"
	"hazelstress/traits"
	"time"
)

// requests performs cache calls on behalf of a stressor and accounts for them in its statistics.
type requests struct {
	stats *Statistics
}

func (r requests) get(ctx context.Context, c traits.Cache, key string) ([]byte, error) {

	start := time.Now()
	v, err := c.Get(ctx, key)
	op := traits.Get
	if err == nil && v == nil {
		op = traits.GetNull
	}
	r.stats.record(op, start, err)
	return v, err

}

func (r requests) put(ctx context.Context, c traits.Cache, key string, value []byte) error {

	start := time.Now()
	err := c.Put(ctx, key, value)
	r.stats.record(traits.Put, start, err)
	return err

}

func (r requests) getAndRemove(ctx context.Context, c traits.Cache, key string) ([]byte, error) {

	start := time.Now()
	v, err := c.GetAndRemove(ctx, key)
	r.stats.record(traits.GetAndRemove, start, err)
	return v, err

}

func (r requests) remove(ctx context.Context, c traits.Cache, key string) error {

	start := time.Now()
	err := c.Remove(ctx, key)
	r.stats.record(traits.Remove, start, err)
	return err

}

func (r requests) putIfAbsent(ctx context.Context, c traits.ConditionalCache, key string, value []byte) (bool, error) {

	start := time.Now()
	ok, err := c.PutIfAbsent(ctx, key, value)
	r.stats.record(traits.PutIfAbsent, start, err)
	return ok, err

}

func (r requests) replace(ctx context.Context, c traits.ConditionalCache, key string, oldValue, newValue []byte) (bool, error) {

	start := time.Now()
	ok, err := c.Replace(ctx, key, oldValue, newValue)
	r.stats.record(traits.Replace, start, err)
	return ok, err

}

func (r requests) removeIfSame(ctx context.Context, c traits.ConditionalCache, key string, oldValue []byte) (bool, error) {

	start := time.Now()
	ok, err := c.RemoveIfSame(ctx, key, oldValue)
	r.stats.record(traits.RemoveIfSame, start, err)
	return ok, err

}

func (r requests) begin(ctx context.Context, tx traits.Transaction) error {

	start := time.Now()
	err := tx.Begin(ctx)
	r.stats.record(traits.TxBegin, start, err)
	return err

}

// commit records the commit itself and the duration of the whole transaction since txStart.
func (r requests) commit(ctx context.Context, tx traits.Transaction, txStart time.Time) error {

	start := time.Now()
	err := tx.Commit(ctx)
	r.stats.record(traits.TxCommit, start, err)
	r.stats.record(traits.TxDuration, txStart, err)
	return err

}

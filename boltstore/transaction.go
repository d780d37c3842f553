package boltstore

import (
	"bytes"
	"context"
	"hazelstress/traits"
	"sync"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
)

// Transaction buffers writes and remembers every value it observed. Commit applies the buffered
// writes in a single bolt transaction only if none of the observed values changed in the meantime,
// otherwise it fails with ErrConflict and the caller is expected to replay.
type Transaction struct {
	s      *Store
	mu     sync.Mutex
	active bool
	reads  map[string][]byte
	writes map[string]*write
	order  []string
}

type (
	write struct {
		value   []byte
		deleted bool
	}
	txCache struct {
		tx *Transaction
	}
)

var (
	ErrConflict = errors.New("transaction conflict: observed value changed before commit")
)

func (s *Store) NewTransaction() traits.Transaction {
	return &Transaction{s: s}
}

func (t *Transaction) Begin(_ context.Context) error {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.reads = map[string][]byte{}
	t.writes = map[string]*write{}
	t.order = nil
	return nil

}

func (t *Transaction) Rollback(_ context.Context) error {

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return traits.ErrTransactionNotActive
	}
	t.active = false
	t.reads = nil
	t.writes = nil
	t.order = nil
	return nil

}

func (t *Transaction) Commit(_ context.Context) error {

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return traits.ErrTransactionNotActive
	}
	t.active = false

	err := t.s.update(func(b *bolt.Bucket, notify func(string, bool, []byte)) error {
		for key, observed := range t.reads {
			if !bytes.Equal(b.Get([]byte(key)), observed) {
				return errors.Wrapf(ErrConflict, "key '%s'", key)
			}
		}
		for _, key := range t.order {
			w := t.writes[key]
			existed := b.Get([]byte(key)) != nil
			if w.deleted {
				if err := b.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(key), w.value); err != nil {
				return err
			}
			notify(key, existed, copyOf(w.value))
		}
		return nil
	})

	t.reads = nil
	t.writes = nil
	t.order = nil
	return err

}

func (t *Transaction) WrapCache(_ traits.Cache) traits.Cache {
	return &txCache{t}
}

func (t *Transaction) WrapConditional(_ traits.ConditionalCache) traits.ConditionalCache {
	return &txCache{t}
}

// current returns the value as seen from within the transaction, recording the first observation
// of keys it has not written yet.
func (t *Transaction) current(ctx context.Context, key string) ([]byte, error) {

	if w, ok := t.writes[key]; ok {
		if w.deleted {
			return nil, nil
		}
		return copyOf(w.value), nil
	}

	if observed, ok := t.reads[key]; ok {
		return copyOf(observed), nil
	}

	v, err := t.s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	t.reads[key] = v
	return copyOf(v), nil

}

func (t *Transaction) record(key string, w *write) {

	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = w

}

func (c *txCache) Get(ctx context.Context, key string) ([]byte, error) {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return nil, traits.ErrTransactionNotActive
	}
	return c.tx.current(ctx, key)

}

func (c *txCache) Put(_ context.Context, key string, value []byte) error {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return traits.ErrTransactionNotActive
	}
	c.tx.record(key, &write{value: copyOf(value)})
	return nil

}

func (c *txCache) GetAndRemove(ctx context.Context, key string) ([]byte, error) {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return nil, traits.ErrTransactionNotActive
	}
	previous, err := c.tx.current(ctx, key)
	if err != nil {
		return nil, err
	}
	c.tx.record(key, &write{deleted: true})
	return previous, nil

}

func (c *txCache) Remove(_ context.Context, key string) error {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return traits.ErrTransactionNotActive
	}
	c.tx.record(key, &write{deleted: true})
	return nil

}

func (c *txCache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return false, traits.ErrTransactionNotActive
	}
	current, err := c.tx.current(ctx, key)
	if err != nil || current != nil {
		return false, err
	}
	c.tx.record(key, &write{value: copyOf(value)})
	return true, nil

}

func (c *txCache) Replace(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return false, traits.ErrTransactionNotActive
	}
	current, err := c.tx.current(ctx, key)
	if err != nil || current == nil || !bytes.Equal(current, oldValue) {
		return false, err
	}
	c.tx.record(key, &write{value: copyOf(newValue)})
	return true, nil

}

func (c *txCache) RemoveIfSame(ctx context.Context, key string, oldValue []byte) (bool, error) {

	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()

	if !c.tx.active {
		return false, traits.ErrTransactionNotActive
	}
	current, err := c.tx.current(ctx, key)
	if err != nil || current == nil || !bytes.Equal(current, oldValue) {
		return false, err
	}
	c.tx.record(key, &write{deleted: true})
	return true, nil

}

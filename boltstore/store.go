// Package boltstore provides a single-node cache backed by bbolt. It implements every cache trait
// the background engine can use, including optimistic transactions, so the engine can be run and
// verified without a Hazelcast cluster.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"
	"hazelstress/traits"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

type (
	Store struct {
		db        *bolt.DB
		bucket    []byte
		mu        sync.RWMutex
		listeners map[traits.ListenerKind][]traits.EntryListener
	}
	notification struct {
		kind  traits.ListenerKind
		key   string
		value []byte
	}
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	lp                *logging.LogProvider
)

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

func Open(path string, bucket string) (*Store, error) {

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open bolt database at '%s'", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "unable to create bucket '%s'", bucket)
	}

	lp.LogBoltEvent(fmt.Sprintf("opened bolt store at '%s' using bucket '%s'", path, bucket), log.InfoLevel)

	return &Store{
		db:        db,
		bucket:    []byte(bucket),
		listeners: map[traits.ListenerKind][]traits.EntryListener{},
	}, nil

}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string {
	return string(s.bucket)
}

func (s *Store) view(fn func(b *bolt.Bucket) error) error {

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrBucketNotFound
		}
		return fn(b)
	})

}

// update runs fn in a write transaction and delivers the notifications it collected once the
// transaction has been committed.
func (s *Store) update(fn func(b *bolt.Bucket, notify func(key string, existed bool, value []byte)) error) error {

	var pending []notification
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrBucketNotFound
		}
		return fn(b, func(key string, existed bool, value []byte) {
			kind := traits.Created
			if existed {
				kind = traits.Updated
			}
			pending = append(pending, notification{kind, key, value})
		})
	})
	if err != nil {
		return err
	}

	s.fire(pending)
	return nil

}

func (s *Store) fire(pending []notification) {

	if len(pending) == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range pending {
		for _, l := range s.listeners[n.kind] {
			l(n.key, n.value)
		}
	}

}

func copyOf(v []byte) []byte {

	if v == nil {
		return nil
	}
	c := make([]byte, len(v))
	copy(c, v)
	return c

}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {

	var result []byte
	err := s.view(func(b *bolt.Bucket) error {
		result = copyOf(b.Get([]byte(key)))
		return nil
	})

	return result, err

}

func (s *Store) Put(_ context.Context, key string, value []byte) error {

	return s.update(func(b *bolt.Bucket, notify func(string, bool, []byte)) error {
		existed := b.Get([]byte(key)) != nil
		if err := b.Put([]byte(key), value); err != nil {
			return err
		}
		notify(key, existed, copyOf(value))
		return nil
	})

}

func (s *Store) GetAndRemove(_ context.Context, key string) ([]byte, error) {

	var previous []byte
	err := s.update(func(b *bolt.Bucket, _ func(string, bool, []byte)) error {
		previous = copyOf(b.Get([]byte(key)))
		return b.Delete([]byte(key))
	})

	return previous, err

}

func (s *Store) Remove(_ context.Context, key string) error {

	return s.update(func(b *bolt.Bucket, _ func(string, bool, []byte)) error {
		return b.Delete([]byte(key))
	})

}

func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {

	var applied bool
	err := s.update(func(b *bolt.Bucket, notify func(string, bool, []byte)) error {
		if b.Get([]byte(key)) != nil {
			return nil
		}
		if err := b.Put([]byte(key), value); err != nil {
			return err
		}
		applied = true
		notify(key, false, copyOf(value))
		return nil
	})

	return applied, err

}

func (s *Store) Replace(_ context.Context, key string, oldValue, newValue []byte) (bool, error) {

	var applied bool
	err := s.update(func(b *bolt.Bucket, notify func(string, bool, []byte)) error {
		current := b.Get([]byte(key))
		if current == nil || !bytes.Equal(current, oldValue) {
			return nil
		}
		if err := b.Put([]byte(key), newValue); err != nil {
			return err
		}
		applied = true
		notify(key, true, copyOf(newValue))
		return nil
	})

	return applied, err

}

func (s *Store) RemoveIfSame(_ context.Context, key string, oldValue []byte) (bool, error) {

	var applied bool
	err := s.update(func(b *bolt.Bucket, _ func(string, bool, []byte)) error {
		current := b.Get([]byte(key))
		if current == nil || !bytes.Equal(current, oldValue) {
			return nil
		}
		applied = true
		return b.Delete([]byte(key))
	})

	return applied, err

}

func (s *Store) OwnedSize(_ context.Context) (int64, error) {

	var size int64
	err := s.view(func(b *bolt.Bucket) error {
		size = int64(b.Stats().KeyN)
		return nil
	})

	return size, err

}

func (s *Store) EvictAll(_ context.Context) error {

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})

}

func (s *Store) SupportsListener(kind traits.ListenerKind) bool {

	return kind == traits.Created || kind == traits.Updated

}

func (s *Store) AddListener(_ context.Context, kind traits.ListenerKind, l traits.EntryListener) error {

	if !s.SupportsListener(kind) {
		return errors.Wrapf(traits.ErrListenerUnsupported, "kind '%s'", kind)
	}

	s.mu.Lock()
	{
		s.listeners[kind] = append(s.listeners[kind], l)
	}
	s.mu.Unlock()

	return nil

}

func (s *Store) RemoveListeners(_ context.Context) error {

	s.mu.Lock()
	{
		s.listeners = map[traits.ListenerKind][]traits.EntryListener{}
	}
	s.mu.Unlock()

	return nil

}

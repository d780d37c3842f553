// Package traits holds the narrow contracts through which the background engine talks to a cache.
// Keys are strings produced by a KeyGenerator, values are opaque byte slices.
package traits

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
)

type (
	Cache interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Put(ctx context.Context, key string, value []byte) error
		GetAndRemove(ctx context.Context, key string) ([]byte, error)
		Remove(ctx context.Context, key string) error
	}
	ConditionalCache interface {
		PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
		Replace(ctx context.Context, key string, oldValue, newValue []byte) (bool, error)
		RemoveIfSame(ctx context.Context, key string, oldValue []byte) (bool, error)
	}
	Transaction interface {
		Begin(ctx context.Context) error
		Commit(ctx context.Context) error
		Rollback(ctx context.Context) error
		WrapCache(c Cache) Cache
		WrapConditional(c ConditionalCache) ConditionalCache
	}
	Transactional interface {
		NewTransaction() Transaction
	}
	ListenerKind string
	// EntryListener receives the key and new value of a created or updated entry.
	// It may be invoked from a cache-internal goroutine and must not block.
	EntryListener func(key string, value []byte)
	Listenable    interface {
		SupportsListener(kind ListenerKind) bool
		AddListener(ctx context.Context, kind ListenerKind, l EntryListener) error
		RemoveListeners(ctx context.Context) error
	}
	// SizeReporter reports the entries held locally. Caches without a notion of local
	// ownership report their total size instead.
	SizeReporter interface {
		OwnedSize(ctx context.Context) (int64, error)
	}
	Evictor interface {
		EvictAll(ctx context.Context) error
	}
	KeyGenerator interface {
		GenerateKey(keyID int64) string
	}
	// DecimalKeyGenerator renders key ids as decimal strings, so the complement of key 0 is "-1".
	DecimalKeyGenerator struct{}
)

const (
	Created ListenerKind = "created"
	Updated ListenerKind = "updated"
)

var (
	ErrTransactionsUnsupported = errors.New("cache does not support transactions")
	ErrListenerUnsupported     = errors.New("cache does not support requested listener kind")
	ErrTransactionNotActive    = errors.New("transaction has not been started")
)

func (g DecimalKeyGenerator) GenerateKey(keyID int64) string {

	return strconv.FormatInt(keyID, 10)

}

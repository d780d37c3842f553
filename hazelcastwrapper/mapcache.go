package hazelcastwrapper

import (
	"context"
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"
	"hazelstress/traits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hazelcast/hazelcast-go-client"
	"github.com/hazelcast/hazelcast-go-client/types"
	log "github.com/sirupsen/logrus"
)

// MapCache exposes a Hazelcast map through the cache traits. Hazelcast maps offer no client-side
// transactions, so MapCache does not implement traits.Transactional.
type MapCache struct {
	m             Map
	name          string
	mu            sync.Mutex
	subscriptions []types.UUID
}

var (
	ErrUnexpectedValueType = errors.New("map holds value of unexpected type")
	lp                     *logging.LogProvider
)

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

func NewMapCache(ctx context.Context, ms MapStore, name string) (*MapCache, error) {

	m, err := ms.GetMap(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to retrieve map '%s'", name)
	}

	return &MapCache{m: m, name: name}, nil

}

func asBytes(v any) ([]byte, error) {

	if v == nil {
		return nil, nil
	}

	if b, ok := v.([]byte); ok {
		return b, nil
	}

	return nil, errors.Wrapf(ErrUnexpectedValueType, "got %T", v)

}

func (c *MapCache) Name() string {
	return c.name
}

func (c *MapCache) Get(ctx context.Context, key string) ([]byte, error) {

	v, err := c.m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return asBytes(v)

}

func (c *MapCache) Put(ctx context.Context, key string, value []byte) error {
	return c.m.Set(ctx, key, value)
}

func (c *MapCache) GetAndRemove(ctx context.Context, key string) ([]byte, error) {

	v, err := c.m.Remove(ctx, key)
	if err != nil {
		return nil, err
	}
	return asBytes(v)

}

func (c *MapCache) Remove(ctx context.Context, key string) error {
	return c.m.Delete(ctx, key)
}

func (c *MapCache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {

	previous, err := c.m.PutIfAbsent(ctx, key, value)
	if err != nil {
		return false, err
	}

	return previous == nil, nil

}

func (c *MapCache) Replace(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	return c.m.ReplaceIfSame(ctx, key, oldValue, newValue)
}

func (c *MapCache) RemoveIfSame(ctx context.Context, key string, oldValue []byte) (bool, error) {
	return c.m.RemoveIfSame(ctx, key, oldValue)
}

// OwnedSize returns the cluster-wide size of the map. A Hazelcast client does not own
// partitions, so it can only approximate the local share by the total.
func (c *MapCache) OwnedSize(ctx context.Context) (int64, error) {

	size, err := c.m.Size(ctx)
	if err != nil {
		return 0, err
	}
	return int64(size), nil

}

func (c *MapCache) EvictAll(ctx context.Context) error {
	return c.m.EvictAll(ctx)
}

func (c *MapCache) SupportsListener(kind traits.ListenerKind) bool {

	return kind == traits.Created || kind == traits.Updated

}

func (c *MapCache) AddListener(ctx context.Context, kind traits.ListenerKind, l traits.EntryListener) error {

	config := hazelcast.MapEntryListenerConfig{IncludeValue: true}

	var eventType hazelcast.EntryEventType
	switch kind {
	case traits.Created:
		config.NotifyEntryAdded(true)
		eventType = hazelcast.EntryAdded
	case traits.Updated:
		config.NotifyEntryUpdated(true)
		eventType = hazelcast.EntryUpdated
	default:
		return errors.Wrapf(traits.ErrListenerUnsupported, "kind '%s'", kind)
	}

	subscriptionID, err := c.m.AddEntryListener(ctx, config, func(event *hazelcast.EntryNotified) {
		if event.EventType != eventType {
			return
		}
		key, ok := event.Key.(string)
		if !ok {
			return
		}
		value, err := asBytes(event.Value)
		if err != nil {
			lp.LogHzEvent(fmt.Sprintf("ignoring notification for key '%s' in map '%s': %v", key, c.name, err), log.WarnLevel)
			return
		}
		l(key, value)
	})
	if err != nil {
		return errors.Wrapf(err, "unable to register %s listener on map '%s'", kind, c.name)
	}

	c.mu.Lock()
	{
		c.subscriptions = append(c.subscriptions, subscriptionID)
	}
	c.mu.Unlock()

	lp.LogHzEvent(fmt.Sprintf("registered %s listener on map '%s'", kind, c.name), log.InfoLevel)
	return nil

}

func (c *MapCache) RemoveListeners(ctx context.Context) error {

	c.mu.Lock()
	subscriptions := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()

	var result error
	for _, s := range subscriptions {
		if err := c.m.RemoveEntryListener(ctx, s); err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	return result

}

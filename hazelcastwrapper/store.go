package hazelcastwrapper

import (
	"context"

	"github.com/hazelcast/hazelcast-go-client"
	"github.com/hazelcast/hazelcast-go-client/types"
)

type (
	MapStore interface {
		GetMap(ctx context.Context, name string) (Map, error)
	}
	Map interface {
		Get(ctx context.Context, key any) (any, error)
		Set(ctx context.Context, key any, value any) error
		Remove(ctx context.Context, key any) (any, error)
		Delete(ctx context.Context, key any) error
		PutIfAbsent(ctx context.Context, key any, value any) (any, error)
		ReplaceIfSame(ctx context.Context, key any, oldValue any, newValue any) (bool, error)
		RemoveIfSame(ctx context.Context, key any, value any) (bool, error)
		Size(ctx context.Context) (int, error)
		EvictAll(ctx context.Context) error
		AddEntryListener(ctx context.Context, config hazelcast.MapEntryListenerConfig, handler hazelcast.EntryNotifiedHandler) (types.UUID, error)
		RemoveEntryListener(ctx context.Context, subscriptionID types.UUID) error
	}
	DefaultMapStore struct {
		Client *hazelcast.Client
	}
)

func (d *DefaultMapStore) GetMap(ctx context.Context, name string) (Map, error) {

	m, err := d.Client.GetMap(ctx, name)
	if err != nil {
		return nil, err
	}
	return m, nil

}

package hazelcastwrapper

import (
	"bytes"
	"context"
	"errors"
	"hazelstress/traits"
	"sync"
	"testing"

	"github.com/hazelcast/hazelcast-go-client"
	"github.com/hazelcast/hazelcast-go-client/types"
)

type (
	testMapStore struct {
		m   *testHzMap
		err error
	}
	testHzMap struct {
		mu         sync.Mutex
		data       map[any]any
		handlers   map[types.UUID]hazelcast.EntryNotifiedHandler
		evictCalls int
	}
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

func newTestHzMap() *testHzMap {
	return &testHzMap{data: map[any]any{}, handlers: map[types.UUID]hazelcast.EntryNotifiedHandler{}}
}

func (s testMapStore) GetMap(_ context.Context, _ string) (Map, error) {

	if s.err != nil {
		return nil, s.err
	}
	return s.m, nil

}

func (m *testHzMap) Get(_ context.Context, key any) (any, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data[key], nil

}

func (m *testHzMap) Set(_ context.Context, key any, value any) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil

}

func (m *testHzMap) Remove(_ context.Context, key any) (any, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.data[key]
	delete(m.data, key)
	return v, nil

}

func (m *testHzMap) Delete(_ context.Context, key any) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil

}

func (m *testHzMap) PutIfAbsent(_ context.Context, key any, value any) (any, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.data[key]; ok {
		return v, nil
	}
	m.data[key] = value
	return nil, nil

}

func (m *testHzMap) ReplaceIfSame(_ context.Context, key any, oldValue any, newValue any) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.data[key]; !ok || !bytes.Equal(v.([]byte), oldValue.([]byte)) {
		return false, nil
	}
	m.data[key] = newValue
	return true, nil

}

func (m *testHzMap) RemoveIfSame(_ context.Context, key any, value any) (bool, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.data[key]; !ok || !bytes.Equal(v.([]byte), value.([]byte)) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil

}

func (m *testHzMap) Size(_ context.Context) (int, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.data), nil

}

func (m *testHzMap) EvictAll(_ context.Context) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictCalls++
	m.data = map[any]any{}
	return nil

}

func (m *testHzMap) AddEntryListener(_ context.Context, _ hazelcast.MapEntryListenerConfig, handler hazelcast.EntryNotifiedHandler) (types.UUID, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	id := types.NewUUID()
	m.handlers[id] = handler
	return id, nil

}

func (m *testHzMap) RemoveEntryListener(_ context.Context, subscriptionID types.UUID) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.handlers, subscriptionID)
	return nil

}

func (m *testHzMap) fire(event *hazelcast.EntryNotified) {

	m.mu.Lock()
	handlers := make([]hazelcast.EntryNotifiedHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}

}

func TestNewMapCache(t *testing.T) {

	t.Log("given a map store")
	{
		t.Log("\twhen the map cannot be retrieved")
		{
			storeErr := errors.New("no cluster connection")

			c, err := NewMapCache(context.TODO(), testMapStore{err: storeErr}, "ht_background")

			msg := "\t\terror must be passed on"
			if c == nil && errors.Is(err, storeErr) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}
	}

}

func TestMapCacheOperations(t *testing.T) {

	t.Log("given a cache on top of a hazelcast map")
	{
		ctx := context.TODO()
		m := newTestHzMap()
		c, _ := NewMapCache(ctx, testMapStore{m: m}, "ht_background")

		t.Log("\twhen values are written and read")
		{
			_ = c.Put(ctx, "a", []byte("1"))
			v, err := c.Get(ctx, "a")
			missing, _ := c.Get(ctx, "b")

			msg := "\t\tpresent keys must yield their value and absent keys nil"
			if err == nil && string(v) == "1" && missing == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, v, missing)
			}
		}

		t.Log("\twhen conditional operations are applied")
		{
			first, _ := c.PutIfAbsent(ctx, "c", []byte("x"))
			second, _ := c.PutIfAbsent(ctx, "c", []byte("y"))
			replaced, _ := c.Replace(ctx, "c", []byte("x"), []byte("z"))
			removed, _ := c.RemoveIfSame(ctx, "c", []byte("x"))

			msg := "\t\toutcomes must reflect whether the expectation held"
			if first && !second && replaced && !removed {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, first, second, replaced, removed)
			}
		}

		t.Log("\twhen the map holds a value of a foreign type")
		{
			_ = m.Set(ctx, "foreign", 42)

			_, err := c.Get(ctx, "foreign")

			msg := "\t\tunexpected type must be reported"
			if errors.Is(err, ErrUnexpectedValueType) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen the size is queried and the map evicted")
		{
			before, _ := c.OwnedSize(ctx)
			_ = c.EvictAll(ctx)
			after, _ := c.OwnedSize(ctx)

			msg := "\t\tsize must count every entry of the map and drop to zero"
			if before == 3 && after == 0 && m.evictCalls == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, before, after)
			}
		}
	}

}

func TestMapCacheListeners(t *testing.T) {

	t.Log("given a cache with a created listener")
	{
		ctx := context.TODO()
		m := newTestHzMap()
		c, _ := NewMapCache(ctx, testMapStore{m: m}, "ht_background")

		var received []string
		if err := c.AddListener(ctx, traits.Created, func(key string, value []byte) {
			received = append(received, key+"="+string(value))
		}); err != nil {
			t.Fatal("\t\tunable to add listener", ballotX, err)
		}

		t.Log("\twhen events of several types arrive")
		{
			m.fire(&hazelcast.EntryNotified{EventType: hazelcast.EntryAdded, Key: "a", Value: []byte("1")})
			m.fire(&hazelcast.EntryNotified{EventType: hazelcast.EntryUpdated, Key: "a", Value: []byte("2")})
			m.fire(&hazelcast.EntryNotified{EventType: hazelcast.EntryAdded, Key: "b", Value: 7})

			msg := "\t\tonly matching events with byte values must be delivered"
			if len(received) == 1 && received[0] == "a=1" {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, received)
			}
		}

		t.Log("\twhen listeners are removed")
		{
			err := c.RemoveListeners(ctx)
			m.fire(&hazelcast.EntryNotified{EventType: hazelcast.EntryAdded, Key: "c", Value: []byte("3")})

			msg := "\t\tsubscription must have been cancelled"
			if err == nil && len(received) == 1 && len(m.handlers) == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, received)
			}
		}

		t.Log("\twhen an unsupported listener kind is requested")
		{
			err := c.AddListener(ctx, traits.ListenerKind("evicted"), func(string, []byte) {})

			msg := "\t\tregistration must be refused"
			if errors.Is(err, traits.ErrListenerUnsupported) && !c.SupportsListener("evicted") {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}
	}

}

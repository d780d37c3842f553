package main

import (
	"context"
	"errors"
	"hazelstress/background"
	"hazelstress/cluster"
	"path/filepath"
	"testing"
)

type (
	testConfigPropertyAssigner struct {
		returnError bool
		dummyConfig map[string]any
	}
	testCacheProvider struct {
		caches *background.Caches
		calls  int
	}
	// nonEvictableCache cannot be cleared
	nonEvictableCache struct{}
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

func (a testConfigPropertyAssigner) Assign(keyPath string, eval func(string, any) error, assign func(any)) error {

	if a.returnError {
		return errors.New("deliberately thrown error")
	}

	if value, ok := a.dummyConfig[keyPath]; ok {
		if err := eval(keyPath, value); err != nil {
			return err
		}
		assign(value)
	}

	return nil

}

func (p *testCacheProvider) Caches(_ context.Context, _ string) (*background.Caches, error) {

	p.calls++
	return p.caches, nil

}

func (c nonEvictableCache) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

func (c nonEvictableCache) Put(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (c nonEvictableCache) GetAndRemove(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

func (c nonEvictableCache) Remove(_ context.Context, _ string) error {
	return nil
}

func TestPopulateCacheConfig(t *testing.T) {

	t.Log("given the cache properties of the background engine")
	{
		t.Log("\twhen all properties are valid")
		{
			c, err := populateCacheConfig(testConfigPropertyAssigner{false, map[string]any{
				"background.cache.backend":   "bolt",
				"background.cache.name":      "ht_background",
				"background.cache.bolt.path": "/tmp/hazelstress.db",
				"hazelcast.cluster":          "hazelcastplatform",
				"hazelcast.members":          []any{"hz-0:5701", "hz-1:5701"},
			}})

			msg := "\t\tproperties must have been assigned"
			if err == nil && c.backend == backendBolt && c.boltPath == "/tmp/hazelstress.db" && len(c.hzMembers) == 2 && c.hzMembers[1] == "hz-1:5701" {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, c)
			}
		}

		t.Log("\twhen the backend is unknown")
		{
			_, err := populateCacheConfig(testConfigPropertyAssigner{false, map[string]any{
				"background.cache.backend": "redis",
			}})

			msg := "\t\terror must be returned"
			if err != nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}
	}

}

func TestCacheProviderBolt(t *testing.T) {

	t.Log("given a cache provider for the bolt backend")
	{
		ctx := context.TODO()
		p := newCacheProvider(cacheConfig{
			backend:  backendBolt,
			name:     "ht_background",
			boltPath: filepath.Join(t.TempDir(), "background.db"),
		})
		defer p.close(ctx)

		t.Log("\twhen the caches are acquired twice")
		{
			first, err := p.Caches(ctx, "ht_background")
			if err != nil {
				t.Fatal("\t\tunable to acquire caches", ballotX, err)
			}
			second, err := p.Caches(ctx, "ht_background")

			msg := "\t\tboth acquisitions must share the store"
			if err == nil && first.Cache == second.Cache {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}

			msg = "\t\tall capabilities must be available"
			if first.Conditional != nil && first.Transactional != nil && first.Listenable != nil && first.SizeReporter != nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, first)
			}
		}

		t.Log("\twhen the cache is used")
		{
			caches, _ := p.Caches(ctx, "ht_background")
			_ = caches.Cache.Put(ctx, "k", []byte("v"))

			v, err := caches.Cache.Get(ctx, "k")

			msg := "\t\twritten value must be read back"
			if err == nil && string(v) == "v" {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, v)
			}
		}
	}

}

func TestCacheProviderUnknownBackend(t *testing.T) {

	t.Log("given a cache provider for an unsupported backend")
	{
		t.Log("\twhen caches are requested")
		{
			p := newCacheProvider(cacheConfig{backend: "redis"})

			_, err := p.Caches(context.TODO(), "ht_background")

			msg := "\t\tunknown backend must be reported"
			if errors.Is(err, ErrUnknownBackend) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}
	}

}

func TestCleanPreviousRun(t *testing.T) {

	t.Log("given a previous run's cache")
	{
		t.Log("\twhen this is not the first node")
		{
			p := &testCacheProvider{}
			view, _ := cluster.NewStaticView(cluster.StaticConfig{Size: 2, NodeIndex: 1})

			err := cleanPreviousRun(context.TODO(), p, view, "ht_background")

			msg := "\t\tcache must be left to the first node"
			if err == nil && p.calls == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, p.calls)
			}
		}

		t.Log("\twhen the cache cannot be evicted")
		{
			p := &testCacheProvider{caches: &background.Caches{Cache: nonEvictableCache{}}}
			view, _ := cluster.NewStaticView(cluster.StaticConfig{Size: 2, NodeIndex: 0})

			err := cleanPreviousRun(context.TODO(), p, view, "ht_background")

			msg := "\t\tclean must be skipped without error"
			if err == nil && p.calls == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, p.calls)
			}
		}
	}

}

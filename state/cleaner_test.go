package state

import (
	"context"
	"errors"
	"fmt"
	"hazelstress/traits"
	"testing"
)

type (
	testConfigPropertyAssigner struct {
		dummyConfig map[string]any
	}
	testCleanerBuilder struct {
		behavior         *testCleanerBehavior
		buildInvocations int
	}
	testCleanerBehavior struct {
		throwErrorUponBuild, throwErrorUponClean bool
	}
	testCleaner struct {
		behavior         *testCleanerBehavior
		cleanInvocations *int
	}
	testEvictor struct {
		data                 map[string][]byte
		returnErrorUponEvict bool
		evictAllInvocations  int
	}
)

const (
	checkMark     = "\u2713"
	ballotX       = "\u2717"
	testCacheName = "ht_background"
)

var (
	cleanerBuildError = errors.New("something went terribly wrong when attempting to build the cleaner")
	cleanerCleanError = errors.New("something went terribly wrong when attempting to clean state")
	evictError        = errors.New("cache refused to be evicted")
)

func (e *testEvictor) EvictAll(_ context.Context) error {

	e.evictAllInvocations++

	if e.returnErrorUponEvict {
		return evictError
	}
	clear(e.data)
	return nil

}

func (c *testCleaner) clean(_ context.Context) error {

	*c.cleanInvocations++

	if c.behavior.throwErrorUponClean {
		return cleanerCleanError
	}
	return nil

}

func (b *testCleanerBuilder) build(_ string, _ traits.Evictor) (cleaner, error) {

	b.buildInvocations++

	if b.behavior.throwErrorUponBuild {
		return nil, cleanerBuildError
	}
	return &testCleaner{behavior: b.behavior, cleanInvocations: new(int)}, nil

}

func (a testConfigPropertyAssigner) Assign(keyPath string, eval func(string, any) error, assign func(any)) error {

	if value, ok := a.dummyConfig[keyPath]; ok {
		if err := eval(keyPath, value); err != nil {
			return err
		}
		assign(value)
	} else {
		return fmt.Errorf("test error: unable to find value in dummy config for given key path '%s'", keyPath)
	}

	return nil

}

func newFilledEvictor() *testEvictor {

	return &testEvictor{data: map[string][]byte{
		"0":                   {1, 2, 3},
		"-1":                  {4, 5, 6},
		"__keepAlive_0":       {7},
		"__stressor_3_lastOp": {8},
	}}

}

func TestCacheCleanerClean(t *testing.T) {

	t.Log("given a cleaner for the background cache")
	{
		t.Log("\twhen pre-run cleaning is enabled")
		{
			e := newFilledEvictor()
			c := &cacheCleaner{name: "backgroundCacheCleaner", cacheName: testCacheName, c: &cleanerConfig{enabled: true}, evictor: e}

			err := c.clean(context.TODO())

			msg := "\t\tno error must be returned"
			if err == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}

			msg = "\t\tcache must have been evicted exactly once"
			if e.evictAllInvocations == 1 && len(e.data) == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, e.evictAllInvocations, len(e.data))
			}
		}

		t.Log("\twhen pre-run cleaning is disabled")
		{
			e := newFilledEvictor()
			c := &cacheCleaner{name: "backgroundCacheCleaner", cacheName: testCacheName, c: &cleanerConfig{enabled: false}, evictor: e}

			err := c.clean(context.TODO())

			msg := "\t\tcache must remain untouched"
			if err == nil && e.evictAllInvocations == 0 && len(e.data) == 4 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, e.evictAllInvocations)
			}
		}

		t.Log("\twhen eviction fails")
		{
			e := newFilledEvictor()
			e.returnErrorUponEvict = true
			c := &cacheCleaner{name: "backgroundCacheCleaner", cacheName: testCacheName, c: &cleanerConfig{enabled: true}, evictor: e}

			err := c.clean(context.TODO())

			msg := "\t\terror must be propagated"
			if errors.Is(err, evictError) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}
	}

}

func TestCacheCleanerBuilderBuild(t *testing.T) {

	t.Log("given a method to build a cache cleaner")
	{
		t.Log("\twhen populate config is successful")
		{
			b := newCacheCleanerBuilder()
			b.cfb.a = testConfigPropertyAssigner{dummyConfig: map[string]any{baseKeyPath + ".enabled": true}}

			c, err := b.build(testCacheName, newFilledEvictor())

			msg := "\t\tno error must be returned"
			if err == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}

			msg = "\t\tcache cleaner built must carry cache name and enabled config"
			cc := c.(*cacheCleaner)
			if cc.cacheName == testCacheName && cc.c != nil && cc.c.enabled {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen populate config is unsuccessful")
		{
			b := newCacheCleanerBuilder()
			b.cfb.a = testConfigPropertyAssigner{dummyConfig: map[string]any{}}

			c, err := b.build(testCacheName, newFilledEvictor())

			msg := "\t\terror must be returned"
			if err != nil && c == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}
	}

}

func TestRunCleaners(t *testing.T) {

	t.Log("given registered cleaner builders")
	{
		original := builders
		defer func() {
			builders = original
		}()

		t.Log("\twhen build fails")
		{
			b := &testCleanerBuilder{behavior: &testCleanerBehavior{throwErrorUponBuild: true}}
			builders = []cleanerBuilder{b}

			err := RunCleaners(context.TODO(), testCacheName, newFilledEvictor())

			msg := "\t\tbuild error must be returned"
			if errors.Is(err, cleanerBuildError) && b.buildInvocations == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen clean fails")
		{
			b := &testCleanerBuilder{behavior: &testCleanerBehavior{throwErrorUponClean: true}}
			builders = []cleanerBuilder{b}

			err := RunCleaners(context.TODO(), testCacheName, newFilledEvictor())

			msg := "\t\tclean error must be returned"
			if errors.Is(err, cleanerCleanError) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen build and clean succeed for two builders")
		{
			first := &testCleanerBuilder{behavior: &testCleanerBehavior{}}
			second := &testCleanerBuilder{behavior: &testCleanerBehavior{}}
			builders = []cleanerBuilder{first, second}

			err := RunCleaners(context.TODO(), testCacheName, newFilledEvictor())

			msg := "\t\tevery builder must have been invoked"
			if err == nil && first.buildInvocations == 1 && second.buildInvocations == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}
	}

}

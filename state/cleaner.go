// Package state clears what previous runs left in the background cache before a new run begins.
package state

import (
	"context"
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"
	"hazelstress/traits"
	"time"

	log "github.com/sirupsen/logrus"
)

type (
	cleanerBuilder interface {
		build(cacheName string, e traits.Evictor) (cleaner, error)
	}
	cleaner interface {
		clean(ctx context.Context) error
	}
	cleanerConfig struct {
		enabled bool
	}
	cleanerConfigBuilder struct {
		keyPath string
		a       client.ConfigPropertyAssigner
	}
	cacheCleanerBuilder struct {
		cfb cleanerConfigBuilder
	}
	cacheCleaner struct {
		name      string
		cacheName string
		c         *cleanerConfig
		evictor   traits.Evictor
	}
)

const (
	baseKeyPath = "background.cache.preRunClean"
)

var (
	builders []cleanerBuilder
	lp       *logging.LogProvider
)

func init() {
	register(newCacheCleanerBuilder())
	lp = logging.GetLogProviderInstance(client.ID())
}

func newCacheCleanerBuilder() *cacheCleanerBuilder {

	return &cacheCleanerBuilder{
		cfb: cleanerConfigBuilder{
			keyPath: baseKeyPath,
			a:       client.DefaultConfigPropertyAssigner{},
		},
	}

}

func register(cb cleanerBuilder) {
	builders = append(builders, cb)
}

func (b *cacheCleanerBuilder) build(cacheName string, e traits.Evictor) (cleaner, error) {

	config, err := b.cfb.populateConfig()

	if err != nil {
		lp.LogStateCleanerEvent(fmt.Sprintf("unable to populate state cleaner config for key path '%s' due to error: %v", b.cfb.keyPath, err), cacheName, log.ErrorLevel)
		return nil, err
	}

	return &cacheCleaner{
		name:      "backgroundCacheCleaner",
		cacheName: cacheName,
		c:         config,
		evictor:   e,
	}, nil

}

func (c *cacheCleaner) clean(ctx context.Context) error {

	if !c.c.enabled {
		lp.LogStateCleanerEvent(fmt.Sprintf("%s disabled, leaving cache untouched", c.name), c.cacheName, log.DebugLevel)
		return nil
	}

	start := time.Now()
	if err := c.evictor.EvictAll(ctx); err != nil {
		lp.LogStateCleanerEvent(fmt.Sprintf("encountered error upon attempt to evict cache: %v", err), c.cacheName, log.ErrorLevel)
		return err
	}
	lp.LogTimingEvent("EvictAll()", c.cacheName, int(time.Since(start).Milliseconds()), log.InfoLevel)

	lp.LogStateCleanerEvent("cache successfully evicted", c.cacheName, log.InfoLevel)
	return nil

}

// RunCleaners evicts the background cache if pre-run cleaning is enabled.
func RunCleaners(ctx context.Context, cacheName string, e traits.Evictor) error {

	for _, b := range builders {

		c, err := b.build(cacheName, e)
		if err != nil {
			lp.LogStateCleanerEvent(fmt.Sprintf("unable to construct state cleaning builder due to error: %v", err), cacheName, log.ErrorLevel)
			return err
		}

		if err := c.clean(ctx); err != nil {
			lp.LogStateCleanerEvent(fmt.Sprintf("encountered error upon attempt to clean state: %v", err), cacheName, log.ErrorLevel)
			return err
		}
	}

	return nil

}

func (b cleanerConfigBuilder) populateConfig() (*cleanerConfig, error) {

	var assignmentOps []func() error

	var enabled bool
	assignmentOps = append(assignmentOps, func() error {
		return b.a.Assign(b.keyPath+".enabled", client.ValidateBool, func(a any) {
			enabled = a.(bool)
		})
	})

	for _, f := range assignmentOps {
		if err := f(); err != nil {
			return nil, err
		}
	}

	return &cleanerConfig{
		enabled: enabled,
	}, nil

}

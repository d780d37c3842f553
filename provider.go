package main

import (
	"context"
	"fmt"
	"hazelstress/background"
	"hazelstress/boltstore"
	"hazelstress/client"
	"hazelstress/hazelcastwrapper"
	"sync"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const (
	backendHazelcast = "hazelcast"
	backendBolt      = "bolt"
)

type (
	cacheConfig struct {
		backend   string
		name      string
		boltPath  string
		hzCluster string
		hzMembers []string
	}
	// cacheProvider hands out the background cache of the configured backend. Connections are
	// established on first use and shared by every later acquisition.
	cacheProvider struct {
		c  cacheConfig
		mu sync.Mutex
		hz hazelcastwrapper.HzClientHandler
		// opening the same bolt file twice blocks on its file lock
		bolt *boltstore.Store
	}
)

var ErrUnknownBackend = errors.New("unknown cache backend")

func populateCacheConfig(a client.ConfigPropertyAssigner) (*cacheConfig, error) {

	var assignmentOps []func() error
	c := cacheConfig{}

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign("background.cache.backend", client.ValidateOneOf(backendHazelcast, backendBolt), func(a any) {
			c.backend = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign("background.cache.name", client.ValidateString, func(a any) {
			c.name = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign("background.cache.bolt.path", client.ValidateString, func(a any) {
			c.boltPath = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign("hazelcast.cluster", client.ValidateString, func(a any) {
			c.hzCluster = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign("hazelcast.members", client.ValidateStringSlice, func(a any) {
			for _, member := range a.([]any) {
				c.hzMembers = append(c.hzMembers, member.(string))
			}
		})
	})

	for _, f := range assignmentOps {
		if err := f(); err != nil {
			return nil, err
		}
	}

	return &c, nil

}

func newCacheProvider(c cacheConfig) *cacheProvider {

	return &cacheProvider{c: c, hz: &hazelcastwrapper.DefaultHzClientHandler{}}

}

func (p *cacheProvider) Caches(ctx context.Context, name string) (*background.Caches, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.c.backend {
	case backendHazelcast:
		if p.hz.GetClient() == nil {
			if err := p.hz.InitHazelcastClient(ctx, "background", p.c.hzCluster, p.c.hzMembers); err != nil {
				return nil, errors.Wrap(err, "unable to connect to hazelcast cluster")
			}
		}
		mc, err := hazelcastwrapper.NewMapCache(ctx, &hazelcastwrapper.DefaultMapStore{Client: p.hz.GetClient()}, name)
		if err != nil {
			return nil, err
		}
		return background.CachesOf(mc), nil
	case backendBolt:
		if p.bolt == nil {
			s, err := boltstore.Open(p.c.boltPath, name)
			if err != nil {
				return nil, err
			}
			p.bolt = s
		}
		return background.CachesOf(p.bolt), nil
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "'%s'", p.c.backend)
	}

}

func (p *cacheProvider) close(ctx context.Context) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.hz.Shutdown(ctx); err != nil {
		lp.LogHzEvent(fmt.Sprintf("unable to shut down hazelcast client: %v", err), log.WarnLevel)
	}
	if p.bolt != nil {
		if err := p.bolt.Close(); err != nil {
			lp.LogBoltEvent(fmt.Sprintf("unable to close bolt store: %v", err), log.WarnLevel)
		}
		p.bolt = nil
	}

}

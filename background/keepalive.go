package background

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const keepAliveInterval = time.Second

// keepAlive publishes this node's heartbeat in the cache and judges other nodes by theirs.
type keepAlive struct {
	env     *environment
	timeout time.Duration
}

func newKeepAlive(env *environment) *keepAlive {
	return &keepAlive{env: env, timeout: env.general.DeadNodeTimeout}
}

func (k *keepAlive) run(ctx context.Context) {

	lp.LogBackgroundManagerEvent(fmt.Sprintf("starting keep-alive for node %d", k.env.nodeIndex), log.DebugLevel)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		k.beat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

}

func (k *keepAlive) beat(ctx context.Context) {

	if err := k.env.cache.Put(ctx, keepAliveKey(k.env.nodeIndex), encodeNumber(time.Now().UnixMilli())); err != nil && ctx.Err() == nil {
		lp.LogBackgroundManagerEvent(fmt.Sprintf("failed to place keep alive timestamp: %v", err), log.ErrorLevel)
	}

}

// isNodeAlive reports whether nodeIndex sent a heartbeat within the dead node timeout. A node
// whose heartbeat cannot be read is considered alive.
func (k *keepAlive) isNodeAlive(ctx context.Context, nodeIndex int) bool {

	b, err := k.env.cache.Get(ctx, keepAliveKey(nodeIndex))
	if err != nil {
		lp.LogBackgroundManagerEvent(fmt.Sprintf("failed to retrieve the keep alive timestamp of node %d: %v", nodeIndex, err), log.ErrorLevel)
		return true
	}
	ts, ok, err := decodeNumber(b)
	if err != nil {
		lp.LogBackgroundManagerEvent(fmt.Sprintf("invalid keep alive timestamp of node %d: %v", nodeIndex, err), log.ErrorLevel)
		return true
	}
	return ok && ts > time.Now().Add(-k.timeout).UnixMilli()

}

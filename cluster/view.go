// Package cluster determines how many load generator nodes take part in a run and which one of
// them the current process is.
package cluster

import (
	"context"
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// StaticView is a fixed cluster taken from the configuration. It never reports dead nodes.
type StaticView struct {
	size      int
	nodeIndex int
}

var (
	ErrNodeIndexOutOfRange = errors.New("node index is outside of the cluster")
	ErrUnknownDiscovery    = errors.New("unknown cluster discovery mode")
)

var lp *logging.LogProvider

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

func NewStaticView(c StaticConfig) (*StaticView, error) {

	if c.Size <= 0 || c.NodeIndex >= c.Size {
		return nil, errors.Wrapf(ErrNodeIndexOutOfRange, "node index %d, cluster size %d", c.NodeIndex, c.Size)
	}
	lp.LogClusterEvent(fmt.Sprintf("using static cluster view: node %d of %d", c.NodeIndex, c.Size), log.InfoLevel)
	return &StaticView{size: c.Size, nodeIndex: c.NodeIndex}, nil

}

func (v *StaticView) Size() int {
	return v.size
}

func (v *StaticView) NodeIndex() int {
	return v.nodeIndex
}

func (v *StaticView) DeadNodes(_ context.Context) ([]int, error) {
	return nil, nil
}

// Discover builds the view selected by c.Discovery.
func Discover(ctx context.Context, c Config) (View, error) {

	switch c.Discovery {
	case Static:
		return NewStaticView(c.Static)
	case K8sInCluster, K8sOutOfCluster:
		return NewKubernetesView(ctx, c.Discovery, c.K8s)
	default:
		return nil, errors.Wrapf(ErrUnknownDiscovery, "'%s'", c.Discovery)
	}

}

// View is the cluster view the background manager consumes.
type View interface {
	Size() int
	NodeIndex() int
	DeadNodes(ctx context.Context) ([]int, error)
}

package main

import (
	"context"
	"fmt"
	"hazelstress/api"
	"hazelstress/background"
	"hazelstress/client"
	"hazelstress/cluster"
	"hazelstress/loadsupport"
	"hazelstress/logging"
	"hazelstress/state"
	"hazelstress/status"
	"hazelstress/traits"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const errorCheckInterval = 30 * time.Second

var lp *logging.LogProvider

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

func main() {

	if err := newRootCommand().Execute(); err != nil {
		lp.LogInternalStateEvent(fmt.Sprintf("hazelstress terminated with error: %v", err), log.ErrorLevel)
		os.Exit(1)
	}

}

func newRootCommand() *cobra.Command {

	cmd := &cobra.Command{
		Use:   "hazelstress",
		Short: "Background stressors and consistency checkers for a distributed cache",
		Long: `hazelstress keeps a distributed cache under steady background load while checkers
verify that every write acknowledged by the cache can be read back in order.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.ParseConfigs(cmd); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, client.DefaultConfigPropertyAssigner{})
		},
	}
	client.BindCommandLineArgs(cmd)
	return cmd

}

func run(ctx context.Context, a client.ConfigPropertyAssigner) error {

	var enabled bool
	if err := a.Assign("background.enabled", client.ValidateBool, func(v any) {
		enabled = v.(bool)
	}); err != nil {
		return err
	}

	var port int
	if err := a.Assign("api.port", client.ValidateInt, func(v any) {
		port = v.(int)
	}); err != nil {
		return err
	}

	server := api.Expose(port)
	defer func() {
		if err := server.Shutdown(context.Background()); err != nil {
			lp.LogApiEvent(fmt.Sprintf("unable to shut down api server: %v", err), log.WarnLevel)
		}
	}()

	if !enabled {
		lp.LogBackgroundManagerEvent("background stressors disabled, only serving the api", log.InfoLevel)
		api.RaiseNotReady()
		api.RaiseReady()
		<-ctx.Done()
		return nil
	}
	api.RaiseNotReady()

	bc, err := background.PopulateConfig(a)
	if err != nil {
		return errors.Wrap(err, "invalid background configuration")
	}
	cc, err := cluster.PopulateConfig(a)
	if err != nil {
		return errors.Wrap(err, "invalid cluster configuration")
	}
	pc, err := populateCacheConfig(a)
	if err != nil {
		return errors.Wrap(err, "invalid cache configuration")
	}

	view, err := cluster.Discover(ctx, *cc)
	if err != nil {
		return err
	}

	provider := newCacheProvider(*pc)
	defer provider.close(context.Background())

	if err := cleanPreviousRun(ctx, provider, view, pc.name); err != nil {
		return err
	}

	g := status.NewGatherer()
	go g.Listen()
	defer g.StopListen()

	m, err := background.NewManager(ctx, *bc, view, provider, traits.DecimalKeyGenerator{}, &loadsupport.FixedValueGenerator{}, g)
	if err != nil {
		return err
	}
	api.RegisterStatusSource("background", m.Status)
	api.RegisterStatusSource("statistics", g.AssembleStatusCopy)

	m.StartStats()
	defer m.StopStats()

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()
	api.RaiseReady()

	lp.LogBackgroundManagerEvent(fmt.Sprintf("node %d of %d stressing cache '%s'", view.NodeIndex(), view.Size(), pc.name), log.InfoLevel)
	return watch(ctx, m)

}

// cleanPreviousRun evicts the background cache before the first node starts loading.
func cleanPreviousRun(ctx context.Context, p background.CacheProvider, view cluster.View, name string) error {

	if view.NodeIndex() != 0 {
		return nil
	}

	caches, err := p.Caches(ctx, name)
	if err != nil {
		return err
	}
	e, ok := caches.Cache.(traits.Evictor)
	if !ok {
		lp.LogStateCleanerEvent("cache cannot be evicted, skipping pre-run clean", name, log.WarnLevel)
		return nil
	}
	return state.RunCleaners(ctx, name, e)

}

// watch reports failures and stagnation of the background engine until ctx is done.
func watch(ctx context.Context, m *background.Manager) error {

	t := time.NewTicker(errorCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			lp.LogBackgroundManagerEvent("shutdown requested", log.InfoLevel)
			if err := m.Error(context.Background(), true); err != nil {
				lp.LogBackgroundManagerEvent(fmt.Sprintf("failures detected during run: %v", err), log.ErrorLevel)
			}
			return nil
		case <-t.C:
			if err := m.Error(ctx, false); err != nil {
				lp.LogBackgroundManagerEvent(fmt.Sprintf("background engine reports error: %v", err), log.ErrorLevel)
			}
		}
	}

}

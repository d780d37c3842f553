package background

import (
	"context"
	"fmt"
	"hazelstress/client"
	"hazelstress/loadsupport"
	"hazelstress/logging"
	"hazelstress/status"
	"hazelstress/traits"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	stopGracePeriod      = time.Second
	loadedPollInterval   = 100 * time.Millisecond
	progressPollInterval = time.Second
)

type (
	// ClusterView tells the manager where this node sits in the cluster of load generators.
	ClusterView interface {
		Size() int
		NodeIndex() int
		// DeadNodes lists the indices of nodes that are expected but not running.
		DeadNodes(ctx context.Context) ([]int, error)
	}
	// Caches are the views of the one background cache. Only Cache is mandatory.
	Caches struct {
		Cache         traits.Cache
		Conditional   traits.ConditionalCache
		Transactional traits.Transactional
		Listenable    traits.Listenable
		SizeReporter  traits.SizeReporter
	}
	// CacheProvider acquires the background cache, possibly again after the service restarted.
	CacheProvider interface {
		Caches(ctx context.Context, name string) (*Caches, error)
	}
	workerGroup struct {
		cancel context.CancelFunc
		g      *errgroup.Group
	}
	// Manager owns the stressors and checkers of this node and drives their lifecycle.
	Manager struct {
		mu sync.Mutex
		// guards the worker slices and cache handles read by statistics and status
		workers sync.RWMutex

		c        Config
		view     ClusterView
		provider CacheProvider
		caches   *Caches
		env      *environment
		failures *FailureHolder

		pool      *CheckerPool
		keepAlive *keepAlive
		stats     *statisticsManager

		stressors      []*Stressor
		checkers       []*LogChecker
		stressorGroup  *workerGroup
		checkerGroup   *workerGroup
		keepAliveGroup *workerGroup

		loaded         bool
		serviceRunning bool
	}
)

var (
	ErrAlreadyRunning    = errors.New("stressors are already running")
	ErrNotLoaded         = errors.New("background caches are not loaded")
	ErrNoCheckerProgress = errors.New("no progress in checkers")
	ErrNoProgress        = errors.New("stressors made no progress")
	ErrTooFewEntries     = errors.New("fewer entries than stressor threads in the cluster")
)

var lp *logging.LogProvider

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

// CachesOf exposes every capability c implements.
func CachesOf(c traits.Cache) *Caches {

	caches := &Caches{Cache: c}
	if v, ok := c.(traits.ConditionalCache); ok {
		caches.Conditional = v
	}
	if v, ok := c.(traits.Transactional); ok {
		caches.Transactional = v
	}
	if v, ok := c.(traits.Listenable); ok {
		caches.Listenable = v
	}
	if v, ok := c.(traits.SizeReporter); ok {
		caches.SizeReporter = v
	}
	return caches

}

func NewManager(ctx context.Context, c Config, view ClusterView, provider CacheProvider, keys traits.KeyGenerator, values loadsupport.ValueGenerator, g *status.Gatherer) (*Manager, error) {

	if err := c.validate(); err != nil {
		return nil, err
	}
	if view.NodeIndex() < 0 || view.NodeIndex() >= view.Size() {
		return nil, errors.Newf("node index %d outside of cluster of size %d", view.NodeIndex(), view.Size())
	}
	// each thread owns a private slice of the key space unless keys are shared
	if total := c.General.NumThreads * view.Size(); !c.General.SharedKeys && c.General.NumEntries < total {
		return nil, errors.Wrapf(ErrTooFewEntries, "%d entries for %d threads", c.General.NumEntries, total)
	}

	m := &Manager{
		c:        c,
		view:     view,
		provider: provider,
		failures: &FailureHolder{},
	}
	m.env = &environment{
		general:     c.General,
		legacy:      c.Legacy,
		log:         c.Log,
		nodeIndex:   view.NodeIndex(),
		clusterSize: view.Size(),
		keys:        keys,
		values:      values,
		failures:    m.failures,
	}
	m.keepAlive = newKeepAlive(m.env)
	m.env.liveness = m.keepAlive
	m.stats = newStatisticsManager(c.Stats, m.currentStressors, m.failures, m, g)

	if err := m.loadCaches(ctx); err != nil {
		return nil, err
	}
	m.serviceRunning = true

	lp.LogBackgroundManagerEvent(fmt.Sprintf("background manager created for node %d of %d with %d threads",
		m.env.nodeIndex, m.env.clusterSize, c.General.NumThreads), log.InfoLevel)
	return m, nil

}

func (m *Manager) loadCaches(ctx context.Context) error {

	caches, err := m.provider.Caches(ctx, m.c.General.CacheName)
	if err != nil {
		return errors.Wrapf(err, "unable to acquire background cache '%s'", m.c.General.CacheName)
	}
	if caches == nil || caches.Cache == nil {
		return errors.Wrapf(ErrNotLoaded, "no cache named '%s'", m.c.General.CacheName)
	}
	if m.env.usesTransactions() && caches.Transactional == nil {
		return errors.Wrapf(traits.ErrTransactionsUnsupported, "transaction size %d", m.c.General.TransactionSize)
	}
	if m.c.General.SharedKeys && caches.Conditional == nil {
		return ErrConditionalCacheRequired
	}

	m.workers.Lock()
	{
		m.caches = caches
		m.env.cache = caches.Cache
		m.env.conditional = caches.Conditional
		m.env.transactional = caches.Transactional
	}
	m.workers.Unlock()
	return nil

}

func (m *Manager) unloadCaches(ctx context.Context) {

	m.workers.Lock()
	caches := m.caches
	m.caches = nil
	m.workers.Unlock()

	if caches != nil && caches.Listenable != nil && m.c.Log.CheckNotifications {
		if err := caches.Listenable.RemoveListeners(ctx); err != nil {
			lp.LogBackgroundManagerEvent(fmt.Sprintf("unable to remove listeners: %v", err), log.WarnLevel)
		}
	}

}

// OwnedSize reports the number of background cache entries owned by this node, as far as the
// cache can tell them apart from the entries of other nodes.
func (m *Manager) OwnedSize(ctx context.Context) (int64, error) {

	m.workers.RLock()
	caches := m.caches
	m.workers.RUnlock()

	if caches == nil || caches.SizeReporter == nil {
		return 0, ErrNotLoaded
	}
	return caches.SizeReporter.OwnedSize(ctx)

}

func (m *Manager) currentStressors() []*Stressor {

	m.workers.RLock()
	defer m.workers.RUnlock()

	return append([]*Stressor(nil), m.stressors...)

}

// Start launches the stressors and, with log logic, the checkers of this node. With legacy
// logic configured to wait until loaded, it returns once all stressors finished loading.
func (m *Manager) Start(ctx context.Context) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.startBackgroundThreads(ctx, true, true); err != nil {
		return err
	}
	if !m.c.Log.Enabled && m.c.Legacy.WaitUntilLoaded {
		return m.waitUntilLoaded(ctx)
	}
	return nil

}

func (m *Manager) startBackgroundThreads(ctx context.Context, stressors, checkers bool) error {

	if m.c.Legacy.NoLoading {
		m.loaded = true
	}
	if stressors && m.stressors != nil {
		lp.LogBackgroundManagerEvent("stressor threads already running", log.WarnLevel)
		return ErrAlreadyRunning
	}
	if m.caches == nil {
		if err := m.loadCaches(ctx); err != nil {
			return err
		}
	}

	if m.c.Log.Enabled && m.pool == nil {
		if err := m.createPool(ctx); err != nil {
			return err
		}
	}

	if stressors {
		if err := m.startStressors(ctx); err != nil {
			return err
		}
	}
	if checkers && m.c.Log.Enabled && m.checkers == nil {
		m.startCheckers(ctx)
	}
	if m.c.Log.Enabled && m.c.Log.IgnoreDeadCheckers && m.keepAliveGroup == nil {
		m.keepAliveGroup = startWorkers(ctx, 1, func(ctx context.Context, _ int) {
			m.keepAlive.run(ctx)
		})
	}
	return nil

}

func (m *Manager) createPool(ctx context.Context) error {

	total := m.env.totalThreads()
	records := make([]*StressorRecord, 0, total)
	for threadID := 0; threadID < total; threadID++ {
		records = append(records, NewStressorRecord(threadID, m.recordRange(threadID)))
	}
	m.pool = NewCheckerPool(records)

	if m.c.Log.CheckNotifications {
		return m.registerListeners(ctx)
	}
	return nil

}

func (m *Manager) recordRange(threadID int) KeyRange {

	offset := m.c.General.KeyIDOffset
	if m.c.General.SharedKeys {
		return KeyRange{offset, offset + int64(m.c.General.NumEntries)}
	}
	return divideRange(int64(m.c.General.NumEntries), m.env.totalThreads(), threadID).Shift(offset)

}

func (m *Manager) registerListeners(ctx context.Context) error {

	if err := m.pool.RegisterListeners(ctx, m.caches.Listenable); err != nil {
		return errors.Wrap(err, "notifications cannot be checked")
	}
	lp.LogBackgroundManagerEvent("registered listeners for notification checks", log.DebugLevel)
	return nil

}

func (m *Manager) startStressors(ctx context.Context) error {

	numThreads := m.c.General.NumThreads
	stressors := make([]*Stressor, numThreads)
	for i := range numThreads {
		s := newStressor(m.env.nodeIndex*numThreads+i, i, m.c.General)
		logic, err := m.createLogic(ctx, s, i)
		if err != nil {
			return err
		}
		s.logic = logic
		stressors[i] = s
	}

	m.workers.Lock()
	m.stressors = stressors
	m.workers.Unlock()

	m.stressorGroup = startWorkers(ctx, numThreads, func(ctx context.Context, i int) {
		stressors[i].run(ctx)
	})
	lp.LogBackgroundManagerEvent(fmt.Sprintf("started %d stressor threads", numThreads), log.InfoLevel)
	return nil

}

func (m *Manager) startCheckers(ctx context.Context) {

	if m.c.Log.IgnoreDeadCheckers {
		// stale timestamps from before a pause must not count as stagnation
		now := time.Now().UnixMilli()
		for _, r := range m.pool.Records() {
			r.SetLastSuccessfulCheckTimestamp(now)
		}
	}

	checkers := make([]*LogChecker, m.c.Log.CheckingThreads)
	for i := range checkers {
		checkers[i] = newLogChecker(i, m.env, m.pool)
	}

	m.workers.Lock()
	m.checkers = checkers
	m.workers.Unlock()

	m.checkerGroup = startWorkers(ctx, len(checkers), func(ctx context.Context, i int) {
		checkers[i].run(ctx)
	})
	lp.LogBackgroundManagerEvent(fmt.Sprintf("started %d checker threads", len(checkers)), log.InfoLevel)

}

func (m *Manager) createLogic(ctx context.Context, s *Stressor, index int) (Logic, error) {

	g := m.c.General
	offset := g.KeyIDOffset
	total := m.env.totalThreads()

	if g.SharedKeys {
		return newSharedLogLogic(m.env, s, KeyRange{offset, offset + int64(g.NumEntries)})
	}

	keyRange := divideRange(int64(g.NumEntries), total, s.threadID).Shift(offset)
	lp.LogStressorEvent(fmt.Sprintf("using key range %s", keyRange), s.threadID, log.DebugLevel)
	if m.c.Log.Enabled {
		return newPrivateLogLogic(m.env, s, keyRange), nil
	}

	var deadRanges []KeyRange
	if !m.loaded && m.c.Legacy.LoadDataForDeadNodes {
		deadRanges = m.deadRanges(ctx, index)
	}
	return newLegacyLogic(m.env, s, keyRange, deadRanges, m.loaded), nil

}

// deadRanges returns the share of the dead nodes' keys the stressor at index loads in their
// stead. The keys are balanced over the stressors of all live nodes.
func (m *Manager) deadRanges(ctx context.Context, index int) []KeyRange {

	dead, err := m.view.DeadNodes(ctx)
	if err != nil {
		lp.LogBackgroundManagerEvent(fmt.Sprintf("unable to determine dead nodes, not loading their data: %v", err), log.WarnLevel)
		return nil
	}
	if len(dead) == 0 {
		return nil
	}

	g := m.c.General
	total := m.env.totalThreads()
	var ranges []KeyRange
	liveID := m.env.nodeIndex
	for _, node := range dead {
		for i := range g.NumThreads {
			ranges = append(ranges, divideRange(int64(g.NumEntries), total, node*g.NumThreads+i).Shift(g.KeyIDOffset))
		}
		if node < m.env.nodeIndex {
			liveID--
		}
	}

	live := m.env.clusterSize - len(dead)
	if live <= 0 {
		return nil
	}
	return balance(ranges, live*g.NumThreads)[index+g.NumThreads*liveID]

}

func (m *Manager) waitUntilLoaded(ctx context.Context) error {

	if m.c.Log.Enabled {
		lp.LogBackgroundManagerEvent("log logic does not load data", log.WarnLevel)
		return nil
	}
	for {
		loaded := true
		for _, s := range m.stressors {
			if l, ok := s.logic.(*legacyLogic); ok && !l.IsLoaded() {
				loaded = false
				break
			}
		}
		if loaded {
			m.loaded = true
			lp.LogBackgroundManagerEvent("all stressors finished loading", log.InfoLevel)
			return nil
		}
		if !sleep(ctx, loadedPollInterval) {
			return ctx.Err()
		}
	}

}

// Stop terminates stressors, checkers and the keep-alive of this node.
func (m *Manager) Stop() {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopBackgroundThreads(true, true, true)

}

func (m *Manager) stopBackgroundThreads(stressors, checkers, keepAlive bool) {

	if stressors && m.stressorGroup != nil {
		for _, s := range m.stressors {
			s.requestTerminate()
		}
		m.stressorGroup.join(stopGracePeriod)
		m.stressorGroup = nil
		m.workers.Lock()
		m.stressors = nil
		m.workers.Unlock()
		lp.LogBackgroundManagerEvent("stressor threads stopped", log.InfoLevel)
	}
	if checkers && m.checkerGroup != nil {
		for _, c := range m.checkers {
			c.requestTerminate()
		}
		m.checkerGroup.join(stopGracePeriod)
		m.checkerGroup = nil
		m.workers.Lock()
		m.checkers = nil
		m.workers.Unlock()
		lp.LogBackgroundManagerEvent("checker threads stopped", log.InfoLevel)
	}
	if keepAlive && m.keepAliveGroup != nil {
		m.keepAliveGroup.join(0)
		m.keepAliveGroup = nil
	}

}

func startWorkers(ctx context.Context, n int, run func(ctx context.Context, i int)) *workerGroup {

	// workers outlive the call that started them
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &workerGroup{cancel: cancel, g: &errgroup.Group{}}
	for i := range n {
		w.g.Go(func() error {
			run(ctx, i)
			return nil
		})
	}
	return w

}

// join waits up to grace for the workers to return on their own, then cancels and awaits them.
func (w *workerGroup) join(grace time.Duration) {

	done := make(chan struct{})
	go func() {
		_ = w.g.Wait()
		close(done)
	}()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		lp.LogBackgroundManagerEvent("workers did not stop within grace period, cancelling", log.DebugLevel)
	}
	w.cancel()
	<-done

}

// WaitUntilChecked stops the stressors and blocks until the checkers confirmed every operation
// the stressors persisted a checkpoint for. The checkers are stopped afterwards.
func (m *Manager) WaitUntilChecked(ctx context.Context) error {

	m.mu.Lock()
	pool, cache := m.pool, m.env.cache
	if pool == nil || m.checkers == nil {
		m.mu.Unlock()
		lp.LogBackgroundManagerEvent("no checkers are running, nothing to wait for", log.WarnLevel)
		return ErrNotLoaded
	}
	m.stopBackgroundThreads(true, false, false)
	m.mu.Unlock()

	if err := pool.WaitUntilChecked(ctx, cache, m.c.Log.NoProgressTimeout); err != nil {
		return err
	}

	m.mu.Lock()
	m.stopBackgroundThreads(false, true, false)
	m.mu.Unlock()
	return nil

}

// ResumeAfterChecked restarts the stressors and checkers paused by WaitUntilChecked.
func (m *Manager) ResumeAfterChecked(ctx context.Context) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool == nil {
		return ErrNotLoaded
	}
	return m.startBackgroundThreads(ctx, m.stressors == nil, true)

}

// WaitForProgress blocks until every stressor confirmed at least one operation more than it had
// when the call was made.
func (m *Manager) WaitForProgress(ctx context.Context, timeout time.Duration) error {

	stressors := m.currentStressors()
	initial := make(map[int]int64, len(stressors))
	for _, s := range stressors {
		if r, ok := s.logic.(progressReporter); ok {
			initial[s.threadID] = r.LastConfirmedOperationID()
		}
	}

	deadline := time.Now().Add(timeout)
	for len(initial) > 0 {
		for _, s := range stressors {
			from, ok := initial[s.threadID]
			if ok && s.logic.(progressReporter).LastConfirmedOperationID() > from {
				delete(initial, s.threadID)
			}
		}
		if len(initial) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrNoProgress, "%d stressors stuck after %s", len(initial), timeout)
		}
		if !sleep(ctx, progressPollInterval) {
			return ctx.Err()
		}
	}
	return nil

}

// Error returns the aggregated failures or, unless failuresOnly, a stagnation error if some
// record has not been checked successfully within the no progress timeout.
func (m *Manager) Error(ctx context.Context, failuresOnly bool) error {

	if !m.c.Log.Enabled {
		return nil
	}
	if failures := m.failures.Error(); failures != "" {
		return errors.New(failures)
	}
	if failuresOnly {
		return nil
	}

	m.mu.Lock()
	pool, running := m.pool, m.serviceRunning && m.checkers != nil
	m.mu.Unlock()
	if pool == nil || !running {
		return nil
	}

	now := time.Now().UnixMilli()
	timeout := m.c.Log.NoProgressTimeout.Milliseconds()
	var stuck []*StressorRecord
	for _, r := range pool.Records() {
		if m.c.Log.IgnoreDeadCheckers && !m.keepAlive.isNodeAlive(ctx, r.ThreadID()/m.c.General.NumThreads) {
			continue
		}
		if now-r.LastSuccessfulCheckTimestamp() > timeout {
			stuck = append(stuck, r)
		}
	}
	if len(stuck) == 0 {
		return nil
	}

	for _, r := range stuck {
		lp.LogBackgroundManagerEvent(fmt.Sprintf("no progress in record %s", r.Status()), log.ErrorLevel)
	}
	for _, s := range m.currentStressors() {
		lp.LogBackgroundManagerEvent(s.Status(), log.InfoLevel)
	}
	lp.LogBackgroundManagerEvent("goroutine dump:\n"+goroutineDump(), log.InfoLevel)
	return errors.Wrapf(ErrNoCheckerProgress, "%d records not checked within %s", len(stuck), m.c.Log.NoProgressTimeout)

}

func goroutineDump() string {

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])

}

func (m *Manager) StartStats() {
	m.stats.start()
}

func (m *Manager) StopStats() {
	m.stats.stop()
}

// Stats returns and clears the iterations gathered since StartStats, or nil if statistics were
// not started.
func (m *Manager) Stats() []IterationStats {
	return m.stats.gathered()
}

// AfterServiceStart re-acquires the caches of a restarted service and resumes stressing. The data
// is assumed to survive the restart, so nothing is loaded again.
func (m *Manager) AfterServiceStart(ctx context.Context) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.loaded = true
	if err := m.loadCaches(ctx); err != nil {
		return err
	}
	m.serviceRunning = true
	if m.pool != nil && m.c.Log.CheckNotifications {
		if err := m.registerListeners(ctx); err != nil {
			return err
		}
	}
	return m.startBackgroundThreads(ctx, true, true)

}

func (m *Manager) BeforeServiceStop(ctx context.Context) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.serviceRunning = false
	m.stopBackgroundThreads(true, true, true)
	m.unloadCaches(ctx)

}

func (m *Manager) ServiceDestroyed() {
	m.StopStats()
}

func (m *Manager) IsLoaded() bool {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.loaded

}

// Status describes the state of all workers of this node.
func (m *Manager) Status() map[string]any {

	m.workers.RLock()
	stressors := make([]string, 0, len(m.stressors))
	for _, s := range m.stressors {
		stressors = append(stressors, s.Status())
	}
	numCheckers := len(m.checkers)
	m.workers.RUnlock()

	result := map[string]any{
		"nodeIndex":   m.env.nodeIndex,
		"clusterSize": m.env.clusterSize,
		"stressors":   stressors,
		"checkers":    numCheckers,
		"failures":    m.failures.Counts(),
	}
	if pool := m.currentPool(); pool != nil {
		result["records"] = pool.summary()
		result["lastStoredOperation"] = time.UnixMilli(pool.LastStoredOperationTimestamp())
	}
	return result

}

func (m *Manager) currentPool() *CheckerPool {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pool

}

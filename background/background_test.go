package background

import (
	"bytes"
	"context"
	"errors"
	"hazelstress/loadsupport"
	"hazelstress/traits"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

type (
	testWorker struct {
		threadID  int
		stats     *Statistics
		terminate atomix.Bool
	}
	testCache struct {
		mu   sync.Mutex
		data map[string][]byte
		// number of upcoming gets and commits that fail
		failGets    int
		failCommits int
		rollbacks   int
		commits     int
	}
	testTransaction struct {
		c      *testCache
		active bool
		writes map[string][]byte
		order  []string
	}
	testTxCache struct {
		tx *testTransaction
	}
	testLiveness struct {
		dead map[int]bool
	}
	testView struct {
		size, nodeIndex int
		dead            []int
	}
	testProvider struct {
		caches *Caches
		err    error
	}
)

var (
	errTestGet    = errors.New("cache refused to answer get")
	errTestCommit = errors.New("cache refused to commit transaction")
)

// skipUnderRace skips tests running workers concurrently: the race detector reports the
// cross-variable ordering of the lock-free queue and relaxed atomics as races.
func skipUnderRace(t *testing.T) {

	if lfq.RaceEnabled {
		t.Skip("skip: lock-free algorithm uses cross-variable memory ordering")
	}

}

func newTestWorker(threadID int) *testWorker {
	return &testWorker{threadID: threadID, stats: newStatistics()}
}

func (w *testWorker) id() int {
	return w.threadID
}

func (w *testWorker) isTerminated() bool {
	return w.terminate.Load()
}

func (w *testWorker) requestTerminate() {
	w.terminate.Store(true)
}

func (w *testWorker) statistics() *Statistics {
	return w.stats
}

func newTestCache() *testCache {
	return &testCache{data: map[string][]byte{}}
}

func (c *testCache) Get(_ context.Context, key string) ([]byte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failGets > 0 {
		c.failGets--
		return nil, errTestGet
	}
	return c.data[key], nil

}

func (c *testCache) Put(_ context.Context, key string, value []byte) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = value
	return nil

}

func (c *testCache) GetAndRemove(_ context.Context, key string) ([]byte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.data[key]
	delete(c.data, key)
	return v, nil

}

func (c *testCache) Remove(_ context.Context, key string) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil

}

func (c *testCache) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil

}

func (c *testCache) Replace(_ context.Context, key string, oldValue, newValue []byte) (bool, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.data[key]; !ok || !bytes.Equal(current, oldValue) {
		return false, nil
	}
	c.data[key] = newValue
	return true, nil

}

func (c *testCache) RemoveIfSame(_ context.Context, key string, oldValue []byte) (bool, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.data[key]; !ok || !bytes.Equal(current, oldValue) {
		return false, nil
	}
	delete(c.data, key)
	return true, nil

}

func (c *testCache) OwnedSize(_ context.Context) (int64, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return int64(len(c.data)), nil

}

func (c *testCache) NewTransaction() traits.Transaction {
	return &testTransaction{c: c}
}

func (c *testCache) value(key string) []byte {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.data[key]

}

func (c *testCache) set(key string, value []byte) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		delete(c.data, key)
	} else {
		c.data[key] = value
	}

}

func (t *testTransaction) Begin(_ context.Context) error {

	t.active = true
	t.writes = map[string][]byte{}
	t.order = nil
	return nil

}

func (t *testTransaction) Commit(_ context.Context) error {

	if !t.active {
		return traits.ErrTransactionNotActive
	}
	t.active = false

	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	if t.c.failCommits > 0 {
		t.c.failCommits--
		return errTestCommit
	}
	for _, key := range t.order {
		if v := t.writes[key]; v == nil {
			delete(t.c.data, key)
		} else {
			t.c.data[key] = v
		}
	}
	t.c.commits++
	return nil

}

func (t *testTransaction) Rollback(_ context.Context) error {

	if !t.active {
		return traits.ErrTransactionNotActive
	}
	t.active = false
	t.writes = nil

	t.c.mu.Lock()
	t.c.rollbacks++
	t.c.mu.Unlock()
	return nil

}

func (t *testTransaction) WrapCache(_ traits.Cache) traits.Cache {
	return &testTxCache{t}
}

func (t *testTransaction) WrapConditional(_ traits.ConditionalCache) traits.ConditionalCache {
	return &testTxCache{t}
}

func (t *testTransaction) write(key string, value []byte) {

	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = value

}

func (c *testTxCache) Get(ctx context.Context, key string) ([]byte, error) {

	if v, ok := c.tx.writes[key]; ok {
		return v, nil
	}
	return c.tx.c.Get(ctx, key)

}

func (c *testTxCache) Put(_ context.Context, key string, value []byte) error {

	c.tx.write(key, value)
	return nil

}

func (c *testTxCache) GetAndRemove(ctx context.Context, key string) ([]byte, error) {

	v, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.tx.write(key, nil)
	return v, nil

}

func (c *testTxCache) Remove(_ context.Context, key string) error {

	c.tx.write(key, nil)
	return nil

}

func (c *testTxCache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {

	v, err := c.Get(ctx, key)
	if err != nil || v != nil {
		return false, err
	}
	c.tx.write(key, value)
	return true, nil

}

func (c *testTxCache) Replace(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {

	v, err := c.Get(ctx, key)
	if err != nil || v == nil || !bytes.Equal(v, oldValue) {
		return false, err
	}
	c.tx.write(key, newValue)
	return true, nil

}

func (c *testTxCache) RemoveIfSame(ctx context.Context, key string, oldValue []byte) (bool, error) {

	v, err := c.Get(ctx, key)
	if err != nil || v == nil || !bytes.Equal(v, oldValue) {
		return false, err
	}
	c.tx.write(key, nil)
	return true, nil

}

func (l testLiveness) isNodeAlive(_ context.Context, nodeIndex int) bool {
	return !l.dead[nodeIndex]
}

func (v testView) Size() int {
	return v.size
}

func (v testView) NodeIndex() int {
	return v.nodeIndex
}

func (v testView) DeadNodes(_ context.Context) ([]int, error) {
	return v.dead, nil
}

func (p testProvider) Caches(_ context.Context, _ string) (*Caches, error) {
	return p.caches, p.err
}

func testLogConfig() LogConfig {

	return LogConfig{
		Enabled:                         true,
		ValueMaxSize:                    50,
		CounterUpdatePeriod:             1,
		CheckingThreads:                 1,
		NoProgressTimeout:               30 * time.Second,
		CheckDelayedRemoveExpectedValue: true,
		MaxTransactionAttempts:          -1,
		MaxDelayedRemoveAttempts:        -1,
	}

}

// newTestEnvironment returns the environment of node 0 in a cluster of one node running one
// stressor thread on c.
func newTestEnvironment(c *testCache, puts, removes int) *environment {

	return &environment{
		general: GeneralConfig{
			CacheName:  "ht_background",
			NumThreads: 1,
			NumEntries: 16,
			Puts:       puts,
			Removes:    removes,
		},
		log:           testLogConfig(),
		nodeIndex:     0,
		clusterSize:   1,
		cache:         c,
		conditional:   c,
		transactional: c,
		keys:          traits.DecimalKeyGenerator{},
		values:        loadsupport.RandomValueGenerator{},
		failures:      &FailureHolder{},
		liveness:      testLiveness{},
	}

}

func privateValueOf(c *testCache, key string) *PrivateLogValue {

	v, _ := decodePrivateLogValue(c.value(key))
	return v

}

func sharedValueOf(c *testCache, key string) *SharedLogValue {

	v, _ := decodeSharedLogValue(c.value(key))
	return v

}

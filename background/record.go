package background

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type confirmation struct {
	operationID int64
	timestamp   int64
}

// StressorRecord is the checker-side cursor for one stressor thread. It replays the stressor's
// key sequence from the same seed and tracks confirmations written by the stressor as well as
// notifications received for its operations.
type StressorRecord struct {
	mu                             sync.Mutex
	rand                           *Replay
	keyRange                       KeyRange
	threadID                       int
	currentKeyID                   int64
	currentOp                      int64
	confirmations                  []confirmation
	lastUnsuccessfulCheckTimestamp int64
	lastSuccessfulCheckTimestamp   int64
	notifiedOps                    map[int64]struct{}
	requireNotify                  int64
}

func NewStressorRecord(threadID int, keyRange KeyRange) *StressorRecord {

	r := &StressorRecord{
		rand:                           NewReplay(int64(threadID)),
		keyRange:                       keyRange,
		threadID:                       threadID,
		currentOp:                      -1,
		lastUnsuccessfulCheckTimestamp: math.MinInt64,
		lastSuccessfulCheckTimestamp:   time.Now().UnixMilli(),
		notifiedOps:                    map[int64]struct{}{},
		requireNotify:                  math.MaxInt64,
	}
	r.advance()
	return r

}

func (r *StressorRecord) advance() {

	r.currentKeyID = r.keyRange.Start
	if size := r.keyRange.Size(); size > 0 {
		r.currentKeyID += r.rand.Int63() % size
	}
	r.checkFinished(r.currentOp)
	r.currentOp++

}

// checkFinished drops bookkeeping for operations up to and including operationID.
func (r *StressorRecord) checkFinished(operationID int64) {

	i := 0
	for i < len(r.confirmations) && r.confirmations[i].operationID <= operationID {
		i++
	}
	r.confirmations = r.confirmations[i:]
	delete(r.notifiedOps, operationID)

}

// Next moves the cursor to the following operation and the key it is expected on.
func (r *StressorRecord) Next() {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.advance()

}

// Restore continues the key sequence from a checkpoint: the record then expects operationID+1.
func (r *StressorRecord) Restore(operationID, seed int64) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rand.WithSeed(seed)
	r.currentOp = operationID
	r.advance()

}

func (r *StressorRecord) ThreadID() int {
	return r.threadID
}

func (r *StressorRecord) OperationID() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentOp

}

func (r *StressorRecord) KeyID() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentKeyID

}

// Seed returns the generator state after drawing the current key.
func (r *StressorRecord) Seed() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.rand.Seed()

}

func (r *StressorRecord) Notify(operationID int64, key string) {

	r.mu.Lock()
	defer r.mu.Unlock()

	_, duplicate := r.notifiedOps[operationID]
	if operationID < r.currentOp || duplicate {
		lp.LogCheckerEvent(fmt.Sprintf("duplicate notification for operation %d on key '%s'", operationID, key), r.name(), log.WarnLevel)
		return
	}
	r.notifiedOps[operationID] = struct{}{}

}

// RequireNotify lowers the watermark from which notifications are required.
func (r *StressorRecord) RequireNotify(operationID int64) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if operationID < r.requireNotify {
		r.requireNotify = operationID
	}

}

func (r *StressorRecord) HasNotification(operationID int64) bool {

	r.mu.Lock()
	defer r.mu.Unlock()

	if operationID < r.requireNotify {
		return true
	}
	_, ok := r.notifiedOps[operationID]
	return ok

}

// AddConfirmation records that the stressor persisted a checkpoint for operationID at timestamp.
// Confirmations are kept sorted by operation and duplicates are ignored.
func (r *StressorRecord) AddConfirmation(operationID, timestamp int64) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if operationID < r.currentOp {
		return
	}
	i := sort.Search(len(r.confirmations), func(i int) bool {
		return r.confirmations[i].operationID >= operationID
	})
	if i < len(r.confirmations) && r.confirmations[i].operationID == operationID {
		return
	}
	r.confirmations = append(r.confirmations, confirmation{})
	copy(r.confirmations[i+1:], r.confirmations[i:])
	r.confirmations[i] = confirmation{operationID, timestamp}

}

// CurrentConfirmationTimestamp returns the timestamp of the earliest confirmation covering the
// current operation, or -1 if the stressor has not confirmed it yet.
func (r *StressorRecord) CurrentConfirmationTimestamp() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.confirmations {
		if c.operationID >= r.currentOp {
			return c.timestamp
		}
	}
	return -1

}

// LastConfirmedOperationID returns the highest confirmed operation or -1.
func (r *StressorRecord) LastConfirmedOperationID() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.confirmations) == 0 {
		return -1
	}
	return r.confirmations[len(r.confirmations)-1].operationID

}

func (r *StressorRecord) LastUnsuccessfulCheckTimestamp() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastUnsuccessfulCheckTimestamp

}

func (r *StressorRecord) SetLastUnsuccessfulCheckTimestamp(ts int64) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUnsuccessfulCheckTimestamp = ts

}

func (r *StressorRecord) LastSuccessfulCheckTimestamp() int64 {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastSuccessfulCheckTimestamp

}

func (r *StressorRecord) SetLastSuccessfulCheckTimestamp(ts int64) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSuccessfulCheckTimestamp = ts

}

func (r *StressorRecord) name() string {
	return fmt.Sprintf("record-%d", r.threadID)
}

func (r *StressorRecord) notifiedOpsString() string {

	ops := make([]int64, 0, len(r.notifiedOps))
	for op := range r.notifiedOps {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })

	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("%d", op)
	}
	return "[" + strings.Join(parts, ", ") + "]"

}

func (r *StressorRecord) Status() string {

	r.mu.Lock()
	defer r.mu.Unlock()

	lastConfirmed := int64(-1)
	if len(r.confirmations) > 0 {
		lastConfirmed = r.confirmations[len(r.confirmations)-1].operationID
	}
	return fmt.Sprintf("thread=%d, lastStressorOperation=%d, currentOp=%d, currentKeyId=%08X, notifiedOps=%s, requireNotify=%d, lastSuccessfulCheckTimestamp=%d, lastUnsuccessfulCheckTimestamp=%d",
		r.threadID, lastConfirmed, r.currentOp, r.currentKeyID, r.notifiedOpsString(), r.requireNotify,
		r.lastSuccessfulCheckTimestamp, r.lastUnsuccessfulCheckTimestamp)

}

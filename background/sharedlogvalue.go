package background

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

type threadOperation struct {
	threadID    int
	operationID int64
}

// SharedLogValue is the value stored under a key any stressor thread may write to. Entries are
// (thread, operation) pairs in write order.
type SharedLogValue struct {
	entries []threadOperation
}

func NewSharedLogValue(threadID int, operationID int64) *SharedLogValue {
	return &SharedLogValue{entries: []threadOperation{{threadID, operationID}}}
}

func (v *SharedLogValue) With(threadID int, operationID int64) *SharedLogValue {

	entries := make([]threadOperation, len(v.entries)+1)
	copy(entries, v.entries)
	entries[len(v.entries)] = threadOperation{threadID, operationID}
	return &SharedLogValue{entries: entries}

}

// WithChecked drops every entry whose operation has been checked according to checked, which
// maps thread ids to the highest operation confirmed by all checkers, then appends the new
// entry. Threads missing from checked keep all their entries.
func (v *SharedLogValue) WithChecked(threadID int, operationID int64, checked map[int]int64) *SharedLogValue {

	entries := make([]threadOperation, 0, len(v.entries)+1)
	for _, e := range v.entries {
		if c, ok := checked[e.threadID]; ok && e.operationID <= c {
			continue
		}
		entries = append(entries, e)
	}
	entries = append(entries, threadOperation{threadID, operationID})
	return &SharedLogValue{entries: entries}

}

// Join merges two values that share a common prefix. If one of them is the prefix of the other
// the longer one is returned, otherwise the union of both tails is appended to the prefix, tail
// of v first, without duplicates.
func (v *SharedLogValue) Join(other *SharedLogValue) *SharedLogValue {

	common := 0
	for common < len(v.entries) && common < len(other.entries) && v.entries[common] == other.entries[common] {
		common++
	}
	if common == len(v.entries) {
		return other
	}
	if common == len(other.entries) {
		return v
	}

	seen := make(map[threadOperation]struct{}, len(v.entries)+len(other.entries)-2*common)
	entries := make([]threadOperation, common, len(v.entries)+len(other.entries)-common)
	copy(entries, v.entries[:common])
	for _, tail := range [][]threadOperation{v.entries[common:], other.entries[common:]} {
		for _, e := range tail {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			entries = append(entries, e)
		}
	}
	return &SharedLogValue{entries: entries}

}

// MinFrom returns the lowest operation of threadID in v, or math.MaxInt64 if there is none.
func (v *SharedLogValue) MinFrom(threadID int) int64 {

	min := int64(math.MaxInt64)
	for _, e := range v.entries {
		if e.threadID == threadID && e.operationID < min {
			min = e.operationID
		}
	}
	return min

}

func (v *SharedLogValue) Contains(threadID int, operationID int64) bool {

	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].threadID == threadID && v.entries[i].operationID == operationID {
			return true
		}
	}
	return false

}

func (v *SharedLogValue) Size() int {
	return len(v.entries)
}

func (v *SharedLogValue) ThreadID(i int) int {
	return v.entries[i].threadID
}

func (v *SharedLogValue) OperationID(i int) int64 {
	return v.entries[i].operationID
}

func (v *SharedLogValue) Equal(o *SharedLogValue) bool {

	if v == nil || o == nil {
		return v == o
	}
	if len(v.entries) != len(o.entries) {
		return false
	}
	for i := range v.entries {
		if v.entries[i] != o.entries[i] {
			return false
		}
	}
	return true

}

func (v *SharedLogValue) String() string {

	var sb strings.Builder
	fmt.Fprintf(&sb, "[ #%d: ", len(v.entries))
	for _, e := range v.entries {
		fmt.Fprintf(&sb, "%d~%d, ", e.threadID, e.operationID)
	}
	sb.WriteString("]")
	return sb.String()

}

func (v *SharedLogValue) encode() []byte {

	b := make([]byte, 0, 2+len(v.entries)*4)
	b = append(b, tagSharedLogValue)
	b = binary.AppendUvarint(b, uint64(len(v.entries)))
	for _, e := range v.entries {
		b = binary.AppendVarint(b, int64(e.threadID))
		b = binary.AppendVarint(b, e.operationID)
	}
	return b

}

func decodeSharedLogValue(b []byte) (*SharedLogValue, error) {

	if b == nil {
		return nil, nil
	}
	d := newDecoder(b, tagSharedLogValue)
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.buf)) {
		d.err = errTruncatedValue
	}
	var entries []threadOperation
	if d.err == nil {
		entries = make([]threadOperation, n)
		for i := range entries {
			entries[i] = threadOperation{int(d.varint()), d.varint()}
		}
	}
	if err := d.done(); err != nil {
		return nil, errors.Wrap(err, "unable to decode shared log value")
	}
	return &SharedLogValue{entries: entries}, nil

}

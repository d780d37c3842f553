package background

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// PrivateLogValue is the value stored under a key owned by a single stressor thread. It is
// immutable: every mutating method returns a new value.
type PrivateLogValue struct {
	threadID   int
	operations []int64
}

func NewPrivateLogValue(threadID int, operationID int64) *PrivateLogValue {
	return &PrivateLogValue{threadID: threadID, operations: []int64{operationID}}
}

func (v *PrivateLogValue) With(operationID int64) *PrivateLogValue {

	ops := make([]int64, len(v.operations)+1)
	copy(ops, v.operations)
	ops[len(v.operations)] = operationID
	return &PrivateLogValue{threadID: v.threadID, operations: ops}

}

// Shift drops the first n operations and appends operationID.
func (v *PrivateLogValue) Shift(n int, operationID int64) *PrivateLogValue {

	if n > len(v.operations) {
		n = len(v.operations)
	}
	ops := make([]int64, len(v.operations)-n+1)
	copy(ops, v.operations[n:])
	ops[len(ops)-1] = operationID
	return &PrivateLogValue{threadID: v.threadID, operations: ops}

}

func (v *PrivateLogValue) ThreadID() int {
	return v.threadID
}

func (v *PrivateLogValue) Size() int {
	return len(v.operations)
}

func (v *PrivateLogValue) OperationID(i int) int64 {
	return v.operations[i]
}

func (v *PrivateLogValue) LastOperationID() int64 {
	return v.operations[len(v.operations)-1]
}

func (v *PrivateLogValue) Contains(operationID int64) bool {

	for _, op := range v.operations {
		if op == operationID {
			return true
		}
	}
	return false

}

func (v *PrivateLogValue) Equal(o *PrivateLogValue) bool {

	if v == nil || o == nil {
		return v == o
	}
	if v.threadID != o.threadID || len(v.operations) != len(o.operations) {
		return false
	}
	for i := range v.operations {
		if v.operations[i] != o.operations[i] {
			return false
		}
	}
	return true

}

func (v *PrivateLogValue) String() string {

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d#[", v.threadID)
	for i, op := range v.operations {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", op)
	}
	sb.WriteString("]")
	return sb.String()

}

func (v *PrivateLogValue) encode() []byte {

	b := make([]byte, 0, 2+(len(v.operations)+2)*binary.MaxVarintLen64/2)
	b = append(b, tagPrivateLogValue)
	b = binary.AppendVarint(b, int64(v.threadID))
	b = binary.AppendUvarint(b, uint64(len(v.operations)))
	for _, op := range v.operations {
		b = binary.AppendVarint(b, op)
	}
	return b

}

func decodePrivateLogValue(b []byte) (*PrivateLogValue, error) {

	if b == nil {
		return nil, nil
	}
	d := newDecoder(b, tagPrivateLogValue)
	threadID := d.varint()
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.buf)) {
		d.err = errTruncatedValue
	}
	var ops []int64
	if d.err == nil {
		ops = make([]int64, n)
		for i := range ops {
			ops[i] = d.varint()
		}
	}
	if err := d.done(); err != nil {
		return nil, errors.Wrap(err, "unable to decode private log value")
	}
	return &PrivateLogValue{threadID: int(threadID), operations: ops}, nil

}

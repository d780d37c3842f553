package background

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Every value written by the engine starts with a one-byte tag followed by varints. The encoding
// is canonical, so two equal values always produce the same bytes and conditional cache
// operations can compare them byte for byte.
const (
	tagPrivateLogValue byte = 'P'
	tagSharedLogValue  byte = 'S'
	tagLastOperation   byte = 'L'
	tagNumber          byte = 'N'
)

var (
	ErrUnexpectedValueType = errors.New("cache holds value of unexpected type")
	errTruncatedValue      = errors.New("truncated value")
)

// LastOperation is the checkpoint marker written by stressors under stressor_<thread> and by
// checkers under checker_<node>_<thread>.
type LastOperation struct {
	OperationID int64
	Seed        int64
	Timestamp   int64
}

func newLastOperation(operationID, seed int64) LastOperation {
	return LastOperation{OperationID: operationID, Seed: seed, Timestamp: time.Now().UnixMilli()}
}

func (o LastOperation) String() string {
	return fmt.Sprintf("LastOperation{operationId=%d, seed=%016X, timestamp=%s}", o.OperationID, uint64(o.Seed),
		time.UnixMilli(o.Timestamp).Format("15:04:05.000"))
}

type decoder struct {
	buf []byte
	err error
}

func newDecoder(b []byte, tag byte) *decoder {

	if len(b) == 0 || b[0] != tag {
		return &decoder{err: errors.Wrapf(ErrUnexpectedValueType, "expected tag '%c'", tag)}
	}
	return &decoder{buf: b[1:]}

}

func (d *decoder) varint() int64 {

	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.err = errTruncatedValue
		return 0
	}
	d.buf = d.buf[n:]
	return v

}

func (d *decoder) uvarint() uint64 {

	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errTruncatedValue
		return 0
	}
	d.buf = d.buf[n:]
	return v

}

func (d *decoder) done() error {

	if d.err == nil && len(d.buf) > 0 {
		d.err = errors.Newf("%d trailing bytes", len(d.buf))
	}
	return d.err

}

func encodeLastOperation(o LastOperation) []byte {

	b := make([]byte, 0, 1+3*binary.MaxVarintLen64)
	b = append(b, tagLastOperation)
	b = binary.AppendVarint(b, o.OperationID)
	b = binary.AppendVarint(b, o.Seed)
	return binary.AppendVarint(b, o.Timestamp)

}

// decodeLastOperation returns nil for absent values.
func decodeLastOperation(b []byte) (*LastOperation, error) {

	if b == nil {
		return nil, nil
	}
	d := newDecoder(b, tagLastOperation)
	o := &LastOperation{OperationID: d.varint(), Seed: d.varint(), Timestamp: d.varint()}
	if err := d.done(); err != nil {
		return nil, errors.Wrap(err, "unable to decode last operation")
	}
	return o, nil

}

func encodeNumber(v int64) []byte {

	b := make([]byte, 0, 1+binary.MaxVarintLen64)
	b = append(b, tagNumber)
	return binary.AppendVarint(b, v)

}

func decodeNumber(b []byte) (int64, bool, error) {

	if b == nil {
		return 0, false, nil
	}
	d := newDecoder(b, tagNumber)
	v := d.varint()
	if err := d.done(); err != nil {
		return 0, false, errors.Wrap(err, "unable to decode number")
	}
	return v, true, nil

}

// decodeAnyLogValue is used by the notification path, which does not know the log mode of
// the value it receives.
func decodeAnyLogValue(b []byte) (threadID int, operationID int64, ok bool) {

	if len(b) == 0 {
		return 0, 0, false
	}
	switch b[0] {
	case tagPrivateLogValue:
		v, err := decodePrivateLogValue(b)
		if err != nil || v.Size() == 0 {
			return 0, 0, false
		}
		return v.ThreadID(), v.LastOperationID(), true
	case tagSharedLogValue:
		v, err := decodeSharedLogValue(b)
		if err != nil || v.Size() == 0 {
			return 0, 0, false
		}
		last := v.Size() - 1
		return v.ThreadID(last), v.OperationID(last), true
	}
	return 0, 0, false

}

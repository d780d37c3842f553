package loadsupport

import (
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"
	"math/rand"
	"sync"

	log "github.com/sirupsen/logrus"
)

type (
	// ValueGenerator produces the values legacy stressors write, so their size is under control
	// of the operator.
	ValueGenerator interface {
		GenerateValue(keyID int64, size int, r *rand.Rand) []byte
	}
	// RandomValueGenerator generates a fresh random value on each invocation.
	RandomValueGenerator struct{}
	// FixedValueGenerator hands out one shared random value per size, which keeps payload
	// generation off the hot path for large entries.
	FixedValueGenerator struct {
		values sync.Map
	}
)

// From https://stackoverflow.com/a/31832326
const (
	letterBytes   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	letterIdxBits = 6
	letterIdxMask = 1<<letterIdxBits - 1
	letterIdxMax  = 63 / letterIdxBits
)

var lp *logging.LogProvider

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

func (g RandomValueGenerator) GenerateValue(_ int64, size int, r *rand.Rand) []byte {
	return randomLetters(size, r)
}

func (g *FixedValueGenerator) GenerateValue(_ int64, size int, r *rand.Rand) []byte {

	if v, ok := g.values.Load(size); ok {
		return v.([]byte)
	}

	lp.LogInternalStateEvent(fmt.Sprintf("performing first-time initialization of fixed-size value of %d bytes", size), log.InfoLevel)
	v, _ := g.values.LoadOrStore(size, randomLetters(size, r))
	return v.([]byte)

}

// randomLetters returns n random ASCII letters drawn from r.
func randomLetters(n int, r *rand.Rand) []byte {

	if n <= 0 {
		return []byte{}
	}

	b := make([]byte, n)
	for i, cache, remain := n-1, r.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = r.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			b[i] = letterBytes[idx]
			i--
		}
		cache >>= letterIdxBits
		remain--
	}

	return b

}

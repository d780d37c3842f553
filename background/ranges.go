package background

import "fmt"

// KeyRange is the half-open interval [Start, End) of key ids.
type KeyRange struct {
	Start int64
	End   int64
}

func (r KeyRange) Size() int64 {
	return r.End - r.Start
}

func (r KeyRange) Shift(offset int64) KeyRange {
	return KeyRange{r.Start + offset, r.End + offset}
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// divideRange splits [0, size) into parts contiguous ranges whose sizes differ by at most one
// and returns the one at index.
func divideRange(size int64, parts, index int) KeyRange {

	p := int64(parts)
	i := int64(index)
	return KeyRange{Start: size * i / p, End: size * (i + 1) / p}

}

// balance distributes the keys of ranges over parts buckets of nearly equal key count,
// preserving order. A range may be split across two buckets.
func balance(ranges []KeyRange, parts int) [][]KeyRange {

	result := make([][]KeyRange, parts)
	if parts <= 0 {
		return result
	}

	var total int64
	for _, r := range ranges {
		total += r.Size()
	}

	bucket := 0
	var filled int64
	for _, r := range ranges {
		start := r.Start
		for start < r.End && bucket < parts {
			capacity := divideRange(total, parts, bucket).Size() - filled
			if capacity <= 0 {
				bucket++
				filled = 0
				continue
			}
			end := start + capacity
			if end > r.End {
				end = r.End
			}
			result[bucket] = append(result[bucket], KeyRange{start, end})
			filled += end - start
			start = end
		}
	}
	return result

}

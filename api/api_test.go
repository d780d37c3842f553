package api

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	sourceBackground = "background"
	sourceGatherer   = "statistics"
)

const (
	statusKeyNodeIndex = "nodeIndex"
	statusKeyCheckers  = "checkers"
	statusKeyCacheSize = "cacheSize"
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

var (
	testStatusBackground = map[string]any{
		statusKeyNodeIndex: 1,
		statusKeyCheckers:  10,
	}
	testStatusGatherer = map[string]any{
		statusKeyCacheSize: 4096,
	}
)

func resetStatusSources() {

	statusSources = sync.Map{}

}

// parseNumbersBackToInt undoes the float64 conversion json decoding applies to all numbers.
func parseNumbersBackToInt(m map[string]any) {

	for k, v := range m {
		if f, ok := v.(float64); ok {
			m[k] = int(f)
		}
	}

}

func mapsEqualInContent(reference map[string]any, candidate map[string]any) (bool, string) {

	if len(reference) != len(candidate) {
		return false, "given maps do not have same length, hence cannot have equal content"
	}

	for k1, v1 := range reference {
		if v2, ok := candidate[k1]; !ok {
			return false, fmt.Sprintf("key wanted in candidate map, but not found: %s", k1)
		} else if v1 != v2 {
			return false, fmt.Sprintf("key '%s' associated with different values -- wanted: %v; got: %v", k1, v1, v2)
		}
	}

	return true, ""

}

func tryResponseRead(body io.ReadCloser) ([]byte, error) {

	if data, err := io.ReadAll(body); err == nil {
		return data, nil
	}
	return nil, errors.New("unable to read response body")

}

package background

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	lastOperationPrefix = "stressor_"
	keepAlivePrefix     = "__keepAlive_"
)

func checkerKey(checkerNodeIndex, threadID int) string {
	return fmt.Sprintf("checker_%d_%d", checkerNodeIndex, threadID)
}

func ignoredKey(checkerNodeIndex, threadID int) string {
	return fmt.Sprintf("ignored_%d_%d", checkerNodeIndex, threadID)
}

func lastOperationKey(threadID int) string {
	return lastOperationPrefix + strconv.Itoa(threadID)
}

func keepAliveKey(nodeIndex int) string {
	return keepAlivePrefix + strconv.Itoa(nodeIndex)
}

func threadIDFromLastOperationKey(key string) (int, bool) {

	if !strings.HasPrefix(key, lastOperationPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(key[len(lastOperationPrefix):])
	if err != nil {
		return 0, false
	}
	return id, true

}

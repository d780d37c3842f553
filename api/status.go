package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	statusSources sync.Map
)

// RegisterStatusSource makes the status of source part of the status endpoint. A later
// registration under the same name replaces the earlier one.
func RegisterStatusSource(source string, queryStatusFunc func() map[string]any) {

	statusSources.Store(source, queryStatusFunc)

}

func assembleStatus() map[string]any {

	status := make(map[string]any)

	statusSources.Range(func(key, value any) bool {
		sourceStatus := value.(func() map[string]any)()
		if sourceStatus == nil {
			sourceStatus = map[string]any{}
		}
		status[key.(string)] = sourceStatus
		return true
	})

	return status

}

func statusHandler(w http.ResponseWriter, req *http.Request) {

	if req.Method != methodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	bytes, err := json.Marshal(assembleStatus())
	if err != nil {
		lp.LogApiEvent(fmt.Sprintf("unable to encode status: %v", err), log.ErrorLevel)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(bytes)

}

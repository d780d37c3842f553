package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"
	"hazelstress/metrics"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

const methodGet = "GET"

type liveness struct {
	Up bool
}
type readiness struct {
	Up                        bool
	atLeastOneActorRegistered bool
	numNotReadyActors         int
}

var (
	l     *liveness
	r     *readiness
	mutex sync.Mutex
	lp    *logging.LogProvider
)

func init() {

	l = &liveness{true}
	r = &readiness{false, false, 0}
	lp = logging.GetLogProviderInstance(client.ID())

}

// Expose serves the probe, status and metrics endpoints on port until the returned server is
// shut down.
func Expose(port int) *http.Server {

	mux := http.NewServeMux()
	mux.HandleFunc("/liveness", livenessHandler)
	mux.HandleFunc("/readiness", readinessHandler)
	mux.HandleFunc("/status", statusHandler)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		lp.LogApiEvent(fmt.Sprintf("exposing api on port %d", port), log.InfoLevel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lp.LogApiEvent(fmt.Sprintf("api server failed: %v", err), log.ErrorLevel)
		}
	}()
	return server

}

// RaiseNotReady registers an actor whose work has not started yet. Readiness is reported once
// every registered actor raised readiness.
func RaiseNotReady() {

	mutex.Lock()
	{
		r.numNotReadyActors++
		r.atLeastOneActorRegistered = true
		r.Up = false
	}
	mutex.Unlock()

}

func RaiseReady() {

	mutex.Lock()
	{
		if r.numNotReadyActors > 0 {
			r.numNotReadyActors--
		}
		if r.numNotReadyActors == 0 && r.atLeastOneActorRegistered {
			r.Up = true
			lp.LogApiEvent("all actors ready", log.InfoLevel)
		}
	}
	mutex.Unlock()

}

func livenessHandler(w http.ResponseWriter, req *http.Request) {

	switch req.Method {
	case methodGet:
		bytes, _ := json.Marshal(l)
		_, _ = w.Write(bytes)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}

}

func readinessHandler(w http.ResponseWriter, req *http.Request) {

	switch req.Method {
	case methodGet:
		mutex.Lock()
		up := r.Up
		mutex.Unlock()
		if up {
			bytes, _ := json.Marshal(readiness{Up: true})
			_, _ = w.Write(bytes)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}

}

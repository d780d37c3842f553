// Package status collects the latest state of the background engine for the status endpoint.
package status

import (
	"sync"
)

type (
	Update struct {
		Key   string
		Value any
	}
	// Gatherer stores the most recent value per key. Producers either insert directly or hand
	// their updates to the listening goroutine via Publish.
	Gatherer struct {
		l       locker
		status  map[string]any
		updates chan Update
	}
	locker interface {
		lock()
		unlock()
	}
	mutexLocker struct {
		m sync.Mutex
	}
)

const (
	updateKeyListeningStopped = "listeningStopped"
)

var (
	quitStatusGathering = Update{}
)

func (l *mutexLocker) lock() {

	l.m.Lock()

}

func (l *mutexLocker) unlock() {

	l.m.Unlock()

}

func NewGatherer() *Gatherer {

	return &Gatherer{
		l: &mutexLocker{
			m: sync.Mutex{},
		},
		status:  map[string]any{},
		updates: make(chan Update, 16),
	}

}

func (g *Gatherer) InsertSynchronously(u Update) {

	g.l.lock()
	{
		g.status[u.Key] = u.Value
	}
	g.l.unlock()

}

// Publish hands u to the listening goroutine. It must not be called after StopListen.
func (g *Gatherer) Publish(u Update) {

	g.updates <- u

}

func (g *Gatherer) AssembleStatusCopy() map[string]any {

	g.l.lock()
	mapCopy := make(map[string]any, len(g.status))
	{
		for k, v := range g.status {
			mapCopy[k] = v
		}
	}
	g.l.unlock()

	return mapCopy

}

func (g *Gatherer) Listen() {

	g.InsertSynchronously(Update{Key: updateKeyListeningStopped, Value: false})

	for {
		update := <-g.updates
		if update.Key == quitStatusGathering.Key && update.Value == nil {
			g.InsertSynchronously(Update{Key: updateKeyListeningStopped, Value: true})
			close(g.updates)
			return
		}
		g.InsertSynchronously(update)
	}

}

func (g *Gatherer) StopListen() {

	g.updates <- quitStatusGathering

}

func (g *Gatherer) ListeningStopped() bool {

	var result bool
	g.l.lock()
	{
		result, _ = g.status[updateKeyListeningStopped].(bool)
	}
	g.l.unlock()

	return result

}

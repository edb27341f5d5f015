package usecase

import (
	"parley/internal/ports"
)

// activeSession bundles the resources owned by one session generation.
// Everything here is created together and torn down together; nothing
// outlives the generation it belongs to.
type activeSession struct {
	gen       uint64
	audio     ports.AudioSession
	transport ports.TransportSession
	router    *eventRouter
	monitor   *micMonitor

	messagesDone chan struct{}
	statesDone   chan struct{}
}

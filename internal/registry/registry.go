package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"trade-desk/internal/logging"
)

// Conn is the part of a client connection the registry needs.
type Conn interface {
	ID() string
	Send(text string) error
}

// Registry is the set of live connections. All access goes through one mutex.
type Registry struct {
	welcome string
	log     zerolog.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

func New(welcome string) *Registry {
	return &Registry{
		welcome: welcome,
		log:     logging.Component("registry"),
		conns:   make(map[string]Conn),
	}
}

// Register adds conn and sends it the welcome text. A failed welcome does
// not undo the registration; the read loop will notice the broken socket.
func (r *Registry) Register(conn Conn) error {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	n := len(r.conns)
	r.mu.Unlock()

	r.log.Info().Str("conn_id", conn.ID()).Int("connections", n).Msg("client connected")
	if r.welcome == "" {
		return nil
	}
	if err := conn.Send(r.welcome); err != nil {
		r.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("welcome send failed")
		return err
	}
	return nil
}

// Unregister removes conn. Removing an unknown connection is a no-op.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	_, ok := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("conn_id", conn.ID()).Int("connections", n).Msg("client disconnected")
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Each calls fn for every registered connection while holding the registry
// lock, so fn must not call back into the registry.
func (r *Registry) Each(fn func(Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		fn(c)
	}
}

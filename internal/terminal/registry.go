package terminal

import (
	"sync"

	"go.uber.org/zap"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

// Registry maps terminal names to sessions. The first mention of a name
// creates its session; distinct names may be created concurrently.
type Registry struct {
	cfg    Config
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "terminal-registry")),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for name, creating it on first use.
func (r *Registry) GetOrCreate(name string) (*Session, error) {
	r.mu.RLock()
	s := r.sessions[name]
	r.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[name]; s != nil {
		return s, nil
	}
	s, err := New(name, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.sessions[name] = s
	r.logger.Info("terminal created", zap.String("terminal", name))
	return s, nil
}

// Get returns the session for name without creating it.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Names returns the names of all live sessions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	return names
}

// Remove tears down and forgets the named session.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	s := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// ResetAll resets every live session.
func (r *Registry) ResetAll() error {
	var firstErr error
	for _, name := range r.Names() {
		if s, ok := r.Get(name); ok {
			if err := s.Reset(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CloseAll tears down every session. Called on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

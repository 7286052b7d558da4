package core

import (
	"log/slog"
	"sync"
)

// SessionState 表示会话配置状态
type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionConfigPending SessionState = "config_pending"
	SessionActive        SessionState = "active"
	SessionClosed        SessionState = "closed"
)

// SessionTracker 持有会话状态和服务端会话ID
type SessionTracker struct {
	mu        sync.RWMutex
	state     SessionState
	sessionID string
	logger    *slog.Logger
}

func NewSessionTracker(logger *slog.Logger) *SessionTracker {
	return &SessionTracker{
		state:  SessionUninitialized,
		logger: logger,
	}
}

func (s *SessionTracker) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *SessionTracker) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *SessionTracker) setSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// set 切换状态，状态变化时记录日志
func (s *SessionTracker) set(newState SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldState := s.state
	if oldState == newState {
		return
	}
	s.state = newState
	s.logger.Info("Session state changed",
		"from", oldState,
		"to", newState)
}

// Package directory resolves user ids to profiles. The gateway treats the
// user store as an external collaborator: profiles live in the document
// store owned by the account service, and this package only reads them.
package directory

import (
	"context"
	"sync"

	"chatgate/internal/protocol"
)

// Directory looks up user profiles by id. A missing user is (nil, nil),
// not an error; errors mean the lookup itself failed.
type Directory interface {
	FindByID(ctx context.Context, userID string) (*protocol.UserProfile, error)
}

// Memory is an in-process Directory used in tests and standalone dev mode.
type Memory struct {
	mu    sync.RWMutex
	users map[string]protocol.UserProfile
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]protocol.UserProfile)}
}

func (m *Memory) Put(profile protocol.UserProfile) {
	m.mu.Lock()
	m.users[profile.ID] = profile
	m.mu.Unlock()
}

func (m *Memory) FindByID(_ context.Context, userID string) (*protocol.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

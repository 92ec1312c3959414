// Package auth resolves which roles a caller holds.
package auth

import (
	"slices"
	"sync"
)

// Roles checked by the transports. Ingesters load transactions; analysts
// read scored results.
const (
	RoleIngester = "ingester"
	RoleAnalyst  = "analyst"
)

type RoleManager interface {
	HasRole(username, role string) bool
}

type User struct {
	Username string   `yaml:"username"`
	Roles    []string `yaml:"roles"`
}

// StaticRoles is an in-memory RoleManager, usually filled
// from the config file.
type StaticRoles struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticRoles registers users. A later entry for the same username
// replaces an earlier one.
func NewStaticRoles(users ...User) *StaticRoles {
	s := &StaticRoles{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

// Put adds or replaces u.
func (s *StaticRoles) Put(u User) {
	u.Roles = slices.Clone(u.Roles)
	s.mu.Lock()
	s.users[u.Username] = u
	s.mu.Unlock()
}

func (s *StaticRoles) HasRole(username, role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return ok && slices.Contains(u.Roles, role)
}

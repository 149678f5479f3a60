package presence

import (
	"context"
	"slices"
	"sync"
)

// Memory is a single-process Store.
type Memory struct {
	mu     sync.Mutex
	conns  map[string]int
	typing map[string]map[string]struct{} // channel -> users
	byUser map[string]map[string]struct{} // user -> channels
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		conns:  make(map[string]int),
		typing: make(map[string]map[string]struct{}),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Connect(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[userID]++
	return m.conns[userID] == 1, nil
}

func (m *Memory) Disconnect(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.conns[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(m.conns, userID)
		return true, nil
	}
	m.conns[userID] = n - 1
	return false, nil
}

func (m *Memory) Online(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[userID] > 0, nil
}

func (m *Memory) OnlineUsers(_ context.Context, userIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var online []string
	for _, id := range userIDs {
		if m.conns[id] > 0 && !slices.Contains(online, id) {
			online = append(online, id)
		}
	}
	return online, nil
}

func (m *Memory) StartTyping(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.typing[channelID]
	if _, ok := users[userID]; ok {
		return false, nil
	}
	if users == nil {
		users = make(map[string]struct{})
		m.typing[channelID] = users
	}
	users[userID] = struct{}{}
	chans := m.byUser[userID]
	if chans == nil {
		chans = make(map[string]struct{})
		m.byUser[userID] = chans
	}
	chans[channelID] = struct{}{}
	return true, nil
}

func (m *Memory) StopTyping(_ context.Context, channelID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(channelID, userID), nil
}

func (m *Memory) removeLocked(channelID, userID string) bool {
	users := m.typing[channelID]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.typing, channelID)
	}
	if chans := m.byUser[userID]; chans != nil {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(m.byUser, userID)
		}
	}
	return true
}

func (m *Memory) Typing(_ context.Context, channelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.typing[channelID]))
	for id := range m.typing[channelID] {
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}

func (m *Memory) ClearTyping(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared []string
	for channelID := range m.byUser[userID] {
		cleared = append(cleared, channelID)
	}
	for _, channelID := range cleared {
		m.removeLocked(channelID, userID)
	}
	slices.Sort(cleared)
	return cleared, nil
}

// size reports how many records are held; used by tests to check cleanup.
func (m *Memory) size() (conns, typing, byUser int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns), len(m.typing), len(m.byUser)
}

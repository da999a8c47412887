package chat

import "sync"

// ConnManager indexes live sockets by session and by user. One user may
// hold many sessions (multiple tabs or devices).
type ConnManager struct {
	mu        sync.RWMutex
	bySession map[string]*Conn
	byUser    map[string]map[string]*Conn
}

func NewConnManager() *ConnManager {
	return &ConnManager{
		bySession: make(map[string]*Conn),
		byUser:    make(map[string]map[string]*Conn),
	}
}

func (m *ConnManager) Add(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySession[c.SessionID] = c
}

// BindUser attaches an authenticated user to a registered session.
func (m *ConnManager) BindUser(c *Conn, userID string) {
	c.bindUser(userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]*Conn)
		m.byUser[userID] = set
	}
	set[c.SessionID] = c
}

// Remove drops the session from both indexes and reports how many
// sessions the user still holds locally.
func (m *ConnManager) Remove(c *Conn) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySession, c.SessionID)
	uid := c.UserID()
	if uid == "" {
		return 0
	}
	set := m.byUser[uid]
	delete(set, c.SessionID)
	if len(set) == 0 {
		delete(m.byUser, uid)
		return 0
	}
	return len(set)
}

func (m *ConnManager) Get(sessionID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bySession[sessionID]
	return c, ok
}

// ConnsOf returns a snapshot of the user's local sessions.
func (m *ConnManager) ConnsOf(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySession)
}

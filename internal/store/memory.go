package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store with the same atomicity contract as the
// Mongo implementation: every counter mutation happens under one lock,
// so TouchAndCount is a single atomic unit. Used by tests and by
// development runs without a MONGO_URI.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*User
	apps     map[string]*App
	chains   map[int64]*Chain
	settings *DefaultAppSettings

	// now is swappable so tests can cross the midnight boundary.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]*User),
		apps:   make(map[string]*App),
		chains: make(map[int64]*Chain),
		now:    time.Now,
	}
}

// SetClock overrides the store's clock; tests use it to simulate the
// UTC midnight reset.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyUser(u *User) *User { c := *u; return &c }
func copyApp(a *App) *App    { c := *a; return &c }
func copyChain(c *Chain) *Chain {
	cc := *c
	return &cc
}

func (m *Memory) TouchAndCount(ctx context.Context, apiKey string) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.apps {
		if a.APIKey != apiKey {
			continue
		}
		if !a.IsActive {
			return nil, ErrInactiveApp
		}
		now := m.now()
		today := UTCDay(now)
		if a.LastResetDate != today {
			a.DailyRequests = 0
			a.LastResetDate = today
		}
		a.DailyRequests++
		a.Requests++
		a.UpdatedAt = now
		return copyApp(a), nil
	}
	return nil, ErrInvalidKey
}

func (m *Memory) CompensateDaily(ctx context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.apps[appID]; ok && a.DailyRequests > 0 {
		a.DailyRequests--
	}
	return nil
}

func (m *Memory) RegenerateAPIKey(ctx context.Context, appID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[appID]
	if !ok {
		return "", ErrNotFound
	}
	a.APIKey = uuid.NewString()
	a.UpdatedAt = m.now()
	return a.APIKey, nil
}

func (m *Memory) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Email != nil {
		u.Email = strings.ToLower(*patch.Email)
	}
	if patch.IsActive != nil {
		u.IsActive = *patch.IsActive
	}
	if patch.IsAdmin != nil {
		u.IsAdmin = *patch.IsAdmin
	}
	u.UpdatedAt = m.now()
	return copyUser(u), nil
}

func (m *Memory) CreateApp(ctx context.Context, a *App) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.apps {
		if existing.APIKey == a.APIKey {
			return ErrDuplicate
		}
	}
	m.apps[a.ID] = copyApp(a)
	return nil
}

func (m *Memory) GetApp(ctx context.Context, id string) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyApp(a), nil
}

func (m *Memory) ListAppsByOwner(ctx context.Context, ownerID string) ([]*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*App
	for _, a := range m.apps {
		if a.OwnerUserID == ownerID {
			out = append(out, copyApp(a))
		}
	}
	return out, nil
}

func (m *Memory) UpdateApp(ctx context.Context, id string, patch AppPatch) (*App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.Description != nil {
		a.Description = *patch.Description
	}
	if patch.MaxRPS != nil {
		a.MaxRPS = *patch.MaxRPS
	}
	if patch.DailyRequestsLimit != nil {
		a.DailyRequestsLimit = *patch.DailyRequestsLimit
	}
	if patch.IsActive != nil {
		a.IsActive = *patch.IsActive
	}
	a.UpdatedAt = m.now()
	return copyApp(a), nil
}

func (m *Memory) DeleteApp(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[id]; !ok {
		return ErrNotFound
	}
	delete(m.apps, id)
	return nil
}

func (m *Memory) ListChains(ctx context.Context) ([]*Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Chain
	for _, c := range m.chains {
		out = append(out, copyChain(c))
	}
	return out, nil
}

func (m *Memory) GetChainByName(ctx context.Context, name string) (*Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = strings.ToLower(name)
	for _, c := range m.chains {
		if c.ChainName == name {
			return copyChain(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateChain(ctx context.Context, c *Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := strings.ToLower(c.ChainName)
	if _, ok := m.chains[c.ChainID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.chains {
		if existing.ChainName == name {
			return ErrDuplicate
		}
	}
	cc := copyChain(c)
	cc.ChainName = name
	m.chains[c.ChainID] = cc
	return nil
}

func (m *Memory) UpdateChain(ctx context.Context, chainID int64, patch ChainPatch) (*Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[chainID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.IsEnabled != nil {
		c.IsEnabled = *patch.IsEnabled
	}
	return copyChain(c), nil
}

func (m *Memory) DeleteChain(ctx context.Context, chainID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chains[chainID]; !ok {
		return ErrNotFound
	}
	delete(m.chains, chainID)
	return nil
}

func (m *Memory) GetDefaultAppSettings(ctx context.Context) (*DefaultAppSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings == nil {
		return &DefaultAppSettings{DefaultMaxRPS: 20, DefaultDailyRequestsLimit: 10_000}, nil
	}
	s := *m.settings
	return &s, nil
}

func (m *Memory) UpdateDefaultAppSettings(ctx context.Context, patch SettingsPatch) (*DefaultAppSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings == nil {
		m.settings = &DefaultAppSettings{DefaultMaxRPS: 20, DefaultDailyRequestsLimit: 10_000}
	}
	if patch.DefaultMaxRPS != nil {
		m.settings.DefaultMaxRPS = *patch.DefaultMaxRPS
	}
	if patch.DefaultDailyRequestsLimit != nil {
		m.settings.DefaultDailyRequestsLimit = *patch.DefaultDailyRequestsLimit
	}
	s := *m.settings
	return &s, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close(ctx context.Context) error { return nil }

var _ Store = (*Memory)(nil)

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/models"
	"github.com/honeynil/TokenAuthService/internal/repository"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
	"github.com/stretchr/testify/mock"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// memoryBlocklist behaves like the Postgres store: jti is a primary key.
type memoryBlocklist struct {
	mu      sync.Mutex
	entries map[uuid.UUID]models.BlocklistEntry
	failing error
}

func newMemoryBlocklist() *memoryBlocklist {
	return &memoryBlocklist{entries: make(map[uuid.UUID]models.BlocklistEntry)}
}

func (m *memoryBlocklist) Add(ctx context.Context, q repository.DBTX, entry *models.BlocklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	if _, ok := m.entries[entry.JTI]; ok {
		return fmt.Errorf("%w: jti %s", pkgerrors.ErrDuplicateRevocation, entry.JTI)
	}
	m.entries[entry.JTI] = *entry
	return nil
}

func (m *memoryBlocklist) IsRevoked(ctx context.Context, q repository.DBTX, jti uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return false, m.failing
	}
	_, ok := m.entries[jti]
	return ok, nil
}

func (m *memoryBlocklist) PruneExpired(ctx context.Context, q repository.DBTX, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, e := range m.entries {
		if e.ExpiresAt.Before(now) {
			delete(m.entries, jti)
			n++
		}
	}
	return n, nil
}

func (m *memoryBlocklist) get(jti uuid.UUID) (models.BlocklistEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[jti]
	return e, ok
}

func (m *memoryBlocklist) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.AuthEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.AuthEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) ofType(t models.EventType) []models.AuthEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.AuthEvent
	for _, e := range p.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type mockUserRepository struct {
	mock.Mock
}

func (m *mockUserRepository) Create(ctx context.Context, user *models.User, roleID int32) error {
	args := m.Called(ctx, user, roleID)
	return args.Error(0)
}

func (m *mockUserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *mockUserRepository) GetRoleByUserID(ctx context.Context, userID string) (*models.Role, error) {
	args := m.Called(ctx, userID)
	role, _ := args.Get(0).(*models.Role)
	return role, args.Error(1)
}

func (m *mockUserRepository) UpdateLoginInfo(ctx context.Context, userID, ip string, at time.Time) error {
	args := m.Called(ctx, userID, ip, at)
	return args.Error(0)
}

// plainHasher stores passwords as "plain:<password>".
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) {
	return "plain:" + password, nil
}

func (plainHasher) Verify(password, hash string) (bool, error) {
	if len(hash) < 6 || hash[:6] != "plain:" {
		return false, errors.New("unknown hash")
	}
	return hash[6:] == password, nil
}

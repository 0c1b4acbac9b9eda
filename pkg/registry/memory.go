// pkg/registry/memory.go
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
)

// memStore is the dev/test store. Mutations hold the lock for the full
// read-modify-write, which gives it the same CAS semantics as the SQL store.
type memStore struct {
	mu   sync.Mutex
	log  *zap.SugaredLogger
	regs map[string]Registration // by id
}

func NewMemoryStore(log *zap.SugaredLogger) Store {
	return &memStore{log: log, regs: map[string]Registration{}}
}

func (m *memStore) Create(_ context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	reg.CreatedAt, reg.UpdatedAt = now, now
	m.regs[reg.ID] = *reg
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.regs[id]; ok {
		return reg, nil
	}
	return Registration{}, problems.ErrTenantNotFound
}

func (m *memStore) FindByOrigin(_ context.Context, variant Variant, originURL string) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.regs {
		if reg.Variant == variant && reg.OriginURL == originURL {
			return reg, nil
		}
	}
	return Registration{}, problems.ErrTenantNotFound
}

func (m *memStore) FindByTenant(_ context.Context, variant Variant, tenantID string) ([]Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Registration
	for _, reg := range m.regs {
		if reg.Variant == variant && reg.TenantID == tenantID {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (m *memStore) SetPendingConsent(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return problems.ErrTenantNotFound
	}
	reg.PendingConsentToken = token
	reg.UpdatedAt = time.Now().UTC()
	m.regs[id] = reg
	return nil
}

func (m *memStore) ConsumeConsentToken(_ context.Context, variant Variant, tenantID, token string) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		return Registration{}, problems.ErrTenantNotFound
	}
	for id, reg := range m.regs {
		if reg.Variant == variant && reg.TenantID == tenantID && reg.PendingConsentToken == token {
			reg.AdminConsented = true
			reg.PendingConsentToken = ""
			reg.UpdatedAt = time.Now().UTC()
			m.regs[id] = reg
			return reg, nil
		}
	}
	return Registration{}, problems.ErrTenantNotFound
}

func (m *memStore) UpdateTokens(_ context.Context, id string, upd TokenUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return problems.ErrTenantNotFound
	}
	reg.AccessToken = upd.AccessToken
	if upd.RefreshToken != "" {
		reg.RefreshToken = upd.RefreshToken
	}
	reg.AccessTokenExpiresAt = time.Unix(upd.AccessTokenExpiresAt, 0).UTC()
	reg.UpdatedAt = time.Now().UTC()
	m.regs[id] = reg
	return nil
}

func (m *memStore) MarkSetupCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return problems.ErrTenantNotFound
	}
	reg.SetupCompleted = true
	reg.UpdatedAt = time.Now().UTC()
	m.regs[id] = reg
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[id]; !ok {
		return problems.ErrTenantNotFound
	}
	delete(m.regs, id)
	return nil
}

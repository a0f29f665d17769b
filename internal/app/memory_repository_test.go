package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
)

// memoryRepository is an in-memory store.Repository for the app-layer tests.
// Transactions are serialized by txMu, approximating row locks: a WithTx body
// sees a stable state and either commits everything or restores the snapshot.
type memoryRepository struct {
	mu            sync.Mutex
	txMu          sync.Mutex
	accounts      map[uuid.UUID]domain.Account
	entries       []domain.AuditEntry
	relationships []domain.InviteRelationship
	settings      map[string]domain.Setting

	relationshipInsertErr error
	auditInsertErr        error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		accounts: make(map[uuid.UUID]domain.Account),
		settings: make(map[string]domain.Setting),
	}
}

func (m *memoryRepository) addAccount(balance int64, status, inviteCode string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	now := time.Now().UTC()
	m.accounts[id] = domain.Account{
		ID:         id,
		Balance:    balance,
		Status:     status,
		InviteCode: inviteCode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id
}

func (m *memoryRepository) setAccountStatus(accountID uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accounts[accountID]
	account.Status = status
	m.accounts[accountID] = account
}

type memorySnapshot struct {
	accounts      map[uuid.UUID]domain.Account
	entries       []domain.AuditEntry
	relationships []domain.InviteRelationship
	settings      map[string]domain.Setting
}

func (m *memoryRepository) snapshotLocked() memorySnapshot {
	accounts := make(map[uuid.UUID]domain.Account, len(m.accounts))
	for id, a := range m.accounts {
		accounts[id] = a
	}
	settings := make(map[string]domain.Setting, len(m.settings))
	for k, s := range m.settings {
		settings[k] = s
	}
	return memorySnapshot{
		accounts:      accounts,
		entries:       append([]domain.AuditEntry(nil), m.entries...),
		relationships: append([]domain.InviteRelationship(nil), m.relationships...),
		settings:      settings,
	}
}

func (m *memoryRepository) restoreLocked(s memorySnapshot) {
	m.accounts = s.accounts
	m.entries = s.entries
	m.relationships = s.relationships
	m.settings = s.settings
}

func (m *memoryRepository) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restoreLocked(snapshot)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &account, nil
}

func (m *memoryRepository) FindActiveAccountByInviteCode(ctx context.Context, code string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if account.InviteCode == code && account.Status == domain.AccountStatusActive {
			found := account
			return &found, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (m *memoryRepository) LockAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return m.FindAccountByID(ctx, accountID)
}

func (m *memoryRepository) SaveAccountBalance(ctx context.Context, accountID uuid.UUID, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.Balance = balance
	account.UpdatedAt = time.Now().UTC()
	m.accounts[accountID] = account
	return nil
}

func (m *memoryRepository) RecordConsumption(ctx context.Context, accountID uuid.UUID, balance int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.Balance = balance
	account.TotalConsumed++
	account.LastActivityAt = &at
	account.UpdatedAt = at
	m.accounts[accountID] = account
	return nil
}

func (m *memoryRepository) IncrementInvitedCount(ctx context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.InvitedCount++
	m.accounts[accountID] = account
	return nil
}

func (m *memoryRepository) InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditInsertErr != nil {
		return m.auditInsertErr
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryRepository) CountAuditEntriesInWindow(ctx context.Context, accountID uuid.UUID, kind string, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Kind == kind && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			count++
		}
	}
	return count, nil
}

func (m *memoryRepository) HasAuditEntryOfKind(ctx context.Context, accountID uuid.UUID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepository) ListAuditEntries(ctx context.Context, accountID uuid.UUID, opts domain.AuditTrailOptions) (*domain.AuditPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts = store.ClampAuditTrailOptions(opts)

	var matched []domain.AuditEntry
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (opts.Page - 1) * opts.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + opts.PageSize
	if end > len(matched) {
		end = len(matched)
	}

	return &domain.AuditPage{
		Entries:    append([]domain.AuditEntry{}, matched[start:end]...),
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalCount: total,
	}, nil
}

func (m *memoryRepository) SumAuditDeltas(ctx context.Context, accountID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.entries {
		if e.AccountID == accountID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (m *memoryRepository) FindRelationship(ctx context.Context, inviterID, inviteeID uuid.UUID) (*domain.InviteRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rel := range m.relationships {
		if rel.InviterID == inviterID && rel.InviteeID == inviteeID {
			found := rel
			return &found, nil
		}
	}
	return nil, store.ErrRelationshipNotFound
}

func (m *memoryRepository) InsertRelationship(ctx context.Context, rel *domain.InviteRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relationshipInsertErr != nil {
		return m.relationshipInsertErr
	}
	for _, existing := range m.relationships {
		if existing.InviterID == rel.InviterID && existing.InviteeID == rel.InviteeID {
			return store.ErrRelationshipExists
		}
	}
	m.relationships = append(m.relationships, *rel)
	return nil
}

func (m *memoryRepository) GetSetting(ctx context.Context, key string) (*domain.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting, ok := m.settings[key]
	if !ok {
		return nil, store.ErrSettingNotFound
	}
	return &setting, nil
}

func (m *memoryRepository) UpsertSetting(ctx context.Context, key, value, kind, updatedBy string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting, ok := m.settings[key]
	if !ok {
		setting = domain.Setting{Key: key, Version: 0}
	}
	setting.Value = value
	setting.Kind = kind
	setting.Version++
	setting.UpdatedBy = updatedBy
	setting.UpdatedAt = time.Now().UTC()
	m.settings[key] = setting
	return setting.Version, nil
}

func (m *memoryRepository) FindLedgerDrift(ctx context.Context, limit int) ([]domain.LedgerDrift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var drift []domain.LedgerDrift
	for id, account := range m.accounts {
		var sum int64
		for _, e := range m.entries {
			if e.AccountID == id {
				sum += e.Delta
			}
		}
		var relCount int
		for _, rel := range m.relationships {
			if rel.InviterID == id {
				relCount++
			}
		}
		if account.Balance != sum || account.InvitedCount != relCount {
			drift = append(drift, domain.LedgerDrift{
				AccountID:     id,
				Balance:       account.Balance,
				LedgerSum:     sum,
				InvitedCount:  account.InvitedCount,
				Relationships: relCount,
			})
		}
		if len(drift) >= limit {
			break
		}
	}
	return drift, nil
}

func testDefaults() SettingDefaults {
	return SettingDefaults{
		DailyDecreaseLimit:     50,
		InviterBonus:           10,
		InviteeBonus:           10,
		RegistrationBonus:      10,
		InviteEnabled:          true,
		InviteCodeMinLength:    4,
		InviteCodeMaxLength:    20,
		BatchAdjustMaxAccounts: 1000,
	}
}

func newTestService(repo *memoryRepository) *Service {
	settings := NewSettingsRegistry(repo, testDefaults())
	return NewService(repo, settings, nil, time.UTC)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
)

func TestDecrease_ConsumesOneCreditAndWritesLedgerEntry(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(5, domain.AccountStatusActive, "ALICE1")
	svc := newTestService(repo)

	result, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil)
	if err != nil {
		t.Fatalf("Decrease returned error: %v", err)
	}
	if result.Balance != 4 {
		t.Fatalf("expected balance 4, got %d", result.Balance)
	}
	if result.TotalConsumed != 1 {
		t.Fatalf("expected total consumed 1, got %d", result.TotalConsumed)
	}

	account, err := repo.FindAccountByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("FindAccountByID returned error: %v", err)
	}
	if account.Balance != 4 || account.TotalConsumed != 1 {
		t.Fatalf("expected stored balance 4 and total consumed 1, got %d/%d", account.Balance, account.TotalConsumed)
	}
	if account.LastActivityAt == nil {
		t.Fatal("expected last activity timestamp to be set")
	}

	page, err := repo.ListAuditEntries(context.Background(), accountID, domain.AuditTrailOptions{})
	if err != nil {
		t.Fatalf("ListAuditEntries returned error: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(page.Entries))
	}
	entry := page.Entries[0]
	if entry.Kind != domain.AuditKindDecrease || entry.Delta != -1 || entry.BalanceAfter != 4 {
		t.Fatalf("unexpected audit entry: kind=%s delta=%d balance_after=%d", entry.Kind, entry.Delta, entry.BalanceAfter)
	}
	if entry.OperatorKind != domain.OperatorSelf {
		t.Fatalf("expected operator kind self, got %s", entry.OperatorKind)
	}
}

func TestDecrease_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(0, domain.AccountStatusActive, "BROKE1")
	svc := newTestService(repo)

	_, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 0 || account.TotalConsumed != 0 {
		t.Fatalf("expected untouched account, got balance=%d total_consumed=%d", account.Balance, account.TotalConsumed)
	}
	page, _ := repo.ListAuditEntries(context.Background(), accountID, domain.AuditTrailOptions{})
	if len(page.Entries) != 0 {
		t.Fatalf("expected no audit entries after failed decrease, got %d", len(page.Entries))
	}
}

func TestDecrease_RejectsInactiveAccount(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(10, domain.AccountStatusSuspended, "SUSP01")
	svc := newTestService(repo)

	_, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil)
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestDecrease_UnknownAccount(t *testing.T) {
	repo := newMemoryRepository()
	svc := newTestService(repo)

	_, err := svc.Decrease(context.Background(), uuid.New(), "consultation", nil, nil)
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDecrease_DailyLimitBoundaryAndReset(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(100, domain.AccountStatusActive, "LIMIT1")
	svc := newTestService(repo)

	if _, err := svc.settings.Set(context.Background(), domain.SettingDailyDecreaseLimit, "3", "test"); err != nil {
		t.Fatalf("failed to set daily limit: %v", err)
	}

	current := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if _, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil); err != nil {
			t.Fatalf("decrease %d returned error: %v", i+1, err)
		}
	}

	_, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil)
	var limitErr *DailyLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected DailyLimitError, got %v", err)
	}
	if limitErr.Limit != 3 || limitErr.UsedToday != 3 {
		t.Fatalf("expected limit=3 used=3, got limit=%d used=%d", limitErr.Limit, limitErr.UsedToday)
	}
	wantReset := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !limitErr.NextResetAt.Equal(wantReset) {
		t.Fatalf("expected next reset %s, got %s", wantReset, limitErr.NextResetAt)
	}

	// Crossing local midnight opens a fresh window.
	current = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	if _, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil); err != nil {
		t.Fatalf("expected decrease to succeed after reset, got %v", err)
	}
}

func TestDecrease_ConcurrentCallsNeverOverspend(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(1, domain.AccountStatusActive, "RACE01")
	svc := newTestService(repo)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.Decrease(context.Background(), accountID, "consultation", nil, nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful decrease, got %d", successes)
	}

	account, _ := repo.FindAccountByID(context.Background(), accountID)
	if account.Balance != 0 {
		t.Fatalf("expected final balance 0, got %d", account.Balance)
	}
}

// stalledQuotaCountRepo releases pre-transaction quota counts only once every
// participant has read, so concurrent decreases pass the fast-fail gate on the
// same stale count and the locked-row recount has to arbitrate.
type stalledQuotaCountRepo struct {
	*memoryRepository
	release *sync.WaitGroup
}

func (r *stalledQuotaCountRepo) CountAuditEntriesInWindow(ctx context.Context, accountID uuid.UUID, kind string, from, to time.Time) (int64, error) {
	count, err := r.memoryRepository.CountAuditEntriesInWindow(ctx, accountID, kind, from, to)
	r.release.Done()
	r.release.Wait()
	return count, err
}

func TestDecrease_ConcurrentCallsNeverExceedDailyLimit(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(10, domain.AccountStatusActive, "QUOTA1")

	const attempts = 2
	release := &sync.WaitGroup{}
	release.Add(attempts)
	stalled := &stalledQuotaCountRepo{memoryRepository: repo, release: release}
	svc := NewService(stalled, NewSettingsRegistry(stalled, testDefaults()), nil, time.UTC)

	if _, err := svc.settings.Set(context.Background(), domain.SettingDailyDecreaseLimit, "1", "test"); err != nil {
		t.Fatalf("failed to set daily limit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.Decrease(context.Background(), accountID, "consultation", nil, nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var limitErr *DailyLimitError
		if !errors.As(err, &limitErr) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 decrease under limit 1, got %d", successes)
	}

	page, _ := repo.ListAuditEntries(context.Background(), accountID, domain.AuditTrailOptions{Kind: domain.AuditKindDecrease})
	if page.TotalCount != 1 {
		t.Fatalf("expected 1 decrease entry, got %d", page.TotalCount)
	}
}

func TestIncrease_BoundsAndLedgerEntry(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(2, domain.AccountStatusActive, "TOPUP1")
	svc := newTestService(repo)

	for _, amount := range []int64{0, -5, 1001} {
		if _, err := svc.Increase(context.Background(), accountID, amount, "purchase", nil, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	result, err := svc.Increase(context.Background(), accountID, 100, "purchase", nil, "")
	if err != nil {
		t.Fatalf("Increase returned error: %v", err)
	}
	if result.Balance != 102 || result.IncreasedBy != 100 {
		t.Fatalf("expected balance 102 increased by 100, got %d/%d", result.Balance, result.IncreasedBy)
	}

	page, _ := repo.ListAuditEntries(context.Background(), accountID, domain.AuditTrailOptions{Kind: domain.AuditKindIncrease})
	if len(page.Entries) != 1 {
		t.Fatalf("expected 1 increase entry, got %d", len(page.Entries))
	}
	if page.Entries[0].OperatorKind != domain.OperatorSystem {
		t.Fatalf("expected default operator kind system, got %s", page.Entries[0].OperatorKind)
	}
}

func TestGetBalanceSummary(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(20, domain.AccountStatusActive, "SUMM01")
	svc := newTestService(repo)

	if _, err := svc.settings.Set(context.Background(), domain.SettingDailyDecreaseLimit, "5", "test"); err != nil {
		t.Fatalf("failed to set daily limit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Decrease(context.Background(), accountID, "consultation", nil, nil); err != nil {
			t.Fatalf("decrease returned error: %v", err)
		}
	}

	summary, err := svc.GetBalanceSummary(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetBalanceSummary returned error: %v", err)
	}
	if summary.Balance != 18 {
		t.Fatalf("expected balance 18, got %d", summary.Balance)
	}
	if summary.UsedToday != 2 || summary.DailyLimit != 5 || summary.RemainingToday != 3 {
		t.Fatalf("expected used=2 limit=5 remaining=3, got %d/%d/%d", summary.UsedToday, summary.DailyLimit, summary.RemainingToday)
	}
}

func TestLedgerSumMatchesBalanceAcrossMixedOperations(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(0, domain.AccountStatusActive, "MIXED1")
	svc := newTestService(repo)
	engine := NewInviteEngine(svc)

	ctx := context.Background()
	if _, err := engine.GrantRegistrationBonus(ctx, accountID); err != nil {
		t.Fatalf("GrantRegistrationBonus returned error: %v", err)
	}
	if _, err := svc.Increase(ctx, accountID, 25, "purchase", nil, ""); err != nil {
		t.Fatalf("Increase returned error: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := svc.Decrease(ctx, accountID, "consultation", nil, nil); err != nil {
			t.Fatalf("Decrease returned error: %v", err)
		}
	}
	if _, err := svc.AdminAdjust(ctx, accountID, domain.AdjustOpDecrease, 6, "correction", "admin-1"); err != nil {
		t.Fatalf("AdminAdjust returned error: %v", err)
	}

	account, _ := repo.FindAccountByID(ctx, accountID)
	sum, _ := repo.SumAuditDeltas(ctx, accountID)
	if account.Balance != sum {
		t.Fatalf("ledger drift: balance=%d sum=%d", account.Balance, sum)
	}
	if account.Balance != 25 {
		t.Fatalf("expected balance 25 (10+25-4-6), got %d", account.Balance)
	}

	drift, err := repo.FindLedgerDrift(ctx, 10)
	if err != nil {
		t.Fatalf("FindLedgerDrift returned error: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("expected no drift, got %d rows", len(drift))
	}
}

func TestGetAuditTrail_PaginationAndKindFilter(t *testing.T) {
	repo := newMemoryRepository()
	accountID := repo.addAccount(50, domain.AccountStatusActive, "TRAIL1")
	svc := newTestService(repo)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return tick }
		if _, err := svc.Decrease(ctx, accountID, "consultation", nil, nil); err != nil {
			t.Fatalf("decrease returned error: %v", err)
		}
	}
	svc.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := svc.Increase(ctx, accountID, 10, "purchase", nil, ""); err != nil {
		t.Fatalf("increase returned error: %v", err)
	}

	page, err := svc.GetAuditTrail(ctx, accountID, domain.AuditTrailOptions{Page: 1, PageSize: 3})
	if err != nil {
		t.Fatalf("GetAuditTrail returned error: %v", err)
	}
	if page.TotalCount != 6 || len(page.Entries) != 3 {
		t.Fatalf("expected total 6 with 3 entries on page 1, got %d/%d", page.TotalCount, len(page.Entries))
	}
	// Newest first: the increase leads.
	if page.Entries[0].Kind != domain.AuditKindIncrease {
		t.Fatalf("expected newest entry to be the increase, got %s", page.Entries[0].Kind)
	}

	filtered, err := svc.GetAuditTrail(ctx, accountID, domain.AuditTrailOptions{Kind: domain.AuditKindDecrease})
	if err != nil {
		t.Fatalf("GetAuditTrail returned error: %v", err)
	}
	if filtered.TotalCount != 5 {
		t.Fatalf("expected 5 decrease entries, got %d", filtered.TotalCount)
	}
}

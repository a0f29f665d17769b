/**
 * @description
 * This file implements the Settings Registry: the dynamic, admin-editable
 * key/value configuration every other component reads instead of hard-coded
 * constants. Reads that find no row return the caller's default without error;
 * writes validate against the static key registry and bump the row version.
 *
 * Validation runs twice on purpose: once at write time here, and again at use
 * time by readers that assume bounds (GetInt/GetBool fall back to the default
 * when a row holds out-of-band garbage). Settings may be edited directly in
 * the database by operators, so readers cannot trust stored values blindly.
 *
 * @dependencies
 * - context, errors, fmt, log, strconv, strings: Standard Go libraries.
 * - internal/domain, internal/store: Key registry and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/advisoryhq/credit-service/internal/domain"
	"github.com/advisoryhq/credit-service/internal/store"
)

// SettingDefaults seeds the fallback values used when no row exists. It is
// built once from the process configuration and passed in explicitly; there
// is no package-level mutable state.
type SettingDefaults struct {
	DailyDecreaseLimit     int64
	InviterBonus           int64
	InviteeBonus           int64
	RegistrationBonus      int64
	InviteEnabled          bool
	InviteCodeMinLength    int
	InviteCodeMaxLength    int
	BatchAdjustMaxAccounts int
}

// SettingWrite is one entry of a batch settings update.
type SettingWrite struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SettingsRegistry reads and writes the versioned settings table.
type SettingsRegistry struct {
	repo     store.Repository
	defaults SettingDefaults
}

// NewSettingsRegistry creates a settings registry backed by the repository.
func NewSettingsRegistry(repo store.Repository, defaults SettingDefaults) *SettingsRegistry {
	return &SettingsRegistry{repo: repo, defaults: defaults}
}

// Defaults exposes the configured fallback values.
func (s *SettingsRegistry) Defaults() SettingDefaults {
	return s.defaults
}

// GetInt returns the integer value for key, or fallback when the row is
// absent or holds a value the key's validator rejects.
func (s *SettingsRegistry) GetInt(ctx context.Context, key string, fallback int64) (int64, error) {
	setting, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrSettingNotFound) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if spec, ok := domain.SettingSpecs[key]; ok {
		if err := spec.Validate(setting.Value); err != nil {
			log.Printf("level=warn component=settings msg=\"stored value fails validation; using default\" key=%s value=%q err=%v", key, setting.Value, err)
			return fallback, nil
		}
	}
	n, err := strconv.ParseInt(setting.Value, 10, 64)
	if err != nil {
		log.Printf("level=warn component=settings msg=\"stored value is not an integer; using default\" key=%s value=%q", key, setting.Value)
		return fallback, nil
	}
	return n, nil
}

// GetBool returns the boolean value for key, or fallback when absent/invalid.
func (s *SettingsRegistry) GetBool(ctx context.Context, key string, fallback bool) (bool, error) {
	setting, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrSettingNotFound) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	b, err := strconv.ParseBool(setting.Value)
	if err != nil {
		log.Printf("level=warn component=settings msg=\"stored value is not a boolean; using default\" key=%s value=%q", key, setting.Value)
		return fallback, nil
	}
	return b, nil
}

// Set validates and writes one setting, returning the new row version.
func (s *SettingsRegistry) Set(ctx context.Context, key, value, updatedBy string) (int, error) {
	normalizedKey := strings.ToUpper(strings.TrimSpace(key))
	spec, ok := domain.SettingSpecs[normalizedKey]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSettingKey, normalizedKey)
	}
	trimmedValue := strings.TrimSpace(value)
	if err := spec.Validate(trimmedValue); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidSettingValue, normalizedKey, err)
	}
	version, err := s.repo.UpsertSetting(ctx, normalizedKey, trimmedValue, spec.Kind, updatedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to write setting %s: %w", normalizedKey, err)
	}
	return version, nil
}

// SetBatch applies writes in order and returns how many were applied. The
// first invalid entry stops the batch; earlier writes remain applied, matching
// the per-entry versioning model (settings writes are independent upserts).
func (s *SettingsRegistry) SetBatch(ctx context.Context, writes []SettingWrite, updatedBy string) (int, error) {
	applied := 0
	for _, w := range writes {
		if _, err := s.Set(ctx, w.Key, w.Value, updatedBy); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// DailyDecreaseLimit reads the quota, falling back to the configured default.
func (s *SettingsRegistry) DailyDecreaseLimit(ctx context.Context) (int64, error) {
	return s.GetInt(ctx, domain.SettingDailyDecreaseLimit, s.defaults.DailyDecreaseLimit)
}

// InviteBonuses reads the two-sided referral bonus amounts.
func (s *SettingsRegistry) InviteBonuses(ctx context.Context) (inviterBonus, inviteeBonus int64, err error) {
	inviterBonus, err = s.GetInt(ctx, domain.SettingInviterBonusCredits, s.defaults.InviterBonus)
	if err != nil {
		return 0, 0, err
	}
	inviteeBonus, err = s.GetInt(ctx, domain.SettingInviteeBonusCredits, s.defaults.InviteeBonus)
	if err != nil {
		return 0, 0, err
	}
	return inviterBonus, inviteeBonus, nil
}

// RegistrationBonus reads the signup bonus amount.
func (s *SettingsRegistry) RegistrationBonus(ctx context.Context) (int64, error) {
	return s.GetInt(ctx, domain.SettingRegistrationBonus, s.defaults.RegistrationBonus)
}

// InviteEnabled reads the invite feature flag.
func (s *SettingsRegistry) InviteEnabled(ctx context.Context) (bool, error) {
	return s.GetBool(ctx, domain.SettingInviteEnabled, s.defaults.InviteEnabled)
}

// InviteCodeLengthBounds reads the accepted invite code length range. A stored
// min greater than max is treated as out-of-band garbage and both fall back.
func (s *SettingsRegistry) InviteCodeLengthBounds(ctx context.Context) (min, max int, err error) {
	minLength, err := s.GetInt(ctx, domain.SettingInviteCodeMinLength, int64(s.defaults.InviteCodeMinLength))
	if err != nil {
		return 0, 0, err
	}
	maxLength, err := s.GetInt(ctx, domain.SettingInviteCodeMaxLength, int64(s.defaults.InviteCodeMaxLength))
	if err != nil {
		return 0, 0, err
	}
	if minLength > maxLength {
		log.Printf("level=warn component=settings msg=\"invite code bounds inverted; using defaults\" min=%d max=%d", minLength, maxLength)
		return s.defaults.InviteCodeMinLength, s.defaults.InviteCodeMaxLength, nil
	}
	return int(minLength), int(maxLength), nil
}

// BatchAdjustMaxAccounts reads the batch size cap.
func (s *SettingsRegistry) BatchAdjustMaxAccounts(ctx context.Context) (int, error) {
	limit, err := s.GetInt(ctx, domain.SettingBatchAdjustMaxAccounts, int64(s.defaults.BatchAdjustMaxAccounts))
	if err != nil {
		return 0, err
	}
	return int(limit), nil
}

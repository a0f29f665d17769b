/**
 * @description
 * This file defines the dynamic settings model and the static registry of
 * known setting keys. Settings are admin-editable tunables (bonus amounts,
 * daily limits, feature flags) stored as versioned key/value rows. Each key
 * has a declared kind and a validation predicate; writes that fail validation
 * are rejected, and readers re-check bounds at use time because rows may be
 * edited out-of-band.
 *
 * @notes
 * - Values are persisted as text and parsed per the registered kind. A tagged
 *   kind replaces the mixed-type values the admin screens used to write.
 */

package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Setting kinds.
const (
	SettingKindInt    = "int"
	SettingKindBool   = "bool"
	SettingKindString = "string"
)

// Known setting keys. Keys are normalized upper-snake-case.
const (
	SettingDailyDecreaseLimit     = "DAILY_DECREASE_LIMIT"
	SettingInviterBonusCredits    = "INVITER_BONUS_CREDITS"
	SettingInviteeBonusCredits    = "INVITEE_BONUS_CREDITS"
	SettingRegistrationBonus      = "REGISTRATION_BONUS_CREDITS"
	SettingInviteEnabled          = "INVITE_ENABLED"
	SettingInviteCodeMinLength    = "INVITE_CODE_MIN_LENGTH"
	SettingInviteCodeMaxLength    = "INVITE_CODE_MAX_LENGTH"
	SettingBatchAdjustMaxAccounts = "BATCH_ADJUST_MAX_ACCOUNTS"
)

// Setting is one versioned configuration row. Maps to the `settings` table.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Kind      string    `json:"kind"`
	Version   int       `json:"version"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingSpec declares the kind and write-time validation for a known key.
type SettingSpec struct {
	Key      string
	Kind     string
	Validate func(value string) error
}

// SettingSpecs is the static registry of keys the service understands.
// Writes to keys outside this registry are rejected.
var SettingSpecs = map[string]SettingSpec{
	SettingDailyDecreaseLimit:     {Key: SettingDailyDecreaseLimit, Kind: SettingKindInt, Validate: intInRange(1, 100000)},
	SettingInviterBonusCredits:    {Key: SettingInviterBonusCredits, Kind: SettingKindInt, Validate: intInRange(0, 100000)},
	SettingInviteeBonusCredits:    {Key: SettingInviteeBonusCredits, Kind: SettingKindInt, Validate: intInRange(0, 100000)},
	SettingRegistrationBonus:      {Key: SettingRegistrationBonus, Kind: SettingKindInt, Validate: intInRange(0, 100000)},
	SettingInviteEnabled:          {Key: SettingInviteEnabled, Kind: SettingKindBool, Validate: boolValue},
	SettingInviteCodeMinLength:    {Key: SettingInviteCodeMinLength, Kind: SettingKindInt, Validate: intInRange(1, 64)},
	SettingInviteCodeMaxLength:    {Key: SettingInviteCodeMaxLength, Kind: SettingKindInt, Validate: intInRange(1, 64)},
	SettingBatchAdjustMaxAccounts: {Key: SettingBatchAdjustMaxAccounts, Kind: SettingKindInt, Validate: intInRange(1, 100000)},
}

func intInRange(min, max int64) func(string) error {
	return func(value string) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
		if n < min || n > max {
			return fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
		}
		return nil
	}
}

func boolValue(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("value %q is not a boolean", value)
	}
	return nil
}

/**
 * @description
 * This file defines the business-rule errors the credit and invite operations
 * return. These are expected outcomes, not server faults: controllers map them
 * to user-facing responses and they are never logged at error severity. Raw
 * store conflicts (unique violations) are resolved inside the app layer and
 * never surface through these types.
 *
 * @dependencies
 * - errors, fmt, time: Standard Go libraries.
 */

package app

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountInactive     = errors.New("account is not active")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrInvalidAmount       = errors.New("amount must be an integer between 1 and 1000")
	ErrInvalidOperation    = errors.New("invalid adjust operation")
	ErrBatchTooLarge       = errors.New("batch exceeds the configured account cap")
	ErrInviteDisabled      = errors.New("invite feature is disabled")
	ErrInvalidInviteCode   = errors.New("invite code is invalid")
	ErrInviterNotFound     = errors.New("inviter not found or inactive")
	ErrUnknownSettingKey   = errors.New("unknown setting key")
	ErrInvalidSettingValue = errors.New("invalid setting value")
)

// DailyLimitError is returned when an account has exhausted its daily
// decrease quota. NextResetAt is the start of the next quota window in the
// ledger timezone, so callers can surface when the quota returns.
type DailyLimitError struct {
	Limit       int64
	UsedToday   int64
	NextResetAt time.Time
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily limit of %d reached, resets at %s", e.Limit, e.NextResetAt.Format(time.RFC3339))
}

// ThrottledError is returned when the per-minute request throttle rejects a
// call before any business validation runs. It is retryable after RetryAfter.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
}

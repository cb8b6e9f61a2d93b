package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authgate/internal/store"
)

// LedgerDecision is the answer of the ban gate for one request.
type LedgerDecision struct {
	Allowed    bool
	RetryAfter int64 // seconds until the ban expires, when not allowed
}

// AttemptLedger tracks per-hwid failure counts and ban windows in the
// backing store. It holds no state of its own: every decision re-reads the
// authoritative record, and every mutation is a conditional update so two
// gateway instances cannot lose each other's writes.
type AttemptLedger struct {
	store     Store
	budget    int
	banWindow time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewAttemptLedger creates a ledger with the given failure budget and ban
// window.
func NewAttemptLedger(s Store, budget int, banWindow time.Duration, logger *slog.Logger) *AttemptLedger {
	return &AttemptLedger{
		store:     s,
		budget:    budget,
		banWindow: banWindow,
		logger:    logger.With(slog.String("component", "attempt_ledger")),
		now:       time.Now,
	}
}

// CheckAndConsume runs the ban gate for hwid. It happens before signature or
// credential validation so banned devices are rejected uniformly regardless
// of payload validity. A device with no ledger record is allowed.
func (l *AttemptLedger) CheckAndConsume(ctx context.Context, hwid string) (LedgerDecision, error) {
	var state store.AttemptState
	err := l.store.GetJSON(ctx, store.AttemptPath(hwid), &state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LedgerDecision{Allowed: true}, nil
		}
		return LedgerDecision{}, fmt.Errorf("attempt ledger read: %w", err)
	}

	now := l.now().Unix()
	if now < state.BanUntil {
		return LedgerDecision{Allowed: false, RetryAfter: state.BanUntil - now}, nil
	}
	return LedgerDecision{Allowed: true}, nil
}

// RecordOutcome persists the result of one authorization attempt. A success
// resets the failure counter and clears any ban unconditionally. A failure
// consumes one unit of the budget; when the budget is exhausted the ledger
// opens a ban window and resets the counter. Returns the remaining attempts
// and whether this outcome opened a ban.
func (l *AttemptLedger) RecordOutcome(ctx context.Context, hwid string, success bool) (remaining int, banned bool, err error) {
	now := l.now().Unix()

	err = l.store.Update(ctx, store.AttemptPath(hwid), func(current json.RawMessage) (interface{}, error) {
		var state store.AttemptState
		if current != nil {
			if err := json.Unmarshal(current, &state); err != nil {
				return nil, fmt.Errorf("%w: attempt state: %v", store.ErrMalformed, err)
			}
		}

		if success {
			remaining = l.budget
			banned = false
			return store.AttemptState{FailCount: 0, LastFail: 0, BanUntil: 0}, nil
		}

		state.FailCount++
		remaining = l.budget - state.FailCount
		if remaining > 0 {
			banned = false
			return store.AttemptState{FailCount: state.FailCount, LastFail: now, BanUntil: 0}, nil
		}

		remaining = 0
		banned = true
		return store.AttemptState{FailCount: 0, LastFail: now, BanUntil: now + int64(l.banWindow.Seconds())}, nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("attempt ledger write: %w", err)
	}

	if banned {
		l.logger.WarnContext(ctx, "hwid ban window opened",
			slog.String("hwid", hwid),
			slog.Int64("ban_seconds", int64(l.banWindow.Seconds())))
	}

	return remaining, banned, nil
}

// BanWindowSeconds is the configured ban duration in seconds.
func (l *AttemptLedger) BanWindowSeconds() int64 {
	return int64(l.banWindow.Seconds())
}

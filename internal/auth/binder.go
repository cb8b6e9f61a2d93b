package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"authgate/internal/config"
	"authgate/internal/errors"
	"authgate/internal/store"
)

// errSlotsUnchanged aborts a conditional update whose decision required no
// write: the slot table stays exactly as read.
var errSlotsUnchanged = stderrors.New("slot table unchanged")

// BindOutcome is the policy binder's decision for one request.
type BindOutcome int

const (
	// BindAllowed means the device already occupies a slot.
	BindAllowed BindOutcome = iota
	// BindBound means the device was bound into a free slot on this request.
	BindBound
	// BindDenied means the policy rejects the device.
	BindDenied
)

// BindResult carries the decision plus the deny reason and, on a bind, the
// slot key the device now occupies.
type BindResult struct {
	Outcome BindOutcome
	Reason  string
	Slot    string
}

// PolicyBinder enforces a user's hwid slot policy and binds new devices into
// free slots. A locked policy is never mutated here; unlocked policies gain
// at most one binding per successful request. Slot exhaustion behavior comes
// from configuration (deny or lock).
type PolicyBinder struct {
	store          Store
	slotExhaustion string
	logger         *slog.Logger
}

// NewPolicyBinder creates a binder with the configured slot exhaustion mode.
func NewPolicyBinder(s Store, slotExhaustion string, logger *slog.Logger) *PolicyBinder {
	return &PolicyBinder{
		store:          s,
		slotExhaustion: slotExhaustion,
		logger:         logger.With(slog.String("component", "policy_binder")),
	}
}

// Resolve decides whether hwid may use the account and binds it if the
// policy allows. The policy passed in came from the user record read; the
// binding write re-reads the slot table conditionally, so a concurrent bind
// for the same user is observed rather than overwritten.
func (b *PolicyBinder) Resolve(ctx context.Context, userID string, policy store.Policy, hwid string) (BindResult, error) {
	if policy.HwidLocked {
		for _, key := range policy.SlotKeys() {
			if policy.HwidSlots[key] == hwid {
				return BindResult{Outcome: BindAllowed, Slot: key}, nil
			}
		}
		return BindResult{Outcome: BindDenied, Reason: errors.ReasonHwidNotAllowed}, nil
	}

	// Fast path: already bound, nothing to persist.
	for _, key := range policy.SlotKeys() {
		if policy.HwidSlots[key] == hwid {
			return BindResult{Outcome: BindAllowed, Slot: key}, nil
		}
	}

	result, err := b.bind(ctx, userID, policy, hwid)
	if err != nil {
		return BindResult{}, err
	}

	if result.Outcome == BindDenied && b.slotExhaustion == config.SlotExhaustionLock {
		if err := b.lock(ctx, userID, policy); err != nil {
			return BindResult{}, err
		}
	}

	return result, nil
}

// bind writes hwid into the first empty slot, re-deciding against the
// current slot table inside the conditional update.
func (b *PolicyBinder) bind(ctx context.Context, userID string, policy store.Policy, hwid string) (BindResult, error) {
	var result BindResult

	err := b.store.Update(ctx, store.UserPolicySlotsPath(userID), func(current json.RawMessage) (interface{}, error) {
		slots := make(map[string]string, len(policy.HwidSlots))
		if current != nil {
			if err := json.Unmarshal(current, &slots); err != nil {
				return nil, fmt.Errorf("%w: slot table: %v", store.ErrMalformed, err)
			}
		} else {
			for k, v := range policy.HwidSlots {
				slots[k] = v
			}
		}

		scan := store.Policy{HwidSlots: slots}
		for _, key := range scan.SlotKeys() {
			if slots[key] == hwid {
				// A concurrent request bound us first. Idempotent.
				result = BindResult{Outcome: BindAllowed, Slot: key}
				return nil, errSlotsUnchanged
			}
		}

		for _, key := range scan.SlotKeys() {
			if slots[key] == "" {
				slots[key] = hwid
				result = BindResult{Outcome: BindBound, Slot: key}
				return slots, nil
			}
		}

		result = BindResult{Outcome: BindDenied, Reason: errors.ReasonHwidLimitReached}
		return nil, errSlotsUnchanged
	})
	if err != nil && !stderrors.Is(err, errSlotsUnchanged) {
		return BindResult{}, fmt.Errorf("slot bind: %w", err)
	}

	if result.Outcome == BindBound {
		b.logger.InfoContext(ctx, "hwid bound to slot",
			slog.String("user_id", userID),
			slog.String("slot", result.Slot))
	}

	return result, nil
}

// lock persists hwidLocked=true together with the slot table in a single
// write of the policy sub-tree.
func (b *PolicyBinder) lock(ctx context.Context, userID string, policy store.Policy) error {
	err := b.store.Update(ctx, store.UserPolicyPath(userID), func(current json.RawMessage) (interface{}, error) {
		cur := policy
		if current != nil {
			if err := json.Unmarshal(current, &cur); err != nil {
				return nil, fmt.Errorf("%w: policy: %v", store.ErrMalformed, err)
			}
		}
		cur.HwidLocked = true
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("policy lock: %w", err)
	}

	b.logger.WarnContext(ctx, "policy locked after slot exhaustion",
		slog.String("user_id", userID))
	return nil
}

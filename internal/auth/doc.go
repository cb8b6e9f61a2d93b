// Package auth implements the device authorization core: signature
// verification, the per-hwid attempt ledger and ban policy, user hwid slot
// binding, feature projection, and per-session API encryption.
//
// The package holds no state of its own. All authoritative state (attempt
// counters, slot tables, sessions) lives in the backing store and is
// re-read on every request; mutations go through conditional updates so
// concurrent requests for the same device or user do not silently overwrite
// each other.
//
// Pipeline order for an authorization request:
//
//	ban gate → signature → app config → version gate → user lookup →
//	slot binding → feature projection
//
// Store faults map to internal errors and never consume the device's
// attempt budget.
package auth

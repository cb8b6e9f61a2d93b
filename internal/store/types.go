package store

import (
	"encoding/json"
	"net/url"
	"sort"
)

// FeatureDef describes one feature in the server configuration. Keys other
// than enabled/minVersion are opaque to the gateway and kept raw; the
// projector decides which of them are client-visible.
type FeatureDef struct {
	Enabled    bool
	MinVersion string
	Extra      map[string]json.RawMessage
}

// UnmarshalJSON captures the known fields and keeps everything else raw.
func (f *FeatureDef) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["enabled"]; ok {
		if err := json.Unmarshal(v, &f.Enabled); err != nil {
			return err
		}
		delete(raw, "enabled")
	}
	if v, ok := raw["minVersion"]; ok {
		if err := json.Unmarshal(v, &f.MinVersion); err != nil {
			return err
		}
		delete(raw, "minVersion")
	}
	f.Extra = raw
	return nil
}

// MarshalJSON restores the stored shape.
func (f FeatureDef) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(f.Extra)+2)
	out["enabled"] = f.Enabled
	out["minVersion"] = f.MinVersion
	for k, v := range f.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// AppConfig is the server-owned application configuration. Read-only here.
type AppConfig struct {
	Version  string                `json:"version"`
	Features map[string]FeatureDef `json:"features"`
}

// Policy is a user's device binding policy. Once HwidLocked is true the slot
// table is immutable except by out-of-band admin action. The slot table is
// stored under the policy child node "hwids", the same node the binder
// writes through UserPolicySlotsPath, so a bind is visible on the next
// user-record read.
type Policy struct {
	HwidLocked bool              `json:"hwidLocked"`
	HwidSlots  map[string]string `json:"hwids"`
}

// SlotKeys returns the slot keys in stable (sorted) iteration order.
func (p *Policy) SlotKeys() []string {
	keys := make([]string, 0, len(p.HwidSlots))
	for k := range p.HwidSlots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UserRecord is a stored user. Entitlements are the per-feature booleans at
// the top level of the stored object; Profile carries the remaining opaque
// fields (checkers, inbox data) passed through verbatim on success.
type UserRecord struct {
	ID           string
	Name         string
	Entitlements map[string]bool
	Policy       Policy
	Profile      map[string]json.RawMessage
}

// UnmarshalJSON splits the stored object into known fields, boolean
// entitlement flags, and opaque profile data.
func (u *UserRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.Entitlements = make(map[string]bool)
	u.Profile = make(map[string]json.RawMessage)

	for k, v := range raw {
		switch k {
		case "id":
			if err := json.Unmarshal(v, &u.ID); err != nil {
				return err
			}
		case "name":
			if err := json.Unmarshal(v, &u.Name); err != nil {
				return err
			}
		case "policy":
			if err := json.Unmarshal(v, &u.Policy); err != nil {
				return err
			}
		default:
			var b bool
			if err := json.Unmarshal(v, &b); err == nil {
				u.Entitlements[k] = b
				continue
			}
			u.Profile[k] = v
		}
	}
	return nil
}

// Entitled reports whether the user has the named feature flag set.
func (u *UserRecord) Entitled(feature string) bool {
	return u.Entitlements[feature]
}

// AttemptState is the per-hwid failure ledger record. Field names match the
// stored wire format.
type AttemptState struct {
	FailCount int   `json:"count"`
	LastFail  int64 `json:"lastFail"`
	BanUntil  int64 `json:"banUntil"`
}

// Session is a login session created by an external flow. Read-only here.
type Session struct {
	ID      string `json:"id"`
	Hwid    string `json:"hwid"`
	Expires int64  `json:"expires"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now int64) bool {
	return now > s.Expires
}

// APITable maps feature name to its named API endpoint URLs.
type APITable map[string]map[string]string

// Store paths. Every document lives under <base>/<path>.json.

// AppConfigPath is the location of the application configuration.
func AppConfigPath() string { return "app.json" }

// APITablePath is the location of the feature-keyed API URL table.
func APITablePath() string { return "apis.json" }

// UserPath returns the location of a user record.
func UserPath(id string) string {
	return "users/" + url.PathEscape(id) + ".json"
}

// UserPolicySlotsPath returns the location of a user's slot sub-tree, which
// the binder writes directly so an update touches nothing else on the user.
func UserPolicySlotsPath(id string) string {
	return "users/" + url.PathEscape(id) + "/policy/hwids.json"
}

// UserPolicyPath returns the location of a user's whole policy sub-tree.
// Used when the locked flag and the slot table must change in one write.
func UserPolicyPath(id string) string {
	return "users/" + url.PathEscape(id) + "/policy.json"
}

// AttemptPath returns the location of a device's attempt ledger record.
func AttemptPath(hwid string) string {
	return "hwid_attempts/" + url.PathEscape(hwid) + ".json"
}

// SessionPath returns the location of a session record.
func SessionPath(token string) string {
	return "sessions/" + url.PathEscape(token) + ".json"
}

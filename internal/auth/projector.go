package auth

import (
	"strings"

	"authgate/internal/store"
)

// FeatureProjector derives the outward-facing feature view from the server
// configuration and a user's entitlement flags. Pure: no I/O, no mutation,
// deterministic for identical inputs.
type FeatureProjector struct {
	apiKeySuffix string
}

// NewFeatureProjector creates a projector using the given suffix convention
// for API-exposed config keys.
func NewFeatureProjector(apiKeySuffix string) *FeatureProjector {
	return &FeatureProjector{apiKeySuffix: apiKeySuffix}
}

// Enabled reports whether a feature is effectively on for a user: it must be
// enabled in the server configuration and granted to the user.
func (p *FeatureProjector) Enabled(def store.FeatureDef, user *store.UserRecord, name string) bool {
	return def.Enabled && user.Entitled(name)
}

// Project builds the feature view. Every input feature appears in the output
// with its enabled state and minimum version; suffix-marked config keys are
// exposed only for effectively enabled features.
func (p *FeatureProjector) Project(features map[string]store.FeatureDef, user *store.UserRecord) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(features))

	for name, def := range features {
		enabled := p.Enabled(def, user, name)

		view := map[string]interface{}{
			"enabled":    enabled,
			"minVersion": def.MinVersion,
		}

		if enabled {
			for key, value := range def.Extra {
				if strings.HasSuffix(key, p.apiKeySuffix) {
					view[key] = value
				}
			}
		}

		out[name] = view
	}

	return out
}

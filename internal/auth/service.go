package auth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"authgate/internal/errors"
	"authgate/internal/store"
)

// AuthRequest is one inbound authorization request. Transient.
type AuthRequest struct {
	ID        string `json:"id" validate:"required"`
	Hwid      string `json:"hwid" validate:"required"`
	Version   string `json:"version" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// AuthResult is the successful authorization payload.
type AuthResult struct {
	Name      string                            `json:"name"`
	Features  map[string]map[string]interface{} `json:"features"`
	Profile   map[string]json.RawMessage        `json:"profile,omitempty"`
	BoundSlot string                            `json:"boundSlot,omitempty"`
}

// APIGrant is the successful API-issuance payload. TTL is advisory: the
// client must refresh after it elapses.
type APIGrant struct {
	IssuedAt int64                        `json:"issued_at"`
	TTL      int64                        `json:"ttl"`
	APIs     map[string]map[string]string `json:"apis"`
}

// Service sequences the authorization pipeline per inbound request:
// ban gate, signature, version gate, user lookup, policy binding, feature
// projection. The issuance endpoint adds session validation and per-field
// encryption. The service keeps no state; every request re-reads
// authoritative state from the store.
type Service struct {
	store     Store
	verifier  *SignatureVerifier
	ledger    *AttemptLedger
	binder    *PolicyBinder
	projector *FeatureProjector
	cipher    *SessionCipher
	apiTTL    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the authorization pipeline.
func NewService(
	s Store,
	verifier *SignatureVerifier,
	ledger *AttemptLedger,
	binder *PolicyBinder,
	projector *FeatureProjector,
	cipher *SessionCipher,
	apiTTL time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     s,
		verifier:  verifier,
		ledger:    ledger,
		binder:    binder,
		projector: projector,
		cipher:    cipher,
		apiTTL:    apiTTL,
		logger:    logger.With(slog.String("component", "auth_service")),
		now:       time.Now,
	}
}

// Authorize runs the full device authorization pipeline. Failures come back
// as *errors.GateError; anything else is an internal fault the transport
// maps to a 500.
func (s *Service) Authorize(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "auth.authorize",
		trace.WithAttributes(
			attribute.String("auth.user_id", req.ID),
			attribute.String("auth.client_version", req.Version),
		),
	)
	defer span.End()

	result, err := s.authorize(ctx, req)
	if err != nil {
		span.SetAttributes(attribute.String("auth.reason", reasonOf(err)))

		if errors.CountsAgainstLedger(err) {
			err = s.recordFailure(ctx, req.Hwid, err)
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.reason", "OK"))
	return result, nil
}

// authorize is the happy-path sequence; it reports failures without touching
// the ledger so the caller can decide what counts.
func (s *Service) authorize(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	// Ban gate first: banned devices are rejected cheaply and uniformly,
	// before any signature or credential work.
	decision, err := s.ledger.CheckAndConsume(ctx, req.Hwid)
	if err != nil {
		return nil, s.storeFailure(ctx, "ban gate", err)
	}
	if !decision.Allowed {
		return nil, errors.HwidBanned(decision.RetryAfter)
	}

	if !s.verifier.Verify([]string{req.ID, req.Hwid, req.Version, req.Nonce}, req.Signature) {
		return nil, errors.InvalidSignature()
	}

	var appCfg store.AppConfig
	if err := s.store.GetJSON(ctx, store.AppConfigPath(), &appCfg); err != nil {
		s.logger.ErrorContext(ctx, "app config unavailable", slog.String("error", err.Error()))
		return nil, errors.ServerConfigError()
	}
	if appCfg.Version == "" {
		return nil, errors.ServerConfigError()
	}

	if req.Version != appCfg.Version {
		return nil, errors.VersionMismatch(appCfg.Version)
	}

	var user store.UserRecord
	if err := s.store.GetJSON(ctx, store.UserPath(req.ID), &user); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.InvalidUser()
		}
		return nil, s.storeFailure(ctx, "user lookup", err)
	}

	bind, err := s.binder.Resolve(ctx, req.ID, user.Policy, req.Hwid)
	if err != nil {
		return nil, s.storeFailure(ctx, "policy bind", err)
	}
	if bind.Outcome == BindDenied {
		switch bind.Reason {
		case errors.ReasonHwidLimitReached:
			return nil, errors.HwidLimitReached()
		default:
			return nil, errors.HwidNotAllowed()
		}
	}

	if _, _, err := s.ledger.RecordOutcome(ctx, req.Hwid, true); err != nil {
		// The device authenticated; a failed counter reset must not block it.
		s.logger.WarnContext(ctx, "failed to reset attempt ledger",
			slog.String("error", err.Error()))
	}

	return &AuthResult{
		Name:      user.Name,
		Features:  s.projector.Project(appCfg.Features, &user),
		Profile:   user.Profile,
		BoundSlot: bind.Slot,
	}, nil
}

// IssueAPIs validates a login session and returns the user's entitled API
// endpoints, each encrypted for this session and device.
func (s *Service) IssueAPIs(ctx context.Context, id, hwid, session string) (*APIGrant, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "auth.issue_apis",
		trace.WithAttributes(attribute.String("auth.user_id", id)),
	)
	defer span.End()

	now := s.now().Unix()

	var sess store.Session
	if err := s.store.GetJSON(ctx, store.SessionPath(session), &sess); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.InvalidSession()
		}
		return nil, s.storeFailure(ctx, "session lookup", err)
	}

	if sess.ID != id || sess.Hwid != hwid {
		return nil, errors.SessionMismatch()
	}
	if sess.Expired(now) {
		return nil, errors.SessionExpired()
	}

	var user store.UserRecord
	if err := s.store.GetJSON(ctx, store.UserPath(id), &user); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.InvalidUser()
		}
		return nil, s.storeFailure(ctx, "user lookup", err)
	}

	var appCfg store.AppConfig
	if err := s.store.GetJSON(ctx, store.AppConfigPath(), &appCfg); err != nil {
		s.logger.ErrorContext(ctx, "app config unavailable", slog.String("error", err.Error()))
		return nil, errors.ServerConfigError()
	}

	var table store.APITable
	if err := s.store.GetJSON(ctx, store.APITablePath(), &table); err != nil {
		s.logger.ErrorContext(ctx, "api table unavailable", slog.String("error", err.Error()))
		return nil, errors.ServerConfigError()
	}

	apis := make(map[string]map[string]string)
	for name, def := range appCfg.Features {
		if !s.projector.Enabled(def, &user, name) {
			continue
		}
		group, ok := table[name]
		if !ok {
			continue
		}

		encrypted := make(map[string]string, len(group))
		for apiName, apiURL := range group {
			blob, err := s.cipher.Encrypt(apiURL, session, hwid)
			if err != nil {
				s.logger.ErrorContext(ctx, "api encryption failed",
					slog.String("feature", name),
					slog.String("error", err.Error()))
				return nil, errors.Internal()
			}
			encrypted[apiName] = blob
		}
		apis[name] = encrypted
	}

	return &APIGrant{
		IssuedAt: now,
		TTL:      int64(s.apiTTL.Seconds()),
		APIs:     apis,
	}, nil
}

// recordFailure consumes one unit of the device's attempt budget. If that
// exhausts the budget the failure is reported as a fresh ban instead of the
// underlying reason. A ledger write error is logged but never upgrades an
// authentication failure into a store failure.
func (s *Service) recordFailure(ctx context.Context, hwid string, cause error) error {
	remaining, banned, err := s.ledger.RecordOutcome(ctx, hwid, false)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record attempt outcome",
			slog.String("error", err.Error()))
		return cause
	}

	if banned {
		return errors.HwidBanned(s.ledger.BanWindowSeconds())
	}

	if ge := errors.AsGateError(cause); ge != nil {
		ge.WithExtension("remaining", remaining)
	}
	return cause
}

// storeFailure logs the underlying store error and maps it to an internal
// error response. Store faults must never be conflated with authentication
// failures.
func (s *Service) storeFailure(ctx context.Context, op string, err error) error {
	s.logger.ErrorContext(ctx, "store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()))
	return errors.StoreError()
}

// reasonOf extracts the wire reason from an error for telemetry.
func reasonOf(err error) string {
	if ge := errors.AsGateError(err); ge != nil {
		return ge.Reason
	}
	return errors.ReasonInternalError
}

package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"hotfix-license-server/internal/license"
	"hotfix-license-server/internal/logging"
	"hotfix-license-server/internal/metrics"
	"hotfix-license-server/internal/store"
	"hotfix-license-server/internal/xorcipher"
)

const DefaultMaxNonceAge = 24 * time.Hour

// Config carries everything the engine needs. Store is required.
type Config struct {
	Store       store.Store
	AdminSecret string
	// MaxNonceAge bounds how long an issued nonce stays usable. Defaults to 24h.
	MaxNonceAge time.Duration
	// Now is the server clock. Defaults to time.Now.
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type Engine struct {
	st          store.Store
	adminSecret string
	maxNonceAge time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Collector
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("protocol: store is required")
	}
	e := &Engine{
		st:          cfg.Store,
		adminSecret: cfg.AdminSecret,
		maxNonceAge: cfg.MaxNonceAge,
		now:         cfg.Now,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if e.maxNonceAge <= 0 {
		e.maxNonceAge = DefaultMaxNonceAge
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With(slog.String("component", "protocol"))
	return e, nil
}

type ActivateResult struct {
	SessionToken string
	Nonce        string
	ExpiresAt    *time.Time
	// TransportKey seals the reply.
	TransportKey string
}

type VerifyResult struct {
	Nonce        string
	TransportKey string
}

// Activate binds the license to req.DeviceID, or re-issues the session for the
// device it is already bound to.
func (e *Engine) Activate(ctx context.Context, req ActivateRequest) (ActivateResult, error) {
	res, err := e.activate(ctx, req)
	e.metrics.Activation(outcome(err))
	return res, err
}

func (e *Engine) activate(ctx context.Context, req ActivateRequest) (ActivateResult, error) {
	if err := validate.Struct(req); err != nil {
		return ActivateResult{}, &Error{Kind: KindBadRequest, Msg: msgInvalidRequest, Err: err}
	}
	if !license.ValidKey(req.LicenseKey) {
		return ActivateResult{}, failure(KindBadRequest, msgInvalidFormat, "")
	}

	log := e.log.With(slog.String("license", req.LicenseKey), slog.String("device", logging.Redact(req.DeviceID)))
	key := xorcipher.DeriveKey(req.DeviceID, req.LicenseKey)

	payload, err := Open[ActivatePayload](req.Encrypted, key)
	if err != nil {
		log.WarnContext(ctx, "activation payload unreadable, ignoring", slog.String("error", err.Error()))
		payload = ActivatePayload{}
	}

	lic, err := e.st.Get(ctx, req.LicenseKey)
	if errors.Is(err, store.ErrNotFound) {
		return ActivateResult{}, failure(KindNotFound, msgNotFound, key)
	}
	if err != nil {
		return ActivateResult{}, internalError(err)
	}
	now := e.now().UTC()
	if err := checkBindable(lic, req.DeviceID, now, key); err != nil {
		log.InfoContext(ctx, "activation rejected", slog.String("reason", err.Msg))
		return ActivateResult{}, err
	}

	sessionToken, err := license.NewToken()
	if err != nil {
		return ActivateResult{}, internalError(err)
	}
	nonce, err := license.NewToken()
	if err != nil {
		return ActivateResult{}, internalError(err)
	}

	upd := store.Update{
		DeviceID:               &req.DeviceID,
		SessionToken:           &sessionToken,
		Nonce:                  &nonce,
		NonceTimestamp:         &now,
		LastVerified:           &now,
		IncrementVerifications: true,
	}
	if payload.DeviceInfo != "" {
		upd.DeviceInfo = &payload.DeviceInfo
	}

	updated, err := e.st.Update(ctx, lic.Key, store.Condition{BindableTo: req.DeviceID, Active: true}, upd)
	if errors.Is(err, store.ErrConditionFailed) {
		// Another request bound or burned the license after our read.
		cur, gerr := e.st.Get(ctx, lic.Key)
		if gerr != nil {
			return ActivateResult{}, internalError(gerr)
		}
		if ferr := checkBindable(cur, req.DeviceID, now, key); ferr != nil {
			return ActivateResult{}, ferr
		}
		return ActivateResult{}, internalError(err)
	}
	if err != nil {
		return ActivateResult{}, internalError(err)
	}

	log.InfoContext(ctx, "license activated",
		slog.Bool("rebind", lic.Bound()),
		slog.Int64("verification_count", updated.VerificationCount),
	)
	return ActivateResult{
		SessionToken: sessionToken,
		Nonce:        nonce,
		ExpiresAt:    updated.ExpiresAt,
		TransportKey: key,
	}, nil
}

func checkBindable(lic store.License, deviceID string, now time.Time, key string) *Error {
	switch {
	case lic.Burned():
		return failure(KindForbidden, msgRevoked, key)
	case lic.Bound() && lic.DeviceID != deviceID:
		return failure(KindForbidden, msgOtherDevice, key)
	case lic.Expired(now):
		return failure(KindStale, msgExpired, key)
	}
	return nil
}

// Verify checks a sealed {session_token, nonce, device_id} against the stored
// license and rotates the nonce.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	res, err := e.verify(ctx, req)
	e.metrics.Verification(outcome(err))
	return res, err
}

func (e *Engine) verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if err := validate.Struct(req); err != nil {
		return VerifyResult{}, &Error{Kind: KindBadRequest, Msg: msgInvalidRequest, Err: err}
	}

	lic, err := e.st.Get(ctx, license.Normalize(req.LicenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return VerifyResult{}, failure(KindNotFound, msgNotFound, "")
	}
	if err != nil {
		return VerifyResult{}, internalError(err)
	}
	// Without a bound device there is no transport key to answer with.
	if !lic.Bound() {
		return VerifyResult{}, failure(KindForbidden, msgNotActivated, "")
	}

	log := e.log.With(slog.String("license", lic.Key), slog.String("device", logging.Redact(lic.DeviceID)))
	key := xorcipher.DeriveKey(lic.DeviceID, req.LicenseKey)

	payload, err := Open[VerifyPayload](req.Encrypted, key)
	if err != nil {
		log.WarnContext(ctx, "verification payload rejected", slog.String("error", err.Error()))
		return VerifyResult{}, &Error{Kind: KindBadRequest, Msg: msgInvalidPayload, TransportKey: key, Err: err}
	}

	if !equal(payload.SessionToken, lic.SessionToken) {
		log.WarnContext(ctx, "session token mismatch")
		return VerifyResult{}, failure(KindForbidden, msgInvalidSession, key)
	}
	if payload.DeviceID != lic.DeviceID {
		log.WarnContext(ctx, "device mismatch")
		return VerifyResult{}, failure(KindForbidden, msgDeviceMismatch, key)
	}
	if payload.Nonce == "" || !equal(payload.Nonce, lic.Nonce) {
		if lic.Burned() {
			return VerifyResult{}, failure(KindForbidden, msgRevoked, key)
		}
		log.ErrorContext(ctx, "nonce mismatch, burning license",
			slog.String("received", logging.Redact(payload.Nonce)),
		)
		return VerifyResult{}, e.burnOnReplay(ctx, lic.Key, key)
	}

	now := e.now().UTC()
	if age := now.Sub(lic.NonceTimestamp); age > e.maxNonceAge {
		log.InfoContext(ctx, "nonce too old", slog.Duration("age", age))
		return VerifyResult{}, failure(KindStale, msgSessionExpired, key)
	}
	if lic.Burned() {
		return VerifyResult{}, failure(KindForbidden, msgRevoked, key)
	}
	if lic.Expired(now) {
		return VerifyResult{}, failure(KindStale, msgExpired, key)
	}

	next, err := license.NewToken()
	if err != nil {
		return VerifyResult{}, internalError(err)
	}
	updated, err := e.st.Update(ctx, lic.Key,
		store.Condition{Nonce: payload.Nonce, Active: true},
		store.Update{Nonce: &next, NonceTimestamp: &now, LastVerified: &now, IncrementVerifications: true},
	)
	if errors.Is(err, store.ErrConditionFailed) {
		// Someone consumed this nonce first: the request is a replay.
		log.ErrorContext(ctx, "nonce consumed concurrently, burning license")
		return VerifyResult{}, e.burnOnReplay(ctx, lic.Key, key)
	}
	if err != nil {
		return VerifyResult{}, internalError(err)
	}

	log.DebugContext(ctx, "license verified", slog.Int64("verification_count", updated.VerificationCount))
	return VerifyResult{Nonce: next, TransportKey: key}, nil
}

// burnOnReplay burns an active license. Only the request that flips the
// status reports the burn; a license burned in the meantime is just revoked.
func (e *Engine) burnOnReplay(ctx context.Context, licenseKey, transportKey string) error {
	burned := store.StatusBurned
	_, err := e.st.Update(ctx, licenseKey, store.Condition{Active: true}, store.Update{Status: &burned})
	if errors.Is(err, store.ErrConditionFailed) {
		return failure(KindForbidden, msgRevoked, transportKey)
	}
	if err != nil {
		return internalError(err)
	}
	e.metrics.Burn("nonce_mismatch")
	e.log.WarnContext(ctx, "license burned", slog.String("license", licenseKey), slog.String("reason", "nonce_mismatch"))
	return &Error{Kind: KindBurned, Msg: msgBurned, TransportKey: transportKey, Burned: true}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

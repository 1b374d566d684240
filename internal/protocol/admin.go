package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hotfix-license-server/internal/license"
	"hotfix-license-server/internal/store"
)

const maxExpiresDays = 36500

// generated keys collide with negligible probability; retry a few times anyway
const keyAttempts = 3

// AdminCreate inserts a new unbound license. An empty licenseKey asks for a
// generated one. expiresDays of 0 means the license never expires.
func (e *Engine) AdminCreate(ctx context.Context, secret, licenseKey string, expiresDays int) (store.License, error) {
	lic, err := e.adminCreate(ctx, secret, licenseKey, expiresDays)
	e.metrics.Admin("create", outcome(err))
	return lic, err
}

func (e *Engine) adminCreate(ctx context.Context, secret, licenseKey string, expiresDays int) (store.License, error) {
	if err := e.authorize(secret); err != nil {
		return store.License{}, err
	}
	if expiresDays < 0 || expiresDays > maxExpiresDays {
		return store.License{}, failure(KindBadRequest, "expires_days out of range", "")
	}

	generate := licenseKey == ""
	key := license.Normalize(licenseKey)
	if !generate && !license.ValidKey(key) {
		return store.License{}, failure(KindBadRequest, msgInvalidFormat, "")
	}

	now := e.now().UTC()
	var expiresAt *time.Time
	if expiresDays > 0 {
		t := now.Add(time.Duration(expiresDays) * 24 * time.Hour)
		expiresAt = &t
	}

	for attempt := 0; ; attempt++ {
		if generate {
			var err error
			if key, err = license.NewKey(); err != nil {
				return store.License{}, internalError(err)
			}
		}
		nonce, err := license.NewToken()
		if err != nil {
			return store.License{}, internalError(err)
		}
		lic := store.License{
			Key:            key,
			Nonce:          nonce,
			NonceTimestamp: now,
			Status:         store.StatusActive,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
		}
		err = e.st.Insert(ctx, lic)
		switch {
		case err == nil:
			e.log.InfoContext(ctx, "license created",
				slog.String("license", key),
				slog.Int("expires_days", expiresDays),
			)
			return lic, nil
		case errors.Is(err, store.ErrExists):
			if !generate || attempt+1 >= keyAttempts {
				return store.License{}, failure(KindConflict, msgExists, "")
			}
		default:
			return store.License{}, internalError(err)
		}
	}
}

// AdminBurn moves the license to burned. Burning twice is not an error.
func (e *Engine) AdminBurn(ctx context.Context, secret, licenseKey string) (store.License, error) {
	lic, err := e.adminBurn(ctx, secret, licenseKey)
	e.metrics.Admin("burn", outcome(err))
	return lic, err
}

func (e *Engine) adminBurn(ctx context.Context, secret, licenseKey string) (store.License, error) {
	if err := e.authorize(secret); err != nil {
		return store.License{}, err
	}
	key := license.Normalize(licenseKey)
	if key == "" {
		return store.License{}, failure(KindBadRequest, msgInvalidRequest, "")
	}

	burned := store.StatusBurned
	lic, err := e.st.Update(ctx, key, store.Condition{}, store.Update{Status: &burned})
	if errors.Is(err, store.ErrNotFound) {
		return store.License{}, failure(KindNotFound, msgNotFound, "")
	}
	if err != nil {
		return store.License{}, internalError(err)
	}
	e.metrics.Burn("admin")
	e.log.WarnContext(ctx, "license burned", slog.String("license", key), slog.String("reason", "admin"))
	return lic, nil
}

func (e *Engine) AdminLookup(ctx context.Context, secret, licenseKey string) (store.License, error) {
	if err := e.authorize(secret); err != nil {
		return store.License{}, err
	}
	lic, err := e.st.Get(ctx, license.Normalize(licenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return store.License{}, failure(KindNotFound, msgNotFound, "")
	}
	if err != nil {
		return store.License{}, internalError(err)
	}
	return lic, nil
}

func (e *Engine) AdminList(ctx context.Context, secret string) ([]store.License, error) {
	if err := e.authorize(secret); err != nil {
		return nil, err
	}
	list, err := e.st.List(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return list, nil
}

// authorize rejects everything when no admin secret is configured.
func (e *Engine) authorize(secret string) error {
	if e.adminSecret == "" || secret == "" || !equal(secret, e.adminSecret) {
		return failure(KindForbidden, msgInvalidAdminKey, "")
	}
	return nil
}

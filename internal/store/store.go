package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("license not found")
	ErrExists   = errors.New("license already exists")
	// ErrConditionFailed is returned by Update when the record exists but does
	// not satisfy the supplied Condition. Nothing is written.
	ErrConditionFailed = errors.New("license update condition not met")
)

type Status string

const (
	StatusActive Status = "active"
	StatusBurned Status = "burned"
)

type License struct {
	Key               string     `json:"license_key"`
	DeviceID          string     `json:"device_id,omitempty"`
	DeviceInfo        string     `json:"device_info,omitempty"`
	SessionToken      string     `json:"session_token,omitempty"`
	Nonce             string     `json:"nonce"`
	NonceTimestamp    time.Time  `json:"nonce_timestamp"`
	Status            Status     `json:"status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	VerificationCount int64      `json:"verification_count"`
	LastVerified      *time.Time `json:"last_verified,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Bound reports whether a device has completed activation on the license.
func (l License) Bound() bool { return l.DeviceID != "" }

func (l License) Burned() bool { return l.Status == StatusBurned }

// Expired reports whether the license has an expiry that lies before now.
func (l License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Update is the set of fields written by Store.Update. Nil fields are left
// untouched.
type Update struct {
	DeviceID               *string
	DeviceInfo             *string
	SessionToken           *string
	Nonce                  *string
	NonceTimestamp         *time.Time
	LastVerified           *time.Time
	Status                 *Status
	IncrementVerifications bool
}

func (u Update) apply(lic *License) {
	if u.DeviceID != nil {
		lic.DeviceID = *u.DeviceID
	}
	if u.DeviceInfo != nil {
		lic.DeviceInfo = *u.DeviceInfo
	}
	if u.SessionToken != nil {
		lic.SessionToken = *u.SessionToken
	}
	if u.Nonce != nil {
		lic.Nonce = *u.Nonce
	}
	if u.NonceTimestamp != nil {
		lic.NonceTimestamp = u.NonceTimestamp.UTC()
	}
	if u.LastVerified != nil {
		t := u.LastVerified.UTC()
		lic.LastVerified = &t
	}
	if u.Status != nil {
		lic.Status = *u.Status
	}
	if u.IncrementVerifications {
		lic.VerificationCount++
	}
}

// Condition guards an Update. The zero value always holds.
type Condition struct {
	// Nonce, when set, must equal the stored nonce.
	Nonce string
	// BindableTo, when set, requires the record to be unbound or bound to this device.
	BindableTo string
	// Active requires status to be active.
	Active bool
}

func (c Condition) holds(lic License) bool {
	if c.Nonce != "" && lic.Nonce != c.Nonce {
		return false
	}
	if c.BindableTo != "" && lic.DeviceID != "" && lic.DeviceID != c.BindableTo {
		return false
	}
	if c.Active && lic.Status != StatusActive {
		return false
	}
	return true
}

// Store persists license records keyed by license key. Update must evaluate
// the condition and write the fields atomically.
type Store interface {
	Close() error

	Get(ctx context.Context, key string) (License, error)
	Insert(ctx context.Context, lic License) error
	Update(ctx context.Context, key string, cond Condition, upd Update) (License, error)
	List(ctx context.Context) ([]License, error)
}

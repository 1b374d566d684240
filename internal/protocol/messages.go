package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"hotfix-license-server/internal/xorcipher"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct checks v against its validate tags.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
	// DeviceID is restricted to printable ASCII so every client slices the
	// same characters when deriving the transport key.
	DeviceID   string `json:"device_id" validate:"required,max=256,printascii"`
	Encrypted  string `json:"encrypted" validate:"required"`
}

type VerifyRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
	Encrypted  string `json:"encrypted" validate:"required"`
}

// ActivatePayload is the sealed part of an activation request. All of it is
// informational.
type ActivatePayload struct {
	DeviceInfo string `json:"device_info" validate:"max=512"`
}

// VerifyPayload is the sealed part of a verification request. Nonce is not
// required by the schema: an absent nonce is a nonce mismatch.
type VerifyPayload struct {
	SessionToken string `json:"session_token" validate:"required"`
	Nonce        string `json:"nonce"`
	DeviceID     string `json:"device_id" validate:"required,printascii"`
}

// Sealed is the wire form of every encrypted request part and reply.
type Sealed struct {
	Encrypted string `json:"encrypted"`
}

type ActivateReply struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token"`
	Nonce        string `json:"nonce"`
	// ExpiresAt is in unix milliseconds, 0 when the license never expires.
	ExpiresAt int64 `json:"expires_at"`
}

type VerifyReply struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	Nonce   string `json:"nonce"`
}

type ErrorReply struct {
	Success bool   `json:"success"`
	Valid   *bool  `json:"valid,omitempty"`
	Error   string `json:"error"`
	Burned  bool   `json:"burned,omitempty"`
}

// Seal marshals v and encrypts it under key.
func Seal(v any, key string) (Sealed, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Encrypted: xorcipher.Encrypt(buf, key)}, nil
}

// Open decrypts ciphertext under key into a T and validates it. A wrong key
// surfaces here as a JSON or validation error.
func Open[T any](ciphertext, key string) (T, error) {
	var out T
	raw, err := xorcipher.Decrypt(ciphertext, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	if err := validate.Struct(out); err != nil {
		return out, err
	}
	return out, nil
}

// UnixMillis converts an optional expiry to the wire form.
func UnixMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

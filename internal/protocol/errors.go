package protocol

import (
	"errors"
	"net/http"
)

// Kind classifies a protocol failure.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindForbidden
	KindNotFound
	KindConflict
	// KindBurned means the call tripped the nonce check and the license is now burned.
	KindBurned
	// KindStale covers a nonce past its maximum age and an expired license.
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBurned:
		return "burned"
	case KindStale:
		return "stale"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind onto a response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden, KindBurned, KindStale:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by every Engine operation that rejects a request.
type Error struct {
	Kind Kind
	Msg  string
	// TransportKey is set once the key is derivable; the reply must then be sealed with it.
	TransportKey string
	Burned       bool
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Messages returned to clients.
const (
	msgInvalidRequest  = "missing or invalid request fields"
	msgInvalidFormat   = "invalid license format"
	msgNotFound        = "license not found"
	msgRevoked         = "license has been burned/revoked"
	msgOtherDevice     = "license already activated on another device"
	msgNotActivated    = "license not activated"
	msgInvalidPayload  = "invalid payload"
	msgInvalidSession  = "invalid session token"
	msgDeviceMismatch  = "device mismatch"
	msgBurned          = "invalid security token - license burned"
	msgSessionExpired  = "session expired - please re-activate"
	msgExpired         = "license expired"
	msgInvalidAdminKey = "invalid admin key"
	msgExists          = "license already exists"
	msgServerError     = "server error"
)

func failure(kind Kind, msg, key string) *Error {
	return &Error{Kind: kind, Msg: msg, TransportKey: key}
}

// internalError hides err from the client; Unwrap still exposes it to logs.
func internalError(err error) *Error {
	return &Error{Kind: KindInternal, Msg: msgServerError, Err: err}
}

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"hotfix-license-server/internal/protocol"
	"hotfix-license-server/internal/store"
)

const msgInvalidJSON = "invalid JSON body"

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req protocol.ActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.writePlain(w, r, http.StatusBadRequest, protocol.ErrorReply{Error: msgInvalidJSON})
		return
	}
	res, err := a.engine.Activate(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}
	a.writeSealed(w, r, http.StatusOK, protocol.ActivateReply{
		Success:      true,
		SessionToken: res.SessionToken,
		Nonce:        res.Nonce,
		ExpiresAt:    protocol.UnixMillis(res.ExpiresAt),
	}, res.TransportKey)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.writePlain(w, r, http.StatusBadRequest, protocol.ErrorReply{Valid: new(bool), Error: msgInvalidJSON})
		return
	}
	res, err := a.engine.Verify(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err, true)
		return
	}
	a.writeSealed(w, r, http.StatusOK, protocol.VerifyReply{
		Success: true,
		Valid:   true,
		Nonce:   res.Nonce,
	}, res.TransportKey)
}

type adminRequest struct {
	AdminKey    string `json:"admin_key"`
	LicenseKey  string `json:"license_key"`
	ExpiresDays int    `json:"expires_days"`
}

// licenseView is the admin representation of a record. Times are unix
// milliseconds, 0 when unset.
type licenseView struct {
	LicenseKey        string `json:"license_key"`
	Status            string `json:"status"`
	DeviceID          string `json:"device_id,omitempty"`
	DeviceInfo        string `json:"device_info,omitempty"`
	ExpiresAt         int64  `json:"expires_at"`
	VerificationCount int64  `json:"verification_count"`
	LastVerified      int64  `json:"last_verified"`
	CreatedAt         int64  `json:"created_at"`
}

type adminReply struct {
	Success bool        `json:"success"`
	License licenseView `json:"license"`
}

func newLicenseView(lic store.License) licenseView {
	return licenseView{
		LicenseKey:        lic.Key,
		Status:            string(lic.Status),
		DeviceID:          lic.DeviceID,
		DeviceInfo:        lic.DeviceInfo,
		ExpiresAt:         protocol.UnixMillis(lic.ExpiresAt),
		VerificationCount: lic.VerificationCount,
		LastVerified:      protocol.UnixMillis(lic.LastVerified),
		CreatedAt:         lic.CreatedAt.UnixMilli(),
	}
}

func (a *API) handleAdminCreate(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.writePlain(w, r, http.StatusBadRequest, protocol.ErrorReply{Error: msgInvalidJSON})
		return
	}
	lic, err := a.engine.AdminCreate(r.Context(), req.AdminKey, req.LicenseKey, req.ExpiresDays)
	a.writeAdmin(w, r, lic, err, http.StatusCreated)
}

func (a *API) handleAdminBurn(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.writePlain(w, r, http.StatusBadRequest, protocol.ErrorReply{Error: msgInvalidJSON})
		return
	}
	lic, err := a.engine.AdminBurn(r.Context(), req.AdminKey, req.LicenseKey)
	a.writeAdmin(w, r, lic, err, http.StatusOK)
}

func (a *API) handleAdminInfo(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		a.writePlain(w, r, http.StatusBadRequest, protocol.ErrorReply{Error: msgInvalidJSON})
		return
	}
	lic, err := a.engine.AdminLookup(r.Context(), req.AdminKey, req.LicenseKey)
	a.writeAdmin(w, r, lic, err, http.StatusOK)
}

func (a *API) writeAdmin(w http.ResponseWriter, r *http.Request, lic store.License, err error, status int) {
	if err != nil {
		a.writeError(w, r, err, false)
		return
	}
	a.writePlain(w, r, status, adminReply{Success: true, License: newLicenseView(lic)})
}

// writeError renders a failed operation. Once the engine could derive a
// transport key the reply is sealed with it; before that it goes out in
// plaintext.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, verify bool) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		pe = &protocol.Error{Kind: protocol.KindInternal, Msg: "server error", Err: err}
	}
	if pe.Kind == protocol.KindInternal {
		a.log.ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
	}

	reply := protocol.ErrorReply{Error: pe.Msg, Burned: pe.Burned}
	if verify {
		reply.Valid = new(bool)
	}
	status := pe.Kind.HTTPStatus()
	if pe.TransportKey == "" {
		a.writePlain(w, r, status, reply)
		return
	}
	a.writeSealed(w, r, status, reply, pe.TransportKey)
}

func (a *API) writeSealed(w http.ResponseWriter, r *http.Request, status int, v any, key string) {
	sealed, err := protocol.Seal(v, key)
	if err != nil {
		a.log.ErrorContext(r.Context(), "seal reply", slog.String("error", err.Error()))
		a.writePlain(w, r, http.StatusInternalServerError, protocol.ErrorReply{Error: "server error"})
		return
	}
	a.writePlain(w, r, status, sealed)
}

func (a *API) writePlain(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

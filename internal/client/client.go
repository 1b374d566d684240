// Package client is the device side of the activation protocol. It seals
// requests with the transport key, opens replies and carries the rotating
// nonce from one verification to the next.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"hotfix-license-server/internal/protocol"
	"hotfix-license-server/internal/xorcipher"
)

var ErrNotActivated = errors.New("client: no active session, call Activate first")

// RejectedError is a negative answer from the server.
type RejectedError struct {
	Status int
	Msg    string
	// Burned is set when this request caused the license to be burned.
	Burned bool
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("license rejected (%d): %s", e.Status, e.Msg)
}

// State is what a device persists between runs.
type State struct {
	SessionToken string    `json:"session_token"`
	Nonce        string    `json:"nonce"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Client struct {
	baseURL    string
	licenseKey string
	deviceID   string
	key        string
	hc         *http.Client

	mu    sync.Mutex
	state State
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func New(baseURL, licenseKey, deviceID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		licenseKey: licenseKey,
		deviceID:   deviceID,
		key:        xorcipher.DeriveKey(deviceID, licenseKey),
		hc:         &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState restores a session saved by an earlier run.
func (c *Client) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Activate binds the license to this device and starts a new session.
func (c *Client) Activate(ctx context.Context, deviceInfo string) (State, error) {
	sealed, err := protocol.Seal(protocol.ActivatePayload{DeviceInfo: deviceInfo}, c.key)
	if err != nil {
		return State{}, err
	}
	var reply protocol.ActivateReply
	err = c.call(ctx, "/activate", protocol.ActivateRequest{
		LicenseKey: c.licenseKey,
		DeviceID:   c.deviceID,
		Encrypted:  sealed.Encrypted,
	}, &reply)
	if err != nil {
		return State{}, err
	}

	s := State{SessionToken: reply.SessionToken, Nonce: reply.Nonce}
	if reply.ExpiresAt > 0 {
		s.ExpiresAt = time.UnixMilli(reply.ExpiresAt)
	}
	c.SetState(s)
	return s, nil
}

// Verify presents the current nonce and stores the one the server rotates to.
// Calls must not overlap: a nonce presented twice burns the license.
func (c *Client) Verify(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SessionToken == "" {
		return ErrNotActivated
	}

	sealed, err := protocol.Seal(protocol.VerifyPayload{
		SessionToken: c.state.SessionToken,
		Nonce:        c.state.Nonce,
		DeviceID:     c.deviceID,
	}, c.key)
	if err != nil {
		return err
	}
	var reply protocol.VerifyReply
	err = c.call(ctx, "/verify", protocol.VerifyRequest{LicenseKey: c.licenseKey, Encrypted: sealed.Encrypted}, &reply)
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Burned {
		c.state = State{}
	}
	if err != nil {
		return err
	}
	if !reply.Valid {
		return &RejectedError{Status: http.StatusOK, Msg: "license not valid"}
	}
	c.state.Nonce = reply.Nonce
	return nil
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: read %s reply: %w", path, err)
	}

	plain, err := c.open(raw)
	if err != nil {
		return fmt.Errorf("client: %s reply (%d): %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorReply
		_ = json.Unmarshal(plain, &e)
		return &RejectedError{Status: resp.StatusCode, Msg: e.Error, Burned: e.Burned}
	}
	return json.Unmarshal(plain, out)
}

// open returns the plaintext of a reply that may or may not be sealed.
func (c *Client) open(raw []byte) ([]byte, error) {
	var sealed protocol.Sealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, err
	}
	if sealed.Encrypted == "" {
		return raw, nil
	}
	return xorcipher.Decrypt(sealed.Encrypted, c.key)
}

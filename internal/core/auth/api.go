// Package auth talks to the Nanit cloud REST API and manages the
// access/refresh token pair the rest of the daemon authenticates with.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// statusMFARequired is the non-standard status the login endpoint returns
// when the account needs a second factor. The response body still carries
// the mfa_token needed for the follow-up request.
const statusMFARequired = 482

// Credential is the access/refresh token pair. It is replaced wholesale on
// every refresh, never mutated field by field.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Camera describes the camera attached to a baby profile.
type Camera struct {
	UID             string `json:"uid"`
	Hardware        string `json:"hardware"`
	Mode            string `json:"mode"`
	FirmwareVersion string `json:"version"`
}

// Baby is one baby profile as returned by GET /babies.
type Baby struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Camera Camera `json:"camera"`
}

// LatestEvent is the most recent event for a baby. Time is fractional unix
// seconds exactly as the cloud reports it; the coordinator compares it for
// equality across cycles.
type LatestEvent struct {
	Key  string  `json:"key"`
	Time float64 `json:"time"`
}

// ConnectionStatus reports whether a camera is reachable from the cloud.
type ConnectionStatus struct {
	Connected bool
	LastSeen  time.Time
}

// LatestStats carries the thumbnail reference from GET /babies/{uid}/stats/latest.
type LatestStats struct {
	ThumbnailURL string
}

// Message is one entry from GET /babies/{uid}/messages.
type Message struct {
	ID   int64   `json:"id"`
	Type string  `json:"type"`
	Time float64 `json:"time"`
}

// Client is a typed HTTP client for the Nanit cloud REST API. It performs
// single requests only; retry after a token refresh is the caller's job.
type Client struct {
	baseURL string
	hc      *http.Client
	log     *slog.Logger
}

// NewClient creates a REST client for the given API base URL
// (e.g. https://api.nanit.com).
func NewClient(baseURL string, hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, hc: hc, log: log}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Channel  string `json:"channel"`
	MFAToken string `json:"mfa_token,omitempty"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type loginResponse struct {
	MFAToken     string `json:"mfa_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// InitiateLogin begins a login that requires a second factor and returns the
// MFA token for CompleteLogin. Rejected credentials surface as
// *InvalidInputError.
func (c *Client) InitiateLogin(ctx context.Context, email, password string) (string, error) {
	const op = "initiate login"

	body := loginRequest{Email: email, Password: password, Channel: "email"}
	resp, err := c.postJSON(ctx, op, "/login", body, http.Header{"nanit-api-version": []string{"1"}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, statusMFARequired:
	case http.StatusUnauthorized:
		return "", &InvalidInputError{Op: op, Reason: "invalid email or password"}
	default:
		return "", &APIError{Op: op, StatusCode: resp.StatusCode}
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth: %s: decode response: %w", op, err)
	}
	if out.MFAToken == "" {
		return "", fmt.Errorf("auth: %s: response missing mfa_token", op)
	}
	return out.MFAToken, nil
}

// CompleteLogin finishes an MFA login and returns the new token pair. An
// invalid code surfaces as *InvalidInputError.
func (c *Client) CompleteLogin(ctx context.Context, email, password, mfaToken, mfaCode string) (Credential, error) {
	const op = "complete login"

	body := loginRequest{
		Email:    email,
		Password: password,
		Channel:  "email",
		MFAToken: mfaToken,
		MFACode:  mfaCode,
	}
	resp, err := c.postJSON(ctx, op, "/login", body, http.Header{"nanit-api-version": []string{"1"}})
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return Credential{}, &InvalidInputError{Op: op, Reason: "invalid MFA code"}
	default:
		return Credential{}, &APIError{Op: op, StatusCode: resp.StatusCode}
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("auth: %s: decode response: %w", op, err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return Credential{}, fmt.Errorf("auth: %s: response missing tokens", op)
	}
	return Credential{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// RefreshSession exchanges a refresh token for a new token pair. Any
// rejection is an *AuthError: the refresh token is no longer usable and the
// caller must start a full re-login.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (Credential, error) {
	const op = "refresh session"

	body := map[string]string{"refresh_token": refreshToken}
	resp, err := c.postJSON(ctx, op, "/tokens/refresh", body, nil)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, &AuthError{Op: op, Err: &APIError{Op: op, StatusCode: resp.StatusCode}}
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("auth: %s: decode response: %w", op, err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return Credential{}, fmt.Errorf("auth: %s: response missing tokens", op)
	}
	return Credential{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Babies lists the baby profiles on the account.
func (c *Client) Babies(ctx context.Context, accessToken string) ([]Baby, error) {
	const op = "get babies"

	var out struct {
		Babies []Baby `json:"babies"`
	}
	if err := c.getJSON(ctx, op, accessToken, "/babies", &out); err != nil {
		return nil, err
	}

	for i := range out.Babies {
		b := &out.Babies[i]
		if b.Name == "" {
			b.Name = b.UID
		}
		if b.Camera.Hardware == "" {
			b.Camera.Hardware = "Unknown hardware"
		}
		if b.Camera.Mode == "" {
			b.Camera.Mode = "Unknown mode"
		}
	}
	return out.Babies, nil
}

// LatestEvent fetches the most recent event for a baby.
func (c *Client) LatestEvent(ctx context.Context, accessToken, babyUID string) (LatestEvent, error) {
	const op = "get latest event"

	var out LatestEvent
	if err := c.getJSON(ctx, op, accessToken, "/babies/"+babyUID+"/events/last", &out); err != nil {
		return LatestEvent{}, err
	}
	if out.Key == "" {
		out.Key = "UNKNOWN"
	}
	return out, nil
}

// ConnectionStatus fetches whether a camera is currently connected to the cloud.
func (c *Client) ConnectionStatus(ctx context.Context, accessToken, cameraUID string) (ConnectionStatus, error) {
	const op = "get connection status"

	var out struct {
		Connected bool    `json:"connected"`
		LastSeen  float64 `json:"last_seen"`
	}
	if err := c.getJSON(ctx, op, accessToken, "/focus/cameras/"+cameraUID+"/connection_status", &out); err != nil {
		return ConnectionStatus{}, err
	}

	cs := ConnectionStatus{Connected: out.Connected}
	if out.LastSeen > 0 {
		sec := int64(out.LastSeen)
		nsec := int64((out.LastSeen - float64(sec)) * 1e9)
		cs.LastSeen = time.Unix(sec, nsec).UTC()
	}
	return cs, nil
}

// LatestStats fetches the latest stats entry for a baby; the thumbnail URL is
// the only field the daemon uses.
func (c *Client) LatestStats(ctx context.Context, accessToken, babyUID string) (LatestStats, error) {
	const op = "get latest stats"

	var out struct {
		Latest struct {
			MediaURLs struct {
				Thumbnail string `json:"thumbnail"`
			} `json:"media_urls"`
		} `json:"latest"`
	}
	if err := c.getJSON(ctx, op, accessToken, "/babies/"+babyUID+"/stats/latest", &out); err != nil {
		return LatestStats{}, err
	}
	return LatestStats{ThumbnailURL: out.Latest.MediaURLs.Thumbnail}, nil
}

// Messages fetches the most recent messages for a baby.
func (c *Client) Messages(ctx context.Context, accessToken, babyUID string, limit int) ([]Message, error) {
	const op = "get messages"

	if limit <= 0 {
		limit = 10
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/babies/%s/messages?limit=%d", babyUID, limit)
	if err := c.getJSON(ctx, op, accessToken, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// StreamURL builds the RTMPS live-stream URL for a baby. The access token is
// embedded in the URL, so it must be rebuilt after every token refresh.
func (c *Client) StreamURL(accessToken, babyUID string) string {
	return fmt.Sprintf("rtmps://media-secured.nanit.com/nanit/%s.%s", babyUID, accessToken)
}

func (c *Client) postJSON(ctx context.Context, op, path string, body any, header http.Header) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("auth: %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, op, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("auth: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", accessToken)

	c.log.Debug("nanit API request", "op", op, "path", path)

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Op: op}
	case resp.StatusCode >= 400:
		return &APIError{Op: op, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("auth: %s: decode response: %w", op, err)
	}
	return nil
}

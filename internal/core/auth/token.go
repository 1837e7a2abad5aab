package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is the token manager's position in the login lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateMFAPending      State = "mfa_pending"
	StateAuthenticated   State = "authenticated"
)

// SessionStore persists the credential pair across daemon restarts.
type SessionStore interface {
	// Load returns the stored credential. ok is false when none is stored.
	Load() (cred Credential, ok bool, err error)
	Save(cred Credential) error
	Clear() error
}

// TokenManager owns the credential pair and the login state machine:
// Unauthenticated -> MFAPending -> Authenticated, falling back to
// Unauthenticated when a token refresh is rejected. Credentials are mutated
// only here; everyone else gets read-only copies via Token.
type TokenManager struct {
	api   *Client
	store SessionStore
	log   *slog.Logger

	mu       sync.Mutex
	state    State
	cred     Credential
	email    string
	password string
	mfaToken string
}

// NewTokenManager creates a token manager in the Unauthenticated state.
// Call Restore to resume a persisted session.
func NewTokenManager(api *Client, store SessionStore, log *slog.Logger) *TokenManager {
	return &TokenManager{
		api:   api,
		store: store,
		log:   log,
		state: StateUnauthenticated,
	}
}

// Restore loads a persisted credential pair, if any, and moves straight to
// Authenticated. Returns whether a session was restored.
func (m *TokenManager) Restore() (bool, error) {
	cred, ok, err := m.store.Load()
	if err != nil {
		return false, fmt.Errorf("auth: restore session: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	m.cred = cred
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.log.Info("restored persisted session")
	return true, nil
}

// State returns the current lifecycle state.
func (m *TokenManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns the current credential pair. It fails with *AuthError when
// no authenticated session exists.
func (m *TokenManager) Token(_ context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAuthenticated {
		return Credential{}, &AuthError{Op: "get token", Err: fmt.Errorf("state is %s", m.state)}
	}
	return m.cred, nil
}

// BeginLogin starts an MFA login. On success the manager holds the MFA token
// and moves to MFAPending; the password is kept only until CompleteLogin.
func (m *TokenManager) BeginLogin(ctx context.Context, email, password string) error {
	mfaToken, err := m.api.InitiateLogin(ctx, email, password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.email = email
	m.password = password
	m.mfaToken = mfaToken
	m.state = StateMFAPending
	m.mu.Unlock()

	m.log.Info("login initiated, waiting for MFA code")
	return nil
}

// CompleteLogin finishes the MFA step, persists the new credential pair, and
// moves to Authenticated.
func (m *TokenManager) CompleteLogin(ctx context.Context, mfaCode string) (Credential, error) {
	m.mu.Lock()
	if m.state != StateMFAPending {
		state := m.state
		m.mu.Unlock()
		return Credential{}, &InvalidInputError{Op: "complete login", Reason: fmt.Sprintf("no login in progress (state is %s)", state)}
	}
	email, password, mfaToken := m.email, m.password, m.mfaToken
	m.mu.Unlock()

	cred, err := m.api.CompleteLogin(ctx, email, password, mfaToken, mfaCode)
	if err != nil {
		return Credential{}, err
	}

	m.mu.Lock()
	m.cred = cred
	m.state = StateAuthenticated
	m.password = ""
	m.mfaToken = ""
	m.mu.Unlock()

	if err := m.store.Save(cred); err != nil {
		m.log.Error("failed to persist session", "error", err)
	}

	m.log.Info("login complete", "email", email)
	return cred, nil
}

// ForceRefresh exchanges the refresh token for a new credential pair. It is
// single-flight; concurrent callers serialize on the internal lock. A
// rejected refresh token drops the manager back to Unauthenticated and
// returns *AuthError, signalling that a full re-login is required. The
// manager never retries on behalf of the caller.
func (m *TokenManager) ForceRefresh(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAuthenticated {
		return Credential{}, &AuthError{Op: "refresh session", Err: fmt.Errorf("state is %s", m.state)}
	}

	cred, err := m.api.RefreshSession(ctx, m.cred.RefreshToken)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.state = StateUnauthenticated
			m.cred = Credential{}
			if clearErr := m.store.Clear(); clearErr != nil {
				m.log.Error("failed to clear persisted session", "error", clearErr)
			}
			m.log.Warn("refresh token rejected, re-authentication required")
		}
		return Credential{}, err
	}

	m.cred = cred
	if err := m.store.Save(cred); err != nil {
		m.log.Error("failed to persist refreshed session", "error", err)
	}

	m.log.Info("session refreshed")
	return cred, nil
}

// Package auth manages the daemon's credentials: the refresh/access
// token pair against the identity server, and the PAT the local intake
// accepts from the capture extension.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jasonberkes/ses-local/internal/errors"
)

// CredentialStore persists named secrets. Get returns the empty string,
// not an error, for an absent key.
type CredentialStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

const (
	keyRefreshToken = "refresh_token"
	keyPAT          = "pat"
	keyLicense      = "license_key"
)

// State summarizes whether the daemon holds a usable identity.
type State string

const (
	StateSignedIn  State = "signed_in"
	StateSignedOut State = "signed_out"
)

// Service is the credential surface the other components consume.
type Service interface {
	// AccessToken returns a valid bearer token, renewing through the
	// identity server when the cached one is stale.
	AccessToken(ctx context.Context) (string, error)
	// HandleCallback accepts the token pair delivered by the browser
	// sign-in flow.
	HandleCallback(refresh, access string) error
	// SignOut discards all credentials.
	SignOut() error
	// PAT returns the personal access token for the local intake,
	// minting one on first use.
	PAT() (string, error)
	// State reports signed_in when a refresh token is on file.
	State() State
}

// identityTimeout bounds calls to the identity server.
const identityTimeout = 30 * time.Second

// accessSkew renews the access token this long before its expiry.
const accessSkew = 30 * time.Second

// callbackAccessTTL is assumed for an access token delivered via the
// callback, whose expiry is not transmitted.
const callbackAccessTTL = 10 * time.Minute

// TokenService implements Service against an identity server, with a
// mutex-guarded in-memory access-token cache. Renewal double-checks the
// cache after acquiring the mutex so concurrent callers renew once.
type TokenService struct {
	creds       CredentialStore
	identityURL string
	client      *http.Client
	logger      *slog.Logger

	mu     sync.Mutex
	access string
	expiry time.Time
}

func NewTokenService(creds CredentialStore, identityURL string, logger *slog.Logger) *TokenService {
	return &TokenService{
		creds:       creds,
		identityURL: identityURL,
		client:      &http.Client{Timeout: identityTimeout},
		logger:      logger,
	}
}

func (s *TokenService) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access != "" && time.Now().Add(accessSkew).Before(s.expiry) {
		return s.access, nil
	}

	refresh, err := s.creds.Get(keyRefreshToken)
	if err != nil {
		return "", err
	}
	if refresh == "" {
		return "", errors.NewAuthMissing("not signed in")
	}

	access, rotated, ttl, err := s.renew(ctx, refresh)
	if err != nil {
		return "", err
	}
	if rotated != "" && rotated != refresh {
		if err := s.creds.Set(keyRefreshToken, rotated); err != nil {
			return "", err
		}
	}

	s.access = access
	s.expiry = time.Now().Add(ttl)
	s.logger.Debug("access token renewed", "expires_in", ttl)
	return access, nil
}

// renew exchanges the refresh token at the identity server.
func (s *TokenService) renew(ctx context.Context, refresh string) (access, rotated string, ttl time.Duration, err error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refresh})
	if err != nil {
		return "", "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.identityURL+"/api/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", 0, errors.NewTransientRemote("identity server request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return "", "", 0, errors.NewAuthMissing("refresh token rejected")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return "", "", 0, errors.NewTransientRemote(
			fmt.Sprintf("identity server returned %d", resp.StatusCode), nil)
	}

	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", 0, errors.NewParse("decode identity response", err)
	}
	if body.AccessToken == "" {
		return "", "", 0, errors.NewParse("identity response missing access token", nil)
	}

	ttl = time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return body.AccessToken, body.RefreshToken, ttl, nil
}

func (s *TokenService) HandleCallback(refresh, access string) error {
	if refresh == "" {
		return errors.NewParse("callback missing refresh token", nil)
	}
	if err := s.creds.Set(keyRefreshToken, refresh); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if access != "" {
		s.access = access
		s.expiry = time.Now().Add(callbackAccessTTL)
	}
	s.logger.Info("sign-in complete")
	return nil
}

func (s *TokenService) SignOut() error {
	if err := s.creds.Delete(keyRefreshToken); err != nil {
		return err
	}
	if err := s.creds.Delete(keyPAT); err != nil {
		return err
	}

	s.mu.Lock()
	s.access = ""
	s.expiry = time.Time{}
	s.mu.Unlock()

	s.logger.Info("signed out")
	return nil
}

func (s *TokenService) PAT() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pat, err := s.creds.Get(keyPAT)
	if err != nil {
		return "", err
	}
	if pat != "" {
		return pat, nil
	}

	pat = "ses_pat_" + ulid.Make().String()
	if err := s.creds.Set(keyPAT, pat); err != nil {
		return "", err
	}
	return pat, nil
}

func (s *TokenService) State() State {
	refresh, err := s.creds.Get(keyRefreshToken)
	if err != nil || refresh == "" {
		return StateSignedOut
	}
	return StateSignedIn
}

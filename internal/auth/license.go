package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jasonberkes/ses-local/internal/errors"
)

// LicenseState is the summary the control plane reports.
type LicenseState struct {
	Licensed            bool      `json:"licensed"`
	ActivatedKey        bool      `json:"activated_key"`
	LastRevocationCheck time.Time `json:"last_revocation_check,omitempty"`
}

// LicenseService validates and reports licensing.
type LicenseService interface {
	State() LicenseState
	Activate(ctx context.Context, key string) error
	NeedsRevocationCheck() bool
	CheckRevocation(ctx context.Context) error
}

// OfflineLicense is a validator that works without a license server: an
// embedded public key in config means licensed, and revocation checks
// just stamp their own clock.
type OfflineLicense struct {
	publicKeyPem       string
	revocationInterval time.Duration
	creds              CredentialStore

	mu        sync.Mutex
	lastCheck time.Time
}

func NewOfflineLicense(publicKeyPem string, revocationCheckDays int, creds CredentialStore) *OfflineLicense {
	if revocationCheckDays <= 0 {
		revocationCheckDays = 7
	}
	return &OfflineLicense{
		publicKeyPem:       publicKeyPem,
		revocationInterval: time.Duration(revocationCheckDays) * 24 * time.Hour,
		creds:              creds,
	}
}

func (l *OfflineLicense) State() LicenseState {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, _ := l.creds.Get(keyLicense)
	return LicenseState{
		Licensed:            l.publicKeyPem != "" || key != "",
		ActivatedKey:        key != "",
		LastRevocationCheck: l.lastCheck,
	}
}

func (l *OfflineLicense) Activate(_ context.Context, key string) error {
	if key == "" {
		return errors.NewConfig("license key is empty")
	}
	return l.creds.Set(keyLicense, key)
}

func (l *OfflineLicense) NeedsRevocationCheck() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastCheck) >= l.revocationInterval
}

// CheckRevocation is a no-op offline; it only advances the clock so the
// daemon does not re-check every pass.
func (l *OfflineLicense) CheckRevocation(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastCheck = time.Now()
	return nil
}

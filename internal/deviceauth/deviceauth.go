// Package deviceauth implements the device-code authorization grant used
// for headless CLI login: the CLI displays a short user code, the user
// approves it in a browser session, and the CLI polls until it receives a
// freshly minted CLI token.
package deviceauth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/logx"
)

const (
	deviceCodePrefix = "kv_dc_"

	codeLifetime  = 10 * time.Minute
	pollInterval  = 2 * time.Second
	tokenCacheTTL = 5 * time.Minute

	// userCodeAlphabet excludes visually ambiguous glyphs (0/O, 1/I).
	userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var (
	ErrInvalidCode = errors.New("invalid user code")
	ErrCodeExpired = errors.New("user code expired")
	ErrAlreadyUsed = errors.New("user code already used")
)

// DeviceCode is a pending or approved login attempt.
type DeviceCode struct {
	DeviceCode string
	UserCode   string
	UserID     string
	CLITokenID string
	VerifiedAt *time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Repo is the persistence surface for device codes. A nil record with nil
// error means "not found".
type Repo interface {
	InsertDeviceCode(dc *DeviceCode) error
	FindByDeviceCode(deviceCode string) (*DeviceCode, error)
	FindByUserCode(userCode string) (*DeviceCode, error)
	MarkVerified(userCode, userID, cliTokenID string, at time.Time) error
	DeleteDeviceCode(deviceCode string) error
	DeleteExpiredDeviceCodes(before time.Time) (int64, error)
}

// Service runs the device-code flow. The plaintext CLI token minted at
// approval lives only in the TokenCache until the first poll retrieves it.
type Service struct {
	repo    Repo
	creds   *credential.Store
	cache   TokenCache
	baseURL string
	now     func() time.Time
}

func NewService(repo Repo, creds *credential.Store, cache TokenCache, baseURL string) *Service {
	return &Service{
		repo:    repo,
		creds:   creds,
		cache:   cache,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// CodeInfo is what the CLI needs to drive the flow.
type CodeInfo struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURL string `json:"verificationUrl"`
	ExpiresIn       int    `json:"expiresIn"` // seconds
	Interval        int    `json:"interval"`  // polling interval, seconds
}

// GenerateDeviceCode creates a new pending login attempt.
func (s *Service) GenerateDeviceCode() (*CodeInfo, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate device code: %w", err)
	}
	deviceCode := deviceCodePrefix + hex.EncodeToString(raw)

	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dc := &DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ExpiresAt:  now.Add(codeLifetime),
		CreatedAt:  now,
	}
	if err := s.repo.InsertDeviceCode(dc); err != nil {
		return nil, fmt.Errorf("insert device code: %w", err)
	}

	return &CodeInfo{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURL: fmt.Sprintf("%s/cli/auth?code=%s", s.baseURL, userCode),
		ExpiresIn:       int(codeLifetime.Seconds()),
		Interval:        int(pollInterval.Seconds()),
	}, nil
}

// Authorize approves the login attempt identified by userCode on behalf of
// userID: it mints a CLI token and parks the plaintext in the one-time
// cache for the polling CLI to collect.
func (s *Service) Authorize(userCode, userID, tokenName string) error {
	dc, err := s.repo.FindByUserCode(userCode)
	if err != nil {
		return fmt.Errorf("find device code: %w", err)
	}
	if dc == nil {
		return ErrInvalidCode
	}

	if s.now().After(dc.ExpiresAt) {
		if err := s.repo.DeleteDeviceCode(dc.DeviceCode); err != nil {
			logx.Debugf("delete expired device code: %v", err)
		}
		return ErrCodeExpired
	}

	if dc.VerifiedAt != nil {
		return ErrAlreadyUsed
	}

	if tokenName == "" {
		tokenName = "CLI login"
	}
	token, rec, err := s.creds.Issue(credential.KindCLI, userID, credential.IssueOptions{Name: tokenName})
	if err != nil {
		return fmt.Errorf("mint CLI token: %w", err)
	}

	if err := s.repo.MarkVerified(userCode, userID, rec.ID, s.now().UTC()); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	s.cache.Put(dc.DeviceCode, token, tokenCacheTTL)
	return nil
}

// Status is the result of a poll.
type Status struct {
	Status  string `json:"status"` // pending | approved | expired
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// PollStatus reports the state of a login attempt. The first poll after
// approval pops the plaintext token from the cache; subsequent polls see
// "expired" with a message distinguishing a consumed token from a timeout.
func (s *Service) PollStatus(deviceCode string) (*Status, error) {
	dc, err := s.repo.FindByDeviceCode(deviceCode)
	if err != nil {
		return nil, fmt.Errorf("find device code: %w", err)
	}
	if dc == nil {
		return &Status{Status: "expired", Message: "device code not found"}, nil
	}

	if s.now().After(dc.ExpiresAt) {
		if err := s.repo.DeleteDeviceCode(deviceCode); err != nil {
			logx.Debugf("delete expired device code: %v", err)
		}
		return &Status{Status: "expired", Message: "device code expired"}, nil
	}

	if dc.VerifiedAt != nil {
		if token, ok := s.cache.Pop(deviceCode); ok {
			return &Status{Status: "approved", Token: token}, nil
		}
		// The token was handed out once (or the cache entry aged out).
		// There is no way to re-derive the plaintext from the stored hash,
		// so the only recovery is a fresh login.
		return &Status{
			Status:  "expired",
			Message: "token already retrieved; start a new login if you did not receive it",
		}, nil
	}

	return &Status{Status: "pending"}, nil
}

// CleanupExpired deletes all device codes past their expiry. Meant to be
// invoked by an external scheduler.
func (s *Service) CleanupExpired() (int64, error) {
	return s.repo.DeleteExpiredDeviceCodes(s.now())
}

// newUserCode builds the human-readable XXXX-XXXX approval code.
func newUserCode() (string, error) {
	max := big.NewInt(int64(len(userCodeAlphabet)))
	buf := make([]byte, 9)
	for i := range buf {
		if i == 4 {
			buf[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate user code: %w", err)
		}
		buf[i] = userCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

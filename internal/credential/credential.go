// Package credential issues, verifies, scopes, rotates, and revokes the
// three non-interactive credential kinds: CLI session tokens, project API
// keys, and user personal access tokens. Only the SHA-256 hash of a token
// is ever persisted; the plaintext is returned to the caller exactly once
// at issue or rotate time.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a credential variant and the table it lives in.
type Kind string

const (
	KindCLI    Kind = "cli_token"        // user-bound, unscoped
	KindAPIKey Kind = "project_api_key"  // project-bound
	KindPAT    Kind = "user_api_token"   // user-bound, scopable, inherits RBAC
)

// CLITokenPrefix marks CLI session tokens so the request authenticator can
// route bearer tokens to the right table without a second lookup.
const CLITokenPrefix = "kv_cli_"

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrExpiredToken = errors.New("token expired")
	ErrNotFound     = errors.New("credential not found")

	ErrProjectNotAllowed     = errors.New("project not allowed")
	ErrEnvironmentNotAllowed = errors.New("environment not allowed")
	ErrFolderNotAllowed      = errors.New("folder not allowed")
	ErrIPNotAllowed          = errors.New("IP not allowed")
)

// Scope restricts where a credential may be used. An empty list leaves that
// dimension unrestricted.
type Scope struct {
	Projects     []string `json:"projects,omitempty"`
	Environments []string `json:"environments,omitempty"`
	Folders      []string `json:"folders,omitempty"`
	IPAllowlist  []string `json:"ipAllowlist,omitempty"`
}

// AllowsIP reports whether the allowlist admits ip. An empty allowlist
// admits every address.
func (sc Scope) AllowsIP(ip string) bool {
	return len(sc.IPAllowlist) == 0 || contains(sc.IPAllowlist, NormalizeIP(ip))
}

// Record is a stored credential. OwnerID is a user id for CLI tokens and
// PATs, a project id for API keys.
type Record struct {
	ID         string
	Kind       Kind
	OwnerID    string
	Name       string
	TokenHash  string
	Last4      string
	Scope      Scope
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Expired reports whether the record is past its expiry at time now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// ScopeRequest carries the dimensions of an incoming request that scope
// restrictions are checked against.
type ScopeRequest struct {
	ProjectID   string
	Environment string
	Folder      string
	IP          string
}

// NewToken generates a plaintext token for the given kind: 256 bits of
// CSPRNG output, hex encoded. CLI tokens carry the kv_cli_ prefix over
// 48 hex chars (192 bits); API keys and PATs are bare 64 hex chars.
func NewToken(kind Kind) (string, error) {
	n := 32
	if kind == KindCLI {
		n = 24
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if kind == KindCLI {
		token = CLITokenPrefix + token
	}
	return token, nil
}

// HashToken returns the hex SHA-256 digest persisted in place of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NormalizeIP strips the IPv4-mapped-IPv6 prefix so allowlists written as
// plain IPv4 addresses match.
func NormalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

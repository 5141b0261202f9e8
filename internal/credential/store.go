package credential

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyvault-sh/keyvault/internal/logx"
)

// Repo is the persistence surface the store needs, one narrow interface per
// operation set rather than a generic ORM handle. A nil record with nil
// error means "not found".
type Repo interface {
	InsertCredential(r *Record) error
	FindCredentialByHash(kind Kind, hash string) (*Record, error)
	FindCredentialByID(kind Kind, id string) (*Record, error)
	ListCredentials(kind Kind, ownerID string) ([]Record, error)
	UpdateCredentialHash(kind Kind, id, hash, last4 string) error
	TouchCredential(kind Kind, id string, usedAt time.Time) error
	DeleteCredential(kind Kind, id string) error
}

// Store issues and verifies credentials against a Repo.
type Store struct {
	repo Repo
	now  func() time.Time
}

func NewStore(repo Repo) *Store {
	return &Store{repo: repo, now: time.Now}
}

// IssueOptions are the optional attributes of a new credential.
type IssueOptions struct {
	Name      string
	Scope     Scope
	ExpiresAt *time.Time
}

// Issue creates a credential of the given kind bound to ownerID and returns
// the plaintext token. The plaintext is not retrievable afterwards; callers
// must surface it to the user immediately.
func (s *Store) Issue(kind Kind, ownerID string, opts IssueOptions) (string, *Record, error) {
	token, err := NewToken(kind)
	if err != nil {
		return "", nil, err
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		OwnerID:   ownerID,
		Name:      opts.Name,
		TokenHash: HashToken(token),
		Last4:     token[len(token)-4:],
		Scope:     opts.Scope,
		ExpiresAt: opts.ExpiresAt,
		CreatedAt: s.now().UTC(),
	}

	if err := s.repo.InsertCredential(rec); err != nil {
		return "", nil, fmt.Errorf("insert credential: %w", err)
	}
	return token, rec, nil
}

// Verify looks up a presented token by hash. Expired records are
// opportunistically deleted. On success the record's lastUsedAt is updated
// in the background; that update is best-effort and never fails the caller.
func (s *Store) Verify(kind Kind, token string) (*Record, error) {
	rec, err := s.repo.FindCredentialByHash(kind, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}

	if rec.Expired(s.now()) {
		if err := s.repo.DeleteCredential(kind, rec.ID); err != nil {
			logx.Debugf("delete expired %s %s: %v", kind, rec.ID, err)
		}
		return nil, ErrExpiredToken
	}

	go func(id string, at time.Time) {
		if err := s.repo.TouchCredential(kind, id, at); err != nil {
			logx.Debugf("touch %s %s: %v", kind, id, err)
		}
	}(rec.ID, s.now().UTC())

	return rec, nil
}

// CheckScope verifies the request against every non-empty restriction list
// on the record. An empty list means unrestricted for that dimension.
func (s *Store) CheckScope(rec *Record, req ScopeRequest) error {
	if len(rec.Scope.Projects) > 0 && !contains(rec.Scope.Projects, req.ProjectID) {
		return ErrProjectNotAllowed
	}
	if len(rec.Scope.Environments) > 0 && !contains(rec.Scope.Environments, req.Environment) {
		return ErrEnvironmentNotAllowed
	}
	if len(rec.Scope.Folders) > 0 && !contains(rec.Scope.Folders, req.Folder) {
		return ErrFolderNotAllowed
	}
	if len(rec.Scope.IPAllowlist) > 0 && !contains(rec.Scope.IPAllowlist, NormalizeIP(req.IP)) {
		return ErrIPNotAllowed
	}
	return nil
}

// Rotate replaces the stored hash with one for a freshly generated token.
// The previous token becomes unverifiable immediately.
func (s *Store) Rotate(kind Kind, id string) (string, error) {
	rec, err := s.repo.FindCredentialByID(kind, id)
	if err != nil {
		return "", fmt.Errorf("find credential: %w", err)
	}
	if rec == nil {
		return "", ErrNotFound
	}

	token, err := NewToken(kind)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateCredentialHash(kind, id, HashToken(token), token[len(token)-4:]); err != nil {
		return "", fmt.Errorf("update credential hash: %w", err)
	}
	return token, nil
}

// Revoke deletes the credential. Revoking an absent credential is not an
// error.
func (s *Store) Revoke(kind Kind, id string) error {
	if err := s.repo.DeleteCredential(kind, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Get returns a credential by id for ownership checks in handlers.
func (s *Store) Get(kind Kind, id string) (*Record, error) {
	return s.repo.FindCredentialByID(kind, id)
}

// List returns all credentials of a kind owned by ownerID.
func (s *Store) List(kind Kind, ownerID string) ([]Record, error) {
	return s.repo.ListCredentials(kind, ownerID)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

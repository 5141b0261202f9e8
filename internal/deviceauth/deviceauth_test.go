package deviceauth

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keyvault-sh/keyvault/internal/credential"
)

// fakeRepo backs the service with maps. Mutex-guarded because credential
// verification touches records from a background goroutine.
type fakeRepo struct {
	mu    sync.Mutex
	codes map[string]*DeviceCode // device code -> record
	creds map[string]*credential.Record
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		codes: make(map[string]*DeviceCode),
		creds: make(map[string]*credential.Record),
	}
}

func (f *fakeRepo) InsertDeviceCode(dc *DeviceCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *dc
	f.codes[dc.DeviceCode] = &cp
	return nil
}

func (f *fakeRepo) FindByDeviceCode(deviceCode string) (*DeviceCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc, ok := f.codes[deviceCode]
	if !ok {
		return nil, nil
	}
	cp := *dc
	return &cp, nil
}

func (f *fakeRepo) FindByUserCode(userCode string) (*DeviceCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dc := range f.codes {
		if dc.UserCode == userCode {
			cp := *dc
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) MarkVerified(userCode, userID, cliTokenID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dc := range f.codes {
		if dc.UserCode == userCode {
			dc.UserID = userID
			dc.CLITokenID = cliTokenID
			dc.VerifiedAt = &at
			return nil
		}
	}
	return errors.New("no such user code")
}

func (f *fakeRepo) DeleteDeviceCode(deviceCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.codes, deviceCode)
	return nil
}

func (f *fakeRepo) DeleteExpiredDeviceCodes(before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, dc := range f.codes {
		if before.After(dc.ExpiresAt) {
			delete(f.codes, k)
			n++
		}
	}
	return n, nil
}

// credential.Repo implementation over the same fake.

func (f *fakeRepo) InsertCredential(r *credential.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.creds[r.ID] = &cp
	return nil
}

func (f *fakeRepo) FindCredentialByHash(kind credential.Kind, hash string) (*credential.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.creds {
		if r.Kind == kind && r.TokenHash == hash {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) FindCredentialByID(kind credential.Kind, id string) (*credential.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.creds[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) ListCredentials(kind credential.Kind, ownerID string) ([]credential.Record, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateCredentialHash(kind credential.Kind, id, hash, last4 string) error {
	return nil
}

func (f *fakeRepo) TouchCredential(kind credential.Kind, id string, usedAt time.Time) error {
	return nil
}

func (f *fakeRepo) DeleteCredential(kind credential.Kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.creds, id)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	svc := NewService(repo, credential.NewStore(repo), NewMemoryTokenCache(), "http://localhost:5173")
	return svc, repo
}

func TestGenerateDeviceCode_Format(t *testing.T) {
	svc, _ := newTestService(t)

	info, err := svc.GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}

	if !strings.HasPrefix(info.DeviceCode, "kv_dc_") || len(info.DeviceCode) != len("kv_dc_")+64 {
		t.Errorf("device code %q: want kv_dc_ + 64 hex chars", info.DeviceCode)
	}
	if len(info.UserCode) != 9 || info.UserCode[4] != '-' {
		t.Errorf("user code %q: want XXXX-XXXX", info.UserCode)
	}
	for _, r := range strings.ReplaceAll(info.UserCode, "-", "") {
		if strings.ContainsRune("01OI", r) {
			t.Errorf("user code %q contains ambiguous glyph %q", info.UserCode, r)
		}
	}
	if info.ExpiresIn != 600 || info.Interval != 2 {
		t.Errorf("got expiresIn=%d interval=%d, want 600/2", info.ExpiresIn, info.Interval)
	}
	if !strings.Contains(info.VerificationURL, "/cli/auth?code="+info.UserCode) {
		t.Errorf("verification URL %q missing user code", info.VerificationURL)
	}
}

func TestDeviceFlow_HappyPath(t *testing.T) {
	svc, _ := newTestService(t)

	info, err := svc.GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}

	// Before approval: pending.
	st, err := svc.PollStatus(info.DeviceCode)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if st.Status != "pending" {
		t.Fatalf("got status %q, want pending", st.Status)
	}

	if err := svc.Authorize(info.UserCode, "u1", "my laptop"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	// First poll after approval delivers the token exactly once.
	st, err = svc.PollStatus(info.DeviceCode)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if st.Status != "approved" || st.Token == "" {
		t.Fatalf("got %+v, want approved with token", st)
	}
	if !strings.HasPrefix(st.Token, credential.CLITokenPrefix) {
		t.Fatalf("token %q is not a CLI token", st.Token)
	}

	// Second poll: the token is gone for good.
	st, err = svc.PollStatus(info.DeviceCode)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if st.Status != "expired" || !strings.Contains(st.Message, "already retrieved") {
		t.Fatalf("got %+v, want expired/already retrieved", st)
	}
}

func TestAuthorize_InvalidCode(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Authorize("ZZZZ-ZZZZ", "u1", ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("got %v, want ErrInvalidCode", err)
	}
}

func TestAuthorize_AlreadyUsed(t *testing.T) {
	svc, _ := newTestService(t)

	info, err := svc.GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}
	if err := svc.Authorize(info.UserCode, "u1", ""); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if err := svc.Authorize(info.UserCode, "u2", ""); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("got %v, want ErrAlreadyUsed", err)
	}
}

func TestDeviceFlow_Expiry(t *testing.T) {
	svc, repo := newTestService(t)

	info, err := svc.GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}

	// Advance the service clock past the 600 s lifetime.
	svc.now = func() time.Time { return time.Now().Add(601 * time.Second) }

	st, err := svc.PollStatus(info.DeviceCode)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if st.Status != "expired" {
		t.Fatalf("got status %q, want expired", st.Status)
	}

	// The expired record was deleted on poll.
	if dc, _ := repo.FindByDeviceCode(info.DeviceCode); dc != nil {
		t.Fatal("expired device code should have been deleted")
	}

	if err := svc.Authorize(info.UserCode, "u1", ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("authorize after expiry cleanup: got %v, want ErrInvalidCode", err)
	}
}

func TestAuthorize_ExpiredCode(t *testing.T) {
	svc, _ := newTestService(t)

	info, err := svc.GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	if err := svc.Authorize(info.UserCode, "u1", ""); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("got %v, want ErrCodeExpired", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.GenerateDeviceCode(); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GenerateDeviceCode(); err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := svc.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleaned %d codes, want 2", n)
	}
}

func TestMemoryTokenCache_PopOnce(t *testing.T) {
	c := NewMemoryTokenCache()
	c.Put("k", "tok", time.Minute)

	if got, ok := c.Pop("k"); !ok || got != "tok" {
		t.Fatalf("first Pop = %q/%v, want tok/true", got, ok)
	}
	if _, ok := c.Pop("k"); ok {
		t.Fatal("second Pop should miss")
	}
}

func TestMemoryTokenCache_TTL(t *testing.T) {
	c := NewMemoryTokenCache()
	c.Put("k", "tok", time.Minute)
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, ok := c.Pop("k"); ok {
		t.Fatal("expired entry should not be returned")
	}
}

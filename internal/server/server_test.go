package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/keyvault-sh/keyvault/internal/access"
	"github.com/keyvault-sh/keyvault/internal/credential"
	"github.com/keyvault-sh/keyvault/internal/crypto"
	"github.com/keyvault-sh/keyvault/internal/server/db"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
	os.Setenv("GIN_MODE", "release")
}

const testEncryptionKey = "0000000000000000000000000000000000000000000000000000000000000001"

type testEnv struct {
	ts    *httptest.Server
	store *db.Store
	creds *credential.Store
}

// setup starts a server over an in-memory database with one organization,
// one project, and the memberships the scenarios need.
func setup(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cipher, err := crypto.NewCipher(testEncryptionKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	cfg := &Config{EncryptionKey: testEncryptionKey, BaseURL: "http://vault.test"}
	ts := httptest.NewServer(NewRouter(store, cipher, cfg))
	t.Cleanup(ts.Close)

	if err := store.CreateOrganization(&db.Organization{ID: "org1", Name: "Acme", Slug: "acme"}); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if err := store.CreateProject(&access.Project{ID: "proj1", OrganizationID: "org1", Name: "api"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	seed := []access.Membership{
		{UserID: "owner", OrganizationID: "org1", Role: access.OrgOwner},
		{UserID: "member", OrganizationID: "org1", Role: access.OrgMember},
	}
	for _, m := range seed {
		if err := store.UpsertMembership(&m); err != nil {
			t.Fatalf("UpsertMembership: %v", err)
		}
	}
	if err := store.UpsertProjectMember(&access.ProjectMember{ProjectID: "proj1", UserID: "member", Role: access.RoleRead}); err != nil {
		t.Fatalf("UpsertProjectMember: %v", err)
	}

	// The same tables back the router's own credential store, so tokens
	// issued here verify over HTTP.
	return &testEnv{ts: ts, store: store, creds: credential.NewStore(store)}
}

// cliToken issues a CLI token for userID.
func (e *testEnv) cliToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.creds.Issue(credential.KindCLI, userID, credential.IssueOptions{Name: "test session"})
	if err != nil {
		t.Fatalf("Issue cli token: %v", err)
	}
	return token
}

type request struct {
	method string
	path   string
	body   any
	bearer string
	apiKey string
}

func (e *testEnv) do(t *testing.T, r request) (int, map[string]any) {
	t.Helper()

	var body *bytes.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(r.method, e.ts.URL+r.path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var parsed map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp.StatusCode, parsed
}

func TestAuthRequired(t *testing.T) {
	e := setup(t)

	status, body := e.do(t, request{method: "GET", path: "/api/projects"})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if body["error"] != "missing credentials" {
		t.Fatalf("error = %v", body["error"])
	}

	status, body = e.do(t, request{method: "GET", path: "/api/projects", bearer: "kv_cli_deadbeef"})
	if status != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d, want 401", status)
	}
	if body["error"] != "invalid or expired token" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestSecretLifecycle(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	status, body := e.do(t, request{
		method: "POST", path: "/api/projects/proj1/secrets", bearer: owner,
		body: map[string]string{"name": "DATABASE_URL", "environment": "production", "value": "postgres://db:5432/app"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create: status = %d body = %v", status, body)
	}
	secretID, _ := body["id"].(string)
	if secretID == "" {
		t.Fatalf("create response missing id: %v", body)
	}
	if masked, _ := body["maskedValue"].(string); masked == "" || strings.Contains(masked, "db:5432") {
		t.Fatalf("maskedValue = %q", masked)
	}

	// Reveal returns the plaintext.
	status, body = e.do(t, request{method: "GET", path: "/api/secrets/" + secretID + "/reveal", bearer: owner})
	if status != http.StatusOK {
		t.Fatalf("reveal: status = %d body = %v", status, body)
	}
	if body["value"] != "postgres://db:5432/app" {
		t.Fatalf("reveal value = %v", body["value"])
	}

	// The database row only ever holds ciphertext.
	sec, err := e.store.GetSecret(secretID)
	if err != nil || sec == nil {
		t.Fatalf("GetSecret: %v %v", sec, err)
	}
	if strings.Contains(sec.Value, "postgres://") {
		t.Fatal("secret stored in plaintext")
	}

	// Duplicate name in the same environment is rejected.
	status, _ = e.do(t, request{
		method: "POST", path: "/api/projects/proj1/secrets", bearer: owner,
		body: map[string]string{"name": "DATABASE_URL", "environment": "production", "value": "other"},
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate: status = %d, want 409", status)
	}
}

func TestReadOnlyMemberCannotWrite(t *testing.T) {
	e := setup(t)
	member := e.cliToken(t, "member")

	status, _ := e.do(t, request{
		method: "POST", path: "/api/projects/proj1/secrets", bearer: member,
		body: map[string]string{"name": "X", "environment": "production", "value": "v"},
	})
	if status != http.StatusForbidden {
		t.Fatalf("write as READ member: status = %d, want 403", status)
	}

	status, _ = e.do(t, request{method: "GET", path: "/api/projects/proj1/secrets", bearer: member})
	if status != http.StatusOK {
		t.Fatalf("read as READ member: status = %d, want 200", status)
	}
}

func TestStrangerDenied(t *testing.T) {
	e := setup(t)
	stranger := e.cliToken(t, "stranger")

	status, body := e.do(t, request{method: "GET", path: "/api/projects/proj1/secrets", bearer: stranger})
	if status != http.StatusForbidden {
		t.Fatalf("status = %d body = %v, want 403", status, body)
	}
}

func TestAPIKeyEnvironmentScope(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	for _, env := range []string{"production", "staging"} {
		status, body := e.do(t, request{
			method: "POST", path: "/api/projects/proj1/secrets", bearer: owner,
			body: map[string]string{"name": "TOKEN", "environment": env, "value": "secret-" + env},
		})
		if status != http.StatusCreated {
			t.Fatalf("seed %s: status = %d body = %v", env, status, body)
		}
	}

	status, body := e.do(t, request{
		method: "POST", path: "/api/projects/proj1/api-keys", bearer: owner,
		body: map[string]any{"name": "deploy", "environments": []string{"production"}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create key: status = %d body = %v", status, body)
	}
	key, _ := body["key"].(string)
	if len(key) != 64 {
		t.Fatalf("key = %q, want 64 hex chars", key)
	}

	status, _ = e.do(t, request{
		method: "GET",
		path:   "/api/cli/secrets/download?projectId=proj1&environment=production",
		apiKey: key,
	})
	if status != http.StatusOK {
		t.Fatalf("production download: status = %d, want 200", status)
	}

	status, body = e.do(t, request{
		method: "GET",
		path:   "/api/cli/secrets/download?projectId=proj1&environment=staging",
		apiKey: key,
	})
	if status != http.StatusForbidden {
		t.Fatalf("staging download: status = %d, want 403", status)
	}
	if body["error"] != "Environment not allowed" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestAPIKeyCannotManage(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	status, body := e.do(t, request{
		method: "POST", path: "/api/projects/proj1/api-keys", bearer: owner,
		body: map[string]any{"name": "ci"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create key: status = %d", status)
	}
	key := body["key"].(string)

	// A key cannot mint further keys.
	status, _ = e.do(t, request{
		method: "POST", path: "/api/projects/proj1/api-keys", apiKey: key,
		body: map[string]any{"name": "escalation"},
	})
	if status != http.StatusForbidden {
		t.Fatalf("key minting key: status = %d, want 403", status)
	}

	// Nor touch user-only endpoints.
	status, _ = e.do(t, request{method: "GET", path: "/api/tokens", apiKey: key})
	if status != http.StatusForbidden {
		t.Fatalf("key listing pats: status = %d, want 403", status)
	}
}

func TestPATScopedToProject(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	if err := e.store.CreateProject(&access.Project{ID: "proj2", OrganizationID: "org1", Name: "web"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	status, body := e.do(t, request{
		method: "POST", path: "/api/tokens", bearer: owner,
		body: map[string]any{"name": "ci", "scope": map[string]any{"projects": []string{"proj1"}}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create pat: status = %d body = %v", status, body)
	}
	pat := body["token"].(string)

	status, _ = e.do(t, request{method: "GET", path: "/api/projects/proj1/secrets", bearer: pat})
	if status != http.StatusOK {
		t.Fatalf("in-scope project: status = %d, want 200", status)
	}

	status, body = e.do(t, request{method: "GET", path: "/api/projects/proj2/secrets", bearer: pat})
	if status != http.StatusForbidden {
		t.Fatalf("out-of-scope project: status = %d, want 403", status)
	}
	if body["error"] != "Project not allowed" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestPATRotateInvalidatesOld(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	status, body := e.do(t, request{
		method: "POST", path: "/api/tokens", bearer: owner,
		body: map[string]any{"name": "rotate-me"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create pat: status = %d", status)
	}
	oldToken := body["token"].(string)
	cred := body["credential"].(map[string]any)
	id := cred["id"].(string)

	status, body = e.do(t, request{method: "POST", path: "/api/tokens/" + id + "/rotate", bearer: owner})
	if status != http.StatusOK {
		t.Fatalf("rotate: status = %d body = %v", status, body)
	}
	newToken := body["token"].(string)
	if newToken == oldToken {
		t.Fatal("rotate returned the same token")
	}

	status, _ = e.do(t, request{method: "GET", path: "/api/cli/profile", bearer: oldToken})
	if status != http.StatusUnauthorized {
		t.Fatalf("old token after rotate: status = %d, want 401", status)
	}
	status, _ = e.do(t, request{method: "GET", path: "/api/cli/profile", bearer: newToken})
	if status != http.StatusOK {
		t.Fatalf("new token after rotate: status = %d, want 200", status)
	}
}

func TestMemberManagementRequiresPrivilege(t *testing.T) {
	e := setup(t)
	member := e.cliToken(t, "member")
	owner := e.cliToken(t, "owner")

	status, _ := e.do(t, request{
		method: "PUT", path: "/api/projects/proj1/members/newcomer", bearer: member,
		body: map[string]string{"role": "WRITE"},
	})
	if status != http.StatusForbidden {
		t.Fatalf("READ member adding member: status = %d, want 403", status)
	}

	status, _ = e.do(t, request{
		method: "PUT", path: "/api/projects/proj1/members/newcomer", bearer: owner,
		body: map[string]string{"role": "WRITE"},
	})
	if status != http.StatusOK {
		t.Fatalf("owner adding member: status = %d, want 200", status)
	}

	// The newcomer can now write.
	newcomer := e.cliToken(t, "newcomer")
	status, _ = e.do(t, request{
		method: "POST", path: "/api/projects/proj1/secrets", bearer: newcomer,
		body: map[string]string{"name": "NEW", "environment": "dev", "value": "v"},
	})
	if status != http.StatusCreated {
		t.Fatalf("newcomer write: status = %d, want 201", status)
	}
}

func TestDeviceLoginFlow(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	status, body := e.do(t, request{method: "POST", path: "/api/cli/device-code"})
	if status != http.StatusCreated {
		t.Fatalf("start: status = %d body = %v", status, body)
	}
	deviceCode := body["deviceCode"].(string)
	userCode := body["userCode"].(string)
	if !strings.HasPrefix(deviceCode, "kv_dc_") {
		t.Fatalf("deviceCode = %q", deviceCode)
	}
	if url := body["verificationUrl"].(string); !strings.HasPrefix(url, "http://vault.test/cli/auth?code=") {
		t.Fatalf("verificationUrl = %q", url)
	}

	status, body = e.do(t, request{method: "GET", path: "/api/cli/device-code/" + deviceCode})
	if status != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("pre-approval poll: status = %d body = %v", status, body)
	}

	// Approving requires authenticating as a user.
	status, _ = e.do(t, request{method: "POST", path: "/api/cli/device-code/" + userCode + "/authorize"})
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated authorize: status = %d, want 401", status)
	}

	status, _ = e.do(t, request{method: "POST", path: "/api/cli/device-code/" + userCode + "/authorize", bearer: owner})
	if status != http.StatusOK {
		t.Fatalf("authorize: status = %d, want 200", status)
	}

	status, body = e.do(t, request{method: "GET", path: "/api/cli/device-code/" + deviceCode})
	if status != http.StatusOK || body["status"] != "approved" {
		t.Fatalf("post-approval poll: status = %d body = %v", status, body)
	}
	token := body["token"].(string)
	if !strings.HasPrefix(token, "kv_cli_") {
		t.Fatalf("token = %q", token)
	}

	// The minted token authenticates as the approving user.
	status, body = e.do(t, request{method: "GET", path: "/api/cli/profile", bearer: token})
	if status != http.StatusOK || body["userId"] != "owner" {
		t.Fatalf("profile: status = %d body = %v", status, body)
	}

	// The plaintext was handed out exactly once.
	status, body = e.do(t, request{method: "GET", path: "/api/cli/device-code/" + deviceCode})
	if status != http.StatusOK || body["status"] != "expired" {
		t.Fatalf("second poll: status = %d body = %v", status, body)
	}
	if _, hasToken := body["token"]; hasToken {
		t.Fatal("second poll returned a token")
	}

	// Re-approving the consumed code fails.
	status, _ = e.do(t, request{method: "POST", path: "/api/cli/device-code/" + userCode + "/authorize", bearer: owner})
	if status != http.StatusConflict {
		t.Fatalf("re-authorize: status = %d, want 409", status)
	}
}

func TestIPAllowlistBlocks(t *testing.T) {
	e := setup(t)
	owner := e.cliToken(t, "owner")

	// httptest clients arrive from 127.0.0.1; an allowlist that omits it
	// must block every request.
	status, body := e.do(t, request{
		method: "POST", path: "/api/tokens", bearer: owner,
		body: map[string]any{"name": "locked", "scope": map[string]any{"ipAllowlist": []string{"10.1.2.3"}}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create pat: status = %d", status)
	}
	pat := body["token"].(string)

	status, _ = e.do(t, request{method: "GET", path: "/api/cli/profile", bearer: pat})
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}

	// The same scope with 127.0.0.1 present admits the request.
	status, body = e.do(t, request{
		method: "POST", path: "/api/tokens", bearer: owner,
		body: map[string]any{"name": "open", "scope": map[string]any{"ipAllowlist": []string{"127.0.0.1"}}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create pat: status = %d", status)
	}
	pat = body["token"].(string)

	status, _ = e.do(t, request{method: "GET", path: "/api/cli/profile", bearer: pat})
	if status != http.StatusOK {
		t.Fatalf("allowlisted: status = %d, want 200", status)
	}
}

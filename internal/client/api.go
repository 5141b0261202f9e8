package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keyvault-sh/keyvault/internal/logx"
)

// API is a minimal client for the server's CLI-facing endpoints.
type API struct {
	BaseURL string
	Token   string

	httpc *http.Client
	// pollEvery overrides the server-dictated polling interval in tests.
	pollEvery time.Duration
}

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		httpc:   &http.Client{Timeout: 20 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// DeviceCodeInfo is the server's answer to a login start request.
type DeviceCodeInfo struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURL string `json:"verificationUrl"`
	ExpiresIn       int    `json:"expiresIn"`
	Interval        int    `json:"interval"`
}

type deviceCodeStatus struct {
	Status  string `json:"status"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// StartDeviceLogin begins a device-code login attempt.
func (a *API) StartDeviceLogin(ctx context.Context) (*DeviceCodeInfo, error) {
	var info DeviceCodeInfo
	if err := a.do(ctx, http.MethodPost, "/api/cli/device-code", nil, &info); err != nil {
		return nil, fmt.Errorf("start device login: %w", err)
	}
	return &info, nil
}

// WaitForDeviceLogin polls until the attempt is approved or expires and
// returns the CLI token. The server dictates the polling interval.
func (a *API) WaitForDeviceLogin(ctx context.Context, info *DeviceCodeInfo) (string, error) {
	interval := time.Duration(info.Interval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if a.pollEvery > 0 {
		interval = a.pollEvery
	}
	deadline := time.Now().Add(time.Duration(info.ExpiresIn) * time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("login attempt expired; run login again")
		}

		var st deviceCodeStatus
		if err := a.do(ctx, http.MethodGet, "/api/cli/device-code/"+info.DeviceCode, nil, &st); err != nil {
			// Transient network errors should not kill a login that is
			// still pending on the server.
			logx.Debugf("poll device code: %v", err)
			continue
		}

		switch st.Status {
		case "approved":
			return st.Token, nil
		case "expired":
			if st.Message != "" {
				return "", fmt.Errorf("login failed: %s", st.Message)
			}
			return "", fmt.Errorf("login attempt expired; run login again")
		}
	}
}

// Profile is the identity behind the stored token.
type Profile struct {
	Kind      string `json:"kind"`
	UserID    string `json:"userId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Name      string `json:"name,omitempty"`
	Last4     string `json:"last4"`
}

func (a *API) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := a.do(ctx, http.MethodGet, "/api/cli/profile", nil, &p); err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	return &p, nil
}

// DownloadSecrets fetches the decrypted secrets for a project/environment
// as a name to value map.
func (a *API) DownloadSecrets(ctx context.Context, projectID, environment, folder string) (map[string]string, error) {
	path := fmt.Sprintf("/api/cli/secrets/download?projectId=%s&environment=%s", projectID, environment)
	if folder != "" {
		path += "&folder=" + folder
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("download secrets: server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("download secrets: server returned %d", resp.StatusCode)
	}

	return parseDotenvStream(resp.Body)
}

// parseDotenvStream reads KEY="quoted value" lines as produced by the
// download endpoint.
func parseDotenvStream(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value, err := strconv.Unquote(rest)
		if err != nil {
			value = rest
		}
		out[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}

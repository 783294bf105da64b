// CLAUDE:SUMMARY E2E test harness: spawns the prooflocker binary on a free port with a temp SQLite file, HTTP helpers with anon/bearer identity
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/Boomchakalala/prooflocker-sub000/internal/auth"
)

const jwtSecret = "e2e-test-secret-key-prooflocker"

// TestHarness manages a prooflocker subprocess and provides HTTP helpers.
type TestHarness struct {
	BaseURL  string
	DataDir  string
	ScoresDB string
	ObsDB    string

	auth   *auth.Auth
	cmd    *exec.Cmd
	client *http.Client
	port   int
}

// Caller is the identity a request is sent as. Set exactly one field to
// exercise the happy path; set both or neither to exercise rejection.
type Caller struct {
	AnonID string
	Token  string
}

// Anon returns a caller identified by the X-Anon-ID header.
func Anon(id string) Caller { return Caller{AnonID: id} }

// NewHarness builds a config, starts prooflocker serve, and waits for health.
// The binary is expected at the module root; the test is skipped without it.
func NewHarness(t *testing.T) *TestHarness {
	t.Helper()

	wd, _ := os.Getwd()
	binary, _ := filepath.Abs(filepath.Join(wd, "..", "prooflocker"))
	if _, err := os.Stat(binary); os.IsNotExist(err) {
		t.Skipf("binary not found at %s, run: go build -o prooflocker .", binary)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	// Manual cleanup: t.TempDir() would go away with the first test, and the
	// harness is shared.
	dataDir, err := os.MkdirTemp("", "prooflocker-e2e-*")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	scoresDB := filepath.Join(dataDir, "scores.db")
	obsDB := filepath.Join(dataDir, "observability.db")

	config := fmt.Sprintf(`[server]
addr = "127.0.0.1:%d"
rate_limit_per_min = 1000

[database]
driver = "sqlite"
path = %q
trace = true

[auth]
jwt_secret = %q
token_expiry_min = 60

[audit]
enabled = true

[observability]
enabled = true
path = %q
heartbeat_sec = 1

[instance]
id = "e2e-test"
name = "prooflocker-e2e"
`, port, scoresDB, jwtSecret, obsDB)

	configPath := filepath.Join(dataDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cmd := exec.Command(binary, "serve", "--config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = dataDir
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting prooflocker: %v", err)
	}

	h := &TestHarness{
		BaseURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		DataDir:  dataDir,
		ScoresDB: scoresDB,
		ObsDB:    obsDB,
		auth:     auth.New(jwtSecret, 60),
		cmd:      cmd,
		port:     port,
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	deadline := time.Now().Add(15 * time.Second)
	backoff := 100 * time.Millisecond
	for time.Now().Before(deadline) {
		resp, err := h.client.Get(h.BaseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				t.Logf("prooflocker ready on port %d", port)
				return h
			}
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff = backoff * 3 / 2
		}
	}

	h.Stop()
	t.Fatalf("prooflocker did not become ready within 15s on port %d", port)
	return nil
}

// Stop sends SIGTERM, waits 5s, then SIGKILL. Cleans up the data directory.
func (h *TestHarness) Stop() {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	h.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.cmd.Process.Kill()
		<-done
	}

	if h.DataDir != "" {
		os.RemoveAll(h.DataDir)
	}
}

// User signs a token for userID with the harness secret.
func (h *TestHarness) User(t *testing.T, userID string) Caller {
	t.Helper()
	tok, err := h.auth.GenerateToken(userID, userID)
	if err != nil {
		t.Fatalf("signing token for %s: %v", userID, err)
	}
	return Caller{Token: tok}
}

// Do executes an HTTP request as c and returns the response.
func (h *TestHarness) Do(method, path string, body any, c Caller) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.AnonID != "" {
		req.Header.Set(auth.AnonHeader, c.AnonID)
	}
	return h.client.Do(req)
}

// JSON executes a request and decodes the JSON response into dst.
func (h *TestHarness) JSON(method, path string, body any, c Caller, dst any) (*http.Response, error) {
	resp, err := h.Do(method, path, body, c)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("reading body: %w", err)
	}
	// Reset body so the caller can inspect it.
	resp.Body = io.NopCloser(bytes.NewReader(data))

	if dst != nil && len(data) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			return resp, fmt.Errorf("decoding JSON (status %d, body: %s): %w", resp.StatusCode, truncate(string(data), 500), err)
		}
	}
	return resp, nil
}

// MustJSON is JSON with a status assertion.
func (h *TestHarness) MustJSON(t *testing.T, method, path string, body any, c Caller, want int, dst any) {
	t.Helper()
	resp, err := h.JSON(method, path, body, c, dst)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	RequireStatus(t, resp, want)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// RequireStatus asserts the HTTP status code matches expected.
func RequireStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", expected, resp.StatusCode, truncate(string(body), 500))
	}
}

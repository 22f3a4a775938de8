package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/storefront_transport/internal/mockbackend"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/client"
)

func startBackend(t *testing.T) (*mockbackend.Server, string) {
	t.Helper()
	backend, err := mockbackend.New(mockbackend.Config{
		Secret: []byte("ctl-secret"),
		Users:  map[string]string{"alice": "wonderland"},
		Logger: logger.NewDiscard("mockbackend"),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(func() {
		backend.Stop()
		srv.Close()
	})
	return backend, srv.URL
}

func runCtl(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestGetWithLogin(t *testing.T) {
	_, url := startBackend(t)

	out, _, err := runCtl(t, "", "--api", url, "--username", "alice", "--password", "wonderland",
		"--log-level", "error", "get", "/products", "--jsonpath", "$.count")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, _, err = runCtl(t, "", "--api", url, "--username", "alice", "--password", "wonderland",
		"--log-level", "error", "get", "/products/2", "--jsonpath", "$.name")
	require.NoError(t, err)
	assert.Equal(t, "Pour-over kettle\n", out)
}

func TestGetUnauthorizedExitCode(t *testing.T) {
	_, url := startBackend(t)

	_, _, err := runCtl(t, "", "--api", url, "--log-level", "error", "get", "/products")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
	assert.Equal(t, exitUnauthorized, exitCodeFor(err))
}

func TestGetServerErrorIsRetried(t *testing.T) {
	backend, url := startBackend(t)
	backend.InjectFault(http.MethodGet, "/products", http.StatusServiceUnavailable, "db down")

	_, stderr, err := runCtl(t, "", "--api", url, "--username", "alice", "--password", "wonderland",
		"--log-level", "warn", "get", "/products", "--retries", "1")
	require.Error(t, err)
	assert.Equal(t, exitServerError, exitCodeFor(err))
	assert.Contains(t, err.Error(), "db down")
	assert.Contains(t, stderr, "request failed, retrying")
}

func TestPostOrder(t *testing.T) {
	_, url := startBackend(t)

	out, _, err := runCtl(t, "", "--api", url, "--username", "alice", "--password", "wonderland",
		"--log-level", "error", "post", "/orders", `{"lines":[{"product_id":"3","quantity":2}]}`, "--jsonpath", "$.total_cents")
	require.NoError(t, err)
	assert.Equal(t, "2400\n", out)

	_, _, err = runCtl(t, "", "--api", url, "--username", "alice", "--password", "wonderland",
		"--log-level", "error", "post", "/orders", `{"lines":[]}`)
	require.Error(t, err)
	assert.Equal(t, exitClientError, exitCodeFor(err))
}

func TestUsageErrors(t *testing.T) {
	_, url := startBackend(t)

	_, _, err := runCtl(t, "", "--api", url)
	assert.Equal(t, exitUsage, exitCodeFor(err))

	_, _, err = runCtl(t, "", "--api", url, "frobnicate")
	assert.Equal(t, exitUsage, exitCodeFor(err))

	_, _, err = runCtl(t, "", "--api", url, "post", "/orders", "{not json")
	assert.Equal(t, exitUsage, exitCodeFor(err))

	_, _, err = runCtl(t, "", "get", "/products")
	assert.Equal(t, exitUsage, exitCodeFor(err))
}

func TestListen(t *testing.T) {
	_, url := startBackend(t)
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/realtime/{identity}"

	start := time.Now()
	out, _, err := runCtl(t, "hello\nwhat products do you have?\n",
		"--api", url, "--realtime", wsURL, "--username", "alice", "--password", "wonderland",
		"--log-level", "error", "listen", "alice", "--linger", "500ms")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Contains(t, out, "[system] Welcome alice")
	assert.Contains(t, out, "[assistant] Hello alice, how can I help?")
	assert.Contains(t, out, "[assistant] We currently stock:")
}

package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cmyocyte/tor-wasm/pkg/circuit"
	"github.com/cmyocyte/tor-wasm/pkg/config"
	"github.com/cmyocyte/tor-wasm/pkg/errors"
	"github.com/cmyocyte/tor-wasm/pkg/logger"
)

var testAuthorities = []string{
	"D586D18309DED4CD6D57C18FDB97EFA96D330566",
	"14C131DFC5C6F93646BE72FA1401C02A8DF2E8B4",
	"E8A9C45EDE6D711294FADF8E7951F4DE6CA56B58",
	"ED03BB616EB2F60BEC80151114BB25CEF515B226",
	"0232AF901C31A04EE9848595AF9BB7620D4C5B2E",
}

func fakeSignature() string {
	sig := make([]byte, 128)
	for i := range sig {
		sig[i] = byte(i*11 + 3)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig}))
}

func rawConsensus(signers []string) string {
	var b strings.Builder
	b.WriteString("network-status-version 3\n")
	b.WriteString("valid-after 2026-08-01 00:00:00\n")
	b.WriteString("fresh-until 2026-08-01 01:00:00\n")
	b.WriteString("valid-until 2030-01-01 00:00:00\n")
	for _, fp := range signers {
		b.WriteString("directory-signature " + fp + " " + fp + "\n")
		b.WriteString(fakeSignature())
	}
	return b.String()
}

func consensusEnvelope(t *testing.T, signerCount, relayCount int) []byte {
	t.Helper()
	ntorKey := base64.StdEncoding.EncodeToString(make([]byte, 32))

	relays := make([]map[string]interface{}, 0, relayCount)
	for i := 0; i < relayCount; i++ {
		relays = append(relays, map[string]interface{}{
			"nickname":       fmt.Sprintf("relay%d", i),
			"fingerprint":    fmt.Sprintf("%040X", i+1),
			"address":        fmt.Sprintf("10.1.0.%d", i+1),
			"port":           9001,
			"ntor_onion_key": ntorKey,
			"bandwidth":      1000 * (i + 1),
			"flags": map[string]bool{
				"exit": true, "fast": true, "guard": true, "running": true,
				"stable": true, "valid": true,
			},
		})
	}
	env := map[string]interface{}{
		"consensus":     map[string]interface{}{"version": 3, "relays": relays},
		"raw_consensus": rawConsensus(testAuthorities[:signerCount]),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func directoryServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tor/consensus" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir() // no StateSecret
	if _, err := New(cfg, logger.NewDefault()); err == nil {
		t.Fatal("New accepted a config that fails validation")
	}
}

func TestOpenBeforeBootstrap(t *testing.T) {
	c, err := New(config.DefaultConfig(), logger.NewDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Open(context.Background(), "example.com", 80, false)
	if err == nil {
		t.Fatal("Open succeeded before Bootstrap")
	}
	if !errors.IsCategory(err, errors.CategoryState) {
		t.Errorf("error category = %v, want state", errors.GetCategory(err))
	}
}

func TestBootstrap(t *testing.T) {
	srv := directoryServer(t, consensusEnvelope(t, 5, 10))

	cfg := config.DefaultConfig()
	cfg.DirectoryURL = srv.URL
	c, err := New(cfg, logger.NewDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if !c.IsBootstrapped() {
		t.Error("IsBootstrapped() = false after successful bootstrap")
	}

	stats := c.GetStats()
	if stats.Relays != 10 {
		t.Errorf("stats.Relays = %d, want 10", stats.Relays)
	}
	if stats.GuardsActive == 0 {
		t.Error("no guards selected during bootstrap")
	}

	// A second Bootstrap is a no-op.
	if err := c.Bootstrap(ctx); err != nil {
		t.Errorf("repeated Bootstrap errored: %v", err)
	}
}

func TestBootstrapUnderSignedConsensusIsFatal(t *testing.T) {
	srv := directoryServer(t, consensusEnvelope(t, 4, 10))

	cfg := config.DefaultConfig()
	cfg.DirectoryURL = srv.URL
	c, err := New(cfg, logger.NewDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = c.Bootstrap(ctx)
	if err == nil {
		t.Fatal("Bootstrap accepted an under-signed consensus")
	}
	if !errors.IsFatal(err) {
		t.Errorf("under-signed consensus error is not fatal: %v", err)
	}

	// The client instance is destroyed: no retry is possible.
	if err := c.Bootstrap(ctx); err == nil {
		t.Error("Bootstrap retried after a fatal error")
	}
}

func TestBootstrapMissingDirectoryURL(t *testing.T) {
	c, err := New(config.DefaultConfig(), logger.NewDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Bootstrap(context.Background()); err == nil {
		t.Fatal("Bootstrap succeeded without a directory URL")
	}
}

func TestFetchURLValidation(t *testing.T) {
	srv := directoryServer(t, consensusEnvelope(t, 5, 10))
	cfg := config.DefaultConfig()
	cfg.DirectoryURL = srv.URL
	c, err := New(cfg, logger.NewDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	for _, raw := range []string{"::not a url", "ftp://example.com/x", "https://"} {
		if _, err := c.Fetch(ctx, raw); err == nil {
			t.Errorf("Fetch(%q) did not reject the URL", raw)
		} else if !errors.IsCategory(err, errors.CategoryInput) {
			t.Errorf("Fetch(%q) error category = %v, want input", raw, errors.GetCategory(err))
		}
	}
}

func TestIsolationPolicyParsing(t *testing.T) {
	srv := directoryServer(t, consensusEnvelope(t, 5, 10))
	cfg := config.DefaultConfig()
	cfg.DirectoryURL = srv.URL
	cfg.IsolationPolicy = "per-destination"

	c, err := New(cfg, logger.NewDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.policy != circuit.IsolatePerDestination {
		t.Errorf("policy = %v, want per-destination", c.policy)
	}

	cfg.IsolationPolicy = "bogus"
	if _, err := New(cfg, logger.NewDefault()); err == nil {
		t.Error("New accepted an invalid isolation policy")
	}
}

func TestBootstrapUsesPersistedConsensus(t *testing.T) {
	body := consensusEnvelope(t, 5, 6)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	mk := func() *Client {
		cfg := config.DefaultConfig()
		cfg.DirectoryURL = srv.URL
		cfg.StateDir = dir
		cfg.StateSecret = []byte("test secret")
		c, err := New(cfg, logger.NewDefault())
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c1 := mk()
	if err := c1.Bootstrap(ctx); err != nil {
		t.Fatalf("first Bootstrap failed: %v", err)
	}
	c1.Close()
	if fetches != 1 {
		t.Fatalf("first bootstrap made %d fetches, want 1", fetches)
	}

	// Second client finds the persisted consensus still valid: no fetch.
	c2 := mk()
	if err := c2.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}
	c2.Close()
	if fetches != 1 {
		t.Errorf("second bootstrap refetched the consensus (%d fetches)", fetches)
	}
}

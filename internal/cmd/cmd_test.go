package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/scenegate/internal/auth"
	"github.com/amurg-ai/scenegate/internal/config"
)

const testSecret = "test-secret-at-least-32-chars-long"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WEBSOCKET_HOST", "WEBSOCKET_PORT", "REDIS_URL", "REDIS_HOST", "REDIS_PORT",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "SCENEGATE_JWT_SECRET",
	} {
		t.Setenv(k, "")
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "scenegate 1.2.3" {
		t.Errorf("version output: got %q", got)
	}
}

func TestTokenCommand(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"auth":{"jwt_secret":"` + testSecret + `","issuer":"scenegate"},"agent":{"provider":"echo"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", path, "--subject", "alice", "--ttl", "1h"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	claims, err := auth.NewVerifier(testSecret, "scenegate").Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject: got %q", claims.Subject)
	}
	if until := time.Until(claims.ExpiresAt.Time); until <= 0 || until > time.Hour {
		t.Errorf("expiry out of range: %v", until)
	}
}

func TestTokenCommandWithoutSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	root := NewRootCmd("test")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without a jwt secret")
	}
}

func TestTokenCommandIgnoresAgentSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCENEGATE_JWT_SECRET", testSecret)

	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--subject", "bob"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token without an agent key: %v", err)
	}

	claims, err := auth.NewVerifier(testSecret, "").Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.Subject != "bob" {
		t.Errorf("subject: got %q", claims.Subject)
	}
}

func TestPrintBannerPlain(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, config.ServerConfig{Host: "0.0.0.0", Port: 8765, WSPath: "/"})
	if !strings.Contains(buf.String(), "listening on ws://localhost:8765/") {
		t.Errorf("banner: got %q", buf.String())
	}
}

func TestResolveConfigPathPrefersArgument(t *testing.T) {
	root := NewRootCmd("test")
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, []string{"from-arg.json"}); got != "from-arg.json" {
		t.Errorf("got %q", got)
	}
	if got := resolveConfigPath(run, nil); got != "" {
		t.Errorf("no flag or arg: got %q", got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satgated.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
oracle:
  sources:
    - name: coingecko
      type: coingecko
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7410" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.Oracle.Interval.Duration != 5*time.Minute {
		t.Fatalf("oracle interval = %v", cfg.Oracle.Interval.Duration)
	}
	if cfg.Pipeline.ExecuteTimeout.Duration != 60*time.Second {
		t.Fatalf("execute timeout = %v", cfg.Pipeline.ExecuteTimeout.Duration)
	}
	if cfg.Pipeline.CallTimeout.Duration != 120*time.Second {
		t.Fatalf("call timeout = %v", cfg.Pipeline.CallTimeout.Duration)
	}
	if cfg.Policy.SpendCacheTTL.Duration != time.Minute {
		t.Fatalf("spend cache ttl = %v", cfg.Policy.SpendCacheTTL.Duration)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
listen: ":9999"
oracle:
  interval: 90s
  sources:
    - name: coinbase
      type: coinbase
pipeline:
  execute_timeout: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.Interval.Duration != 90*time.Second {
		t.Fatalf("interval = %v", cfg.Oracle.Interval.Duration)
	}
	if cfg.Pipeline.ExecuteTimeout.Duration != 30*time.Second {
		t.Fatalf("execute timeout = %v", cfg.Pipeline.ExecuteTimeout.Duration)
	}
}

func TestLoadRejectsMissingSources(t *testing.T) {
	path := writeConfig(t, `
listen: ":9999"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing oracle sources")
	}
}

func TestLoadServicesSection(t *testing.T) {
	path := writeConfig(t, `
oracle:
  sources:
    - name: coingecko
      type: coingecko
services:
  - slug: openai
    kind: llm
    capability: reason
    base_url: https://api.openai.com/v1
    credential_env: OPENAI_API_KEY
    priority: 10
  - slug: httpbin
    kind: generic
    capability: execute
    base_url: https://httpbin.example
    credential_env: HTTPBIN_API_KEY
    auth_type: bearer
    default_operation: request
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Services, 2)
	require.Equal(t, "llm", cfg.Services[0].Kind)
	require.Equal(t, 10, cfg.Services[0].Priority)
	require.Equal(t, "request", cfg.Services[1].DefaultOperation)
}

func TestLoadRejectsUnknownServiceKind(t *testing.T) {
	path := writeConfig(t, `
oracle:
  sources:
    - name: coingecko
      type: coingecko
services:
  - slug: weird
    kind: quantum
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: oracle11g
oracle:
  sources:
    - name: coingecko
      type: coingecko
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

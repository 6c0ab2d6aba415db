package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CRM_BASE_URL", "https://crm.example.com")
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GetLockTTL() != 30*time.Second {
		t.Fatalf("expected 30s lock ttl, got %s", cfg.GetLockTTL())
	}
	if cfg.GetLockMaxWait() != 10*time.Second {
		t.Fatalf("expected 10s lock wait, got %s", cfg.GetLockMaxWait())
	}
	if cfg.GetExternalTimeout() != 10*time.Second {
		t.Fatalf("expected 10s external timeout, got %s", cfg.GetExternalTimeout())
	}
	if cfg.GetAsynqQueueName() != "deferred" {
		t.Fatalf("expected deferred queue, got %q", cfg.GetAsynqQueueName())
	}
	if cfg.IsLLMEnabled() {
		t.Fatalf("expected llm disabled without api key")
	}
}

func TestLoadRequiresCRMBaseURL(t *testing.T) {
	t.Setenv("CRM_BASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when CRM_BASE_URL is empty")
	}
}

func TestLoadRequiresRedisInProduction(t *testing.T) {
	t.Setenv("CRM_BASE_URL", "https://crm.example.com")
	t.Setenv("APP_ENV", "production")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when REDIS_URL is missing in production")
	}
}

func TestSplitCSVTrimsEmptyEntries(t *testing.T) {
	got := splitCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split result %v", got)
	}
}

// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.MaxItemsPerSession != 200 {
		t.Fatalf("expected default max items, got %d", cfg.Session.MaxItemsPerSession)
	}
	if cfg.Stages["translation"].Concurrency != 8 {
		t.Fatalf("expected default translation concurrency, got %d", cfg.Stages["translation"].Concurrency)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
session:
  max_items_per_session: 50
stages:
  translation:
    concurrency: 3
    timeout_ms: 1000
    max_retries: 1
    retry_delay: 1s
    queue_max_depth: 100
  description:
    concurrency: 6
    timeout_ms: 60000
    max_retries: 1
    retry_delay: 1s
    queue_max_depth: 5000
  allergen:
    concurrency: 6
    timeout_ms: 60000
    max_retries: 1
    retry_delay: 1s
    queue_max_depth: 5000
  ingredient:
    concurrency: 6
    timeout_ms: 60000
    max_retries: 1
    retry_delay: 1s
    queue_max_depth: 5000
  image_search:
    concurrency: 4
    timeout_ms: 120000
    max_retries: 1
    retry_delay: 1s
    queue_max_depth: 5000
  image_gen:
    concurrency: 3
    timeout_ms: 120000
    max_retries: 1
    retry_delay: 1s
    queue_max_depth: 5000
provider_chains:
  translation:
    primary: stub_translate
  description:
    primary: stub_describe
  allergen:
    primary: stub_allergen
  ingredient:
    primary: stub_ingredient
  image_search:
    primary: stub_image_search
  image_gen:
    primary: stub_image_gen
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.MaxItemsPerSession != 50 {
		t.Fatalf("expected overridden max items, got %d", cfg.Session.MaxItemsPerSession)
	}
	if cfg.Stages["translation"].Concurrency != 3 {
		t.Fatalf("expected overridden translation concurrency, got %d", cfg.Stages["translation"].Concurrency)
	}
}

func TestValidateRejectsMissingStage(t *testing.T) {
	cfg := defaultConfig()
	delete(cfg.Stages, "translation")
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing stage")
	}
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := defaultConfig()
	sp := cfg.Stages["translation"]
	sp.Concurrency = 0
	cfg.Stages["translation"] = sp
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero concurrency")
	}
}

func TestValidateRejectsMissingPrimaryProvider(t *testing.T) {
	cfg := defaultConfig()
	pc := cfg.ProviderChains["translation"]
	pc.Primary = ""
	cfg.ProviderChains["translation"] = pc
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing primary provider")
	}
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/taskwave/taskwave/internal/domain"
)

func TestDefaultPricingMap(t *testing.T) {
	m := DefaultPricingMap()
	if len(m) == 0 {
		t.Fatal("expected non-empty pricing map")
	}

	tests := []struct {
		model string
		input float64
		out   float64
	}{
		{"claude-sonnet-4-6", 3.0, 15.0},
		{"claude-haiku-4-5-20251001", 1.0, 5.0},
		{"gpt-4o", 2.50, 10.0},
		{"gpt-4o-mini", 0.15, 0.60},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, ok := m[tt.model]
			if !ok {
				t.Fatalf("model %q not in pricing map", tt.model)
			}
			if p.InputPerMillion != tt.input {
				t.Errorf("input cost = %.2f, want %.2f", p.InputPerMillion, tt.input)
			}
			if p.OutputPerMillion != tt.out {
				t.Errorf("output cost = %.2f, want %.2f", p.OutputPerMillion, tt.out)
			}
		})
	}
}

func TestSavePricing(t *testing.T) {
	dir := t.TempDir()
	orig := configDirOverride
	configDirOverride = dir
	t.Cleanup(func() { configDirOverride = orig })

	m := map[string]domain.ModelPricing{
		"test-model": {InputPerMillion: 1.0, OutputPerMillion: 5.0},
	}

	if err := SavePricing(m); err != nil {
		t.Fatalf("SavePricing: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "pricing.json"))
	if err != nil {
		t.Fatalf("read pricing file: %v", err)
	}

	var loaded map[string]domain.ModelPricing
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p, ok := loaded["test-model"]; !ok {
		t.Error("expected test-model in saved pricing")
	} else if p.InputPerMillion != 1.0 {
		t.Errorf("input cost = %.2f, want 1.00", p.InputPerMillion)
	}
}

func TestLoadPricing(t *testing.T) {
	t.Run("first run writes defaults", func(t *testing.T) {
		dir := t.TempDir()
		orig := configDirOverride
		configDirOverride = dir
		t.Cleanup(func() { configDirOverride = orig })

		m := LoadPricing()
		defaults := DefaultPricingMap()

		for model, dp := range defaults {
			if lp, ok := m[model]; !ok {
				t.Errorf("missing model %q", model)
			} else if lp.InputPerMillion != dp.InputPerMillion {
				t.Errorf("%s input = %.2f, want %.2f", model, lp.InputPerMillion, dp.InputPerMillion)
			}
		}

		if _, err := os.Stat(filepath.Join(dir, "pricing.json")); err != nil {
			t.Error("expected pricing.json to be created on first run")
		}
	})

	t.Run("loads existing file and merges new defaults", func(t *testing.T) {
		dir := t.TempDir()
		orig := configDirOverride
		configDirOverride = dir
		t.Cleanup(func() { configDirOverride = orig })

		custom := map[string]domain.ModelPricing{
			"claude-sonnet-4-6": {InputPerMillion: 99.0, OutputPerMillion: 99.0},
		}
		data, _ := json.Marshal(custom)
		os.WriteFile(filepath.Join(dir, "pricing.json"), data, 0o644)

		m := LoadPricing()

		if m["claude-sonnet-4-6"].InputPerMillion != 99.0 {
			t.Errorf("expected custom price 99.0, got %.2f", m["claude-sonnet-4-6"].InputPerMillion)
		}
		if _, ok := m["gpt-4o"]; !ok {
			t.Error("expected gpt-4o to be added from defaults")
		}
	})

	t.Run("falls back to defaults on invalid file", func(t *testing.T) {
		dir := t.TempDir()
		orig := configDirOverride
		configDirOverride = dir
		t.Cleanup(func() { configDirOverride = orig })

		os.WriteFile(filepath.Join(dir, "pricing.json"), []byte("{not json"), 0o644)

		m := LoadPricing()
		if _, ok := m["claude-sonnet-4-6"]; !ok {
			t.Error("expected defaults when pricing.json is malformed")
		}
	})
}

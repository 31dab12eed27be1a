package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devflowhq/devflow/pkg/models"
)

func TestDefaultRulesValid(t *testing.T) {
	if err := DefaultRules().Validate(); err != nil {
		t.Errorf("compiled-in rules invalid: %v", err)
	}
}

func TestLoadRulesFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
labels:
  payments: server-logic
default_pool: data-model
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	if rules.Labels["payments"] != models.PoolServerLogic {
		t.Errorf("custom label missing: %v", rules.Labels["payments"])
	}
	if rules.DefaultPool != models.PoolDataModel {
		t.Errorf("default pool = %q, want override", rules.DefaultPool)
	}
	// Unspecified tables come from the defaults.
	if len(rules.Keywords) == 0 {
		t.Error("keywords not filled from defaults")
	}
	if rules.DefaultKind != models.KindImplementFeature {
		t.Errorf("default kind = %q, want default", rules.DefaultKind)
	}
}

func TestLoadRulesRejectsUnknownPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
labels:
  payments: billing-pool
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	if _, err := LoadRules(path); err == nil {
		t.Error("rules mapping to an unknown pool were accepted")
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateRulesBundledTable(t *testing.T) {
	var out bytes.Buffer
	if err := validateRules(&out, filepath.Join("..", "..", "rules", "rules.yaml")); err != nil {
		t.Fatalf("validateRules() error = %v", err)
	}
	if !strings.Contains(out.String(), "initial set:    main") {
		t.Errorf("summary missing initial set:\n%s", out.String())
	}
}

func TestValidateRulesRejectsDangling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := []byte(`
greeting:
  message: "Hi"
  options: main
optionSets:
  main:
    - {id: a, label: A, response: "ok", subOptions: missing}
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := validateRules(&out, path); err == nil {
		t.Fatal("validateRules() succeeded on a dangling reference")
	}
}

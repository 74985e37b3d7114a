package definition

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

const reloadDefinition = `domain: stock
version: "1"
tables:
  - id: stock.items
    title: Items
    mode: client
    columns:
      - id: sku
        header: SKU
    source:
      datasource: inline
      rows:
        - sku: A-1
`

func writeDefinition(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "stock.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func newTestReloader(t *testing.T, dir string) (*Reloader, *Registry) {
	t.Helper()
	reg := NewRegistry(nil)
	v := NewValidator(testDatasources(), 0)
	return NewReloader(reg, v, nil, []string{dir}, zap.NewNop()), reg
}

func TestReloader_swaps_on_change(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, reloadDefinition)
	r, reg := newTestReloader(t, dir)

	calls := 0
	r.OnChange(func() { calls++ })

	changed, err := r.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !changed {
		t.Fatal("first Reload() should report a change")
	}
	if _, ok := reg.Table("stock.items"); !ok {
		t.Fatal("stock.items should be registered")
	}

	changed, _ = r.Reload()
	if changed {
		t.Error("Reload() of unchanged files should not report a change")
	}
	if calls != 1 {
		t.Errorf("OnChange calls = %d, want 1", calls)
	}
}

func TestReloader_keeps_registry_on_invalid(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, reloadDefinition)
	r, reg := newTestReloader(t, dir)
	if _, err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	before := reg.Checksum()

	writeDefinition(t, dir, "domain: stock\nversion: \"2\"\ntables: []\n")
	_, err := r.Reload()
	if !errors.Is(err, ErrInvalidDefinitions) {
		t.Fatalf("Reload() error = %v, want ErrInvalidDefinitions", err)
	}
	if reg.Checksum() != before {
		t.Error("registry should keep the previous definitions")
	}
}

type statusRecorder []string

func (s *statusRecorder) RecordDefinitionReload(status string) { *s = append(*s, status) }

func TestReloader_records_outcomes(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, reloadDefinition)
	r, _ := newTestReloader(t, dir)
	var rec statusRecorder
	r.WithRecorder(&rec)

	_, _ = r.Reload()
	_, _ = r.Reload()
	writeDefinition(t, dir, "domain: [broken")
	_, _ = r.Reload()

	want := []string{"success", "unchanged", "failure"}
	if len(rec) != len(want) {
		t.Fatalf("recorded %v, want %v", rec, want)
	}
	for i := range want {
		if rec[i] != want[i] {
			t.Errorf("outcome %d = %q, want %q", i, rec[i], want[i])
		}
	}
}

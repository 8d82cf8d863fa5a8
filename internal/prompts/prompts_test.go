package prompts

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTemplate(t *testing.T, registry, name, file, text string) {
	t.Helper()
	dir := filepath.Join(registry, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndRender(t *testing.T) {
	registry := t.TempDir()
	writeTemplate(t, registry, "catalog-ocr", "page.tmpl",
		"Extract the catalog page.\n{{if .PreviousContext}}Continuation of:\n{{.PreviousContext}}\n{{end}}Respond with JSON.")

	p, err := Load(registry, "catalog-ocr", "page.tmpl")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	first, err := p.Render("")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(first, "Continuation of:") {
		t.Errorf("empty context rendered continuation block:\n%s", first)
	}

	second, err := p.Render("LAST_500_CHARS:\nsome text")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(second, "Continuation of:\nLAST_500_CHARS:\nsome text") {
		t.Errorf("context not rendered:\n%s", second)
	}
}

func TestLoadRejectsUnknownVariables(t *testing.T) {
	registry := t.TempDir()
	writeTemplate(t, registry, "bad", "page.tmpl", "Hello {{.Name}} and {{.PreviousContext}}")

	if _, err := Load(registry, "bad", "page.tmpl"); err == nil {
		t.Fatal("expected unknown-variable error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir(), "nope", "page.tmpl"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Hello {{.Name}}, you have {{.Count}} items", []string{"Count", "Name"}},
		{"{{ .Spaced }} and {{.Spaced}}", []string{"Spaced"}},
		{"{{.Book.Title}}", []string{"Book.Title"}},
		{"no variables", nil},
	}
	for _, tt := range tests {
		if got := ExtractVariables(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ExtractVariables(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestHashChangesWithContent(t *testing.T) {
	registry := t.TempDir()
	writeTemplate(t, registry, "a", "p.tmpl", "one {{.PreviousContext}}")
	writeTemplate(t, registry, "b", "p.tmpl", "two {{.PreviousContext}}")

	pa, err := Load(registry, "a", "p.tmpl")
	if err != nil {
		t.Fatal(err)
	}
	pb, err := Load(registry, "b", "p.tmpl")
	if err != nil {
		t.Fatal(err)
	}
	if pa.Hash() == pb.Hash() {
		t.Error("different templates share a hash")
	}
	if len(pa.Hash()) != 64 {
		t.Errorf("hash length = %d", len(pa.Hash()))
	}
}

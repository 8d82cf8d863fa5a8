// Package prompts loads and renders the OCR prompt template from the
// prompt registry directory.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Data is the variable set a prompt template may reference.
type Data struct {
	// PreviousContext carries the previous page's trailing OCR text
	// and course list; empty for dependency-free pages.
	PreviousContext string
}

// Prompt is a loaded, parsed prompt template.
type Prompt struct {
	Name         string // registry entry name
	TemplateFile string // file name within the registry entry
	Text         string // raw template text
	tmpl         *template.Template
}

// Load reads registry_dir/name/templateFile and parses it. Templates
// may reference {{.PreviousContext}} only; unknown variables are a
// load-time error so bad templates fail before submission.
func Load(registryDir, name, templateFile string) (*Prompt, error) {
	path := filepath.Join(registryDir, name, templateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template %s: %w", path, err)
	}
	text := string(raw)

	for _, v := range ExtractVariables(text) {
		if v != "PreviousContext" {
			return nil, fmt.Errorf("prompt template %s references unknown variable %q", path, v)
		}
	}

	tmpl, err := template.New(templateFile).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template %s: %w", path, err)
	}

	return &Prompt{
		Name:         name,
		TemplateFile: templateFile,
		Text:         text,
		tmpl:         tmpl,
	}, nil
}

// Render produces the prompt for one page.
func (p *Prompt) Render(previousContext string) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, Data{PreviousContext: previousContext}); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", p.Name, err)
	}
	return b.String(), nil
}

// Hash returns the content hash of the template for change detection
// in logs and artifacts.
func (p *Prompt) Hash() string {
	return HashText(p.Text)
}

package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/page_result.json
var schemaFS embed.FS

// ErrorKind classifies why raw model output failed validation. The
// values match the failure-log error_kind column.
type ErrorKind string

const (
	KindMissingResponse  ErrorKind = "missing_response"
	KindJSONDecode       ErrorKind = "json_decode_error"
	KindSchemaValidation ErrorKind = "schema_validation_error"
	KindOther            ErrorKind = "other"
)

// ValidationError reports a failed validation, preserving the text
// extracted from the raw response for offline analysis.
type ValidationError struct {
	Kind          ErrorKind
	Message       string
	ExtractedText string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Artifact is a successfully validated page result together with the
// canonical JSON the ingestor writes to the output tree.
type Artifact struct {
	Result        PageResult
	CanonicalJSON []byte
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func pageResultSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := schemaFS.ReadFile("schemas/page_result.json")
		if err != nil {
			compileErr = fmt.Errorf("failed to read embedded schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("page_result.json", bytes.NewReader(data)); err != nil {
			compileErr = fmt.Errorf("failed to load page result schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("page_result.json")
	})
	return compiled, compileErr
}

// Validate turns raw model output into a validated artifact. Failures
// come back as *ValidationError carrying the taxonomy kind.
func Validate(rawText string) (*Artifact, *ValidationError) {
	if strings.TrimSpace(rawText) == "" {
		return nil, &ValidationError{Kind: KindMissingResponse, Message: "empty model response"}
	}

	extracted := ExtractJSON(rawText)
	if extracted == "" {
		return nil, &ValidationError{
			Kind:          KindJSONDecode,
			Message:       "no JSON object found in model output",
			ExtractedText: rawText,
		}
	}

	var doc any
	if err := json.Unmarshal([]byte(extracted), &doc); err != nil {
		return nil, &ValidationError{
			Kind:          KindJSONDecode,
			Message:       err.Error(),
			ExtractedText: extracted,
		}
	}

	sch, err := pageResultSchema()
	if err != nil {
		return nil, &ValidationError{Kind: KindOther, Message: err.Error(), ExtractedText: extracted}
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &ValidationError{
			Kind:          KindSchemaValidation,
			Message:       err.Error(),
			ExtractedText: extracted,
		}
	}

	var result PageResult
	if err := json.Unmarshal([]byte(extracted), &result); err != nil {
		return nil, &ValidationError{Kind: KindOther, Message: err.Error(), ExtractedText: extracted}
	}

	canonical, err := json.MarshalIndent(&result, "", "  ")
	if err != nil {
		return nil, &ValidationError{Kind: KindOther, Message: err.Error(), ExtractedText: extracted}
	}
	canonical = append(canonical, '\n')

	return &Artifact{Result: result, CanonicalJSON: canonical}, nil
}

// ExtractJSON pulls a JSON object out of raw model text: strips a
// surrounding markdown code fence if present, otherwise slices from
// the first '{' to the last '}'. Returns "" if no object is found.
func ExtractJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[0], "```") && strings.HasPrefix(lines[len(lines)-1], "```") {
			trimmed = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return trimmed[start : end+1]
}

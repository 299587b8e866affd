package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const truncatedSuffix = "\n...[truncated]"

// Guardrails validates tool arguments and bounds what flows back to the model and the logs.
type Guardrails struct {
	validator     *JSONValidator
	outputFilters []*regexp.Regexp
	maxOutput     int // bytes, 0 disables truncation
}

// NewGuardrails creates guardrails truncating tool output to maxOutput bytes.
func NewGuardrails(maxOutput int) *Guardrails {
	return &Guardrails{
		validator: NewJSONValidator(),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(password|api[_-]?key|auth[_-]?token|secret)(["']?\s*[:=]\s*["']?)[^\s"',}]+`),
			regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
		},
		maxOutput: maxOutput,
	}
}

// ValidateArguments checks args against the tool's JSON schema.
func (g *Guardrails) ValidateArguments(schema []byte, args json.RawMessage) error {
	return g.validator.Validate(args, schema)
}

// LimitOutput truncates s to the configured size without splitting a UTF-8 rune.
func (g *Guardrails) LimitOutput(s string) string {
	if g.maxOutput <= 0 || len(s) <= g.maxOutput {
		return s
	}
	cut := g.maxOutput
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

// Redact masks credentials in s before it is logged.
func (g *Guardrails) Redact(s string) string {
	out := s
	for _, filter := range g.outputFilters {
		out = filter.ReplaceAllStringFunc(out, func(m string) string {
			if sub := filter.FindStringSubmatch(m); len(sub) == 3 {
				return sub[1] + sub[2] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return out
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// JSONValidator validates documents against JSON schemas, compiling each schema once.
type JSONValidator struct {
	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Validate checks data against schema. An empty schema accepts anything.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (v *JSONValidator) compile(schema []byte) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := string(schema)
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	v.schemas[key] = s
	return s, nil
}

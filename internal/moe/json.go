package moe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteGuess is returned when the reasoning agent's function guess
// lacks a description or a knowledge domain.
var ErrIncompleteGuess = errors.New("moe: incomplete function guess")

// ExtractFirstJSON returns the first balanced {...} object in s. Braces
// inside JSON strings are not counted.
func ExtractFirstJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// GuessedParameter is one parameter the reasoning agent thinks the request
// carries.
type GuessedParameter struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description"`
	Value       any    `json:"value,omitempty"`
}

// Guess is the reasoning agent's description of the function a request
// would call.
type Guess struct {
	Description     string
	KnowledgeDomain string
	Parameters      map[string]GuessedParameter
	// Raw is the guess as the agent wrote it.
	Raw map[string]any
}

// ParameterDescriptions returns the guessed parameter descriptions, by
// parameter name order.
func (g *Guess) ParameterDescriptions() []string {
	var out []string
	for _, name := range sortedNames(g.Parameters) {
		if d := g.Parameters[name].Description; d != "" {
			out = append(out, d)
		}
	}
	return out
}

// ParseGuess reads the stage 0 completion. The prompt primes the response
// with "{", so content without a brace is read as continuing it.
func ParseGuess(content string) (*Guess, error) {
	obj, ok := ExtractFirstJSON(content)
	if !ok {
		if obj, ok = ExtractFirstJSON("{" + content); !ok {
			return nil, fmt.Errorf("moe: no JSON object in function guess")
		}
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("moe: parse function guess: %w", err)
	}
	var fields struct {
		FunctionDescription string                      `json:"function_description"`
		Description         string                      `json:"description"`
		KnowledgeDomain     string                      `json:"knowledge_domain"`
		Parameters          map[string]GuessedParameter `json:"parameters"`
	}
	// Parameters of other shapes are ignored rather than failing the guess.
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		fields.Parameters = nil
		_ = json.Unmarshal([]byte(obj), &struct {
			FunctionDescription *string `json:"function_description"`
			Description         *string `json:"description"`
			KnowledgeDomain     *string `json:"knowledge_domain"`
		}{&fields.FunctionDescription, &fields.Description, &fields.KnowledgeDomain})
	}

	g := &Guess{
		Description:     fields.FunctionDescription,
		KnowledgeDomain: fields.KnowledgeDomain,
		Parameters:      fields.Parameters,
		Raw:             raw,
	}
	if g.Description == "" {
		g.Description = fields.Description
	}
	if g.Description == "" || g.KnowledgeDomain == "" {
		return nil, ErrIncompleteGuess
	}
	if g.Parameters == nil {
		g.Parameters = map[string]GuessedParameter{}
	}
	return g, nil
}

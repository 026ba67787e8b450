package moe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/embeddings"
	"github.com/noco-ai/arcane-bridge/internal/golem"
)

// Job header values of the routing stages.
const (
	JobInferAction     = "infer_prompt_action"
	CommandInferAction = "infer_prompt_action"

	StepGuess      = 0
	StepEmbed      = 1
	StepParameters = 2
)

// LoRA adapters the reasoning agent applies per stage.
const (
	LoraGuess      = "noco-ai/func-call-hallucinate-v1"
	LoraParameters = "noco-ai/func-call-parameter-extract-v1"
)

// ParameterMatchThreshold is the similarity a guessed parameter needs to be
// mapped onto a defined one.
const ParameterMatchThreshold = 0.95

const stageMaxTokens = 512

// GuessPayload is the stage 0 request asking the reasoning agent to
// describe the function the user wants.
func GuessPayload(text string) map[string]any {
	return rawPayload(fmt.Sprintf("### Human: %s\n\n### Function Call:\n", strings.TrimSpace(text)), LoraGuess)
}

// ParameterPayload is the stage 2 request extracting parameter values.
func ParameterPayload(definition, text string) map[string]any {
	prompt := fmt.Sprintf("### Function Description:\n%s\n\n### Human: %s\n\n### Extracted Parameters:", definition, strings.TrimSpace(text))
	return rawPayload(prompt, LoraParameters)
}

// ExtractorPayload sends an ability's own extraction prompt as a chat.
func ExtractorPayload(a *abilities.Ability, text string) map[string]any {
	return map[string]any{
		"stream":   false,
		"messages": abilities.SimpleChatPayload(a.ExtractorPrompt, text),
	}
}

func rawPayload(prompt, lora string) map[string]any {
	return map[string]any{
		"stream":         false,
		"debug":          true,
		"raw":            prompt,
		"messages":       []golem.Message{},
		"start_response": "\n{",
		"lora":           lora,
		"max_new_tokens": stageMaxTokens,
	}
}

type parameterDescription struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type reducedDefinition struct {
	Description           string                          `json:"description"`
	ParameterDescriptions map[string]parameterDescription `json:"parameter_descriptions"`
}

// ReducedDefinition describes a to the parameter extractor, keeping only the
// parameters the request is likely to carry. A single parameter is always
// kept, as is every required one. Others are kept when the guess names
// them, or when a guessed description is close enough to one of theirs.
// The result is indented JSON.
func ReducedDefinition(a *abilities.Ability, guess *Guess, vectors map[string][]float64, params map[string]map[string][]float64, logger *slog.Logger) string {
	def := reducedDefinition{ParameterDescriptions: map[string]parameterDescription{}}
	if len(a.FunctionDefinitions) > 0 {
		def.Description = a.FunctionDefinitions[0]
	}
	describe := func(p abilities.Parameter) {
		def.ParameterDescriptions[p.Name] = parameterDescription{Type: p.Type, Description: p.Description[0]}
	}

	switch {
	case a.AllowEmptyParameters && len(guess.Parameters) == 0:
		logger.Info("function parameter: skipping, no parameters extracted", "function", a.Key)
	case len(a.Parameters) == 1:
		describe(a.Parameters[0])
	default:
		mapped := make(map[string]bool)
		guessed := sortedNames(guess.Parameters)
		for _, p := range a.Parameters {
			if p.Required {
				describe(p)
			}
			if _, ok := guess.Parameters[p.Name]; ok {
				logger.Info("function parameter matched on name", "parameter", p.Name)
				describe(p)
				mapped[p.Name] = true
				continue
			}

			closest, score := "", 0.0
			for _, name := range guessed {
				if mapped[name] {
					continue
				}
				v, ok := vectors[guess.Parameters[name].Description]
				if !ok {
					continue
				}
				for _, desc := range p.Description {
					defined, ok := params[p.Name][desc]
					if !ok {
						continue
					}
					if s := embeddings.CosineSimilarity(v, defined); s > score {
						closest, score = name, s
					}
				}
			}
			if closest != "" && score >= ParameterMatchThreshold {
				logger.Info("function parameter selected", "parameter", p.Name, "guess", closest, "score", score)
				describe(p)
				mapped[closest] = true
			} else {
				logger.Debug("function parameter not matched", "parameter", p.Name, "closest", closest, "score", score)
			}
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	_ = enc.Encode(def)
	return strings.TrimRight(buf.String(), "\n")
}

// ParseParameters reads the stage 2 completion. Abilities with their own
// extractor answer with a bare JSON object; the extraction model's answer
// may carry text around it.
func ParseParameters(a *abilities.Ability, content string) (map[string]any, error) {
	obj := strings.TrimSpace(content)
	if !a.CustomExtractor() {
		var ok bool
		if obj, ok = ExtractFirstJSON(content); !ok {
			if obj, ok = ExtractFirstJSON("{" + content); !ok {
				return nil, fmt.Errorf("moe: no JSON object in extracted parameters")
			}
		}
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(obj), &params); err != nil {
		return nil, fmt.Errorf("moe: parse extracted parameters: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package abilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/modules"
)

// Generator produces completions. *golem.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req golem.GenerateRequest) (*golem.Completion, error)
	PickWorker(explicit, use string, allowFallback bool) string
}

// FunctionStore persists dynamic functions.
type FunctionStore interface {
	SaveDynamicFunction(ctx context.Context, definition, code string) (int64, error)
}

// Deps are what the built-in handlers need.
type Deps struct {
	Worker    Generator
	Sandbox   *Sandbox
	Functions FunctionStore
	Now       func() time.Time
	Logger    *slog.Logger
}

// RegisterBuiltins adds the built-in handlers to h.
func RegisterBuiltins(h *modules.Registry[Handler], deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sandbox == nil {
		deps.Sandbox = NewSandbox(0)
	}
	logger := deps.Logger.With("component", "abilities")

	builtins := map[string]Handler{
		"current_time":          currentTime(deps.Now),
		"translator":            translator(deps.Worker),
		HandlerDynamic:          dynamicFunction(deps.Sandbox, logger),
		"code_dynamic_function": codeDynamicFunction(deps, logger),
	}
	for key, handler := range builtins {
		if err := h.RegisterValue(key, handler); err != nil {
			return err
		}
	}
	return nil
}

func currentTime(now func() time.Time) HandlerFunc {
	return func(ctx context.Context, call *Call, r Responder) error {
		loc := time.Local
		if tz := call.String("timezone"); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return r.SendError(ctx, call.SocketID, fmt.Sprintf("Unknown time zone %s.", tz))
			}
			loc = l
		}
		t := now().In(loc)
		return r.SendResponse(ctx, call.SocketID, fmt.Sprintf("It is %s on %s.", t.Format("15:04 MST"), t.Format("Monday, 2 January 2006")))
	}
}

func translator(worker Generator) HandlerFunc {
	return func(ctx context.Context, call *Call, r Responder) error {
		model, _ := call.Ability.Config["model"].(string)
		routingKey := worker.PickWorker(model, golem.UseLanguageModel, true)
		if routingKey == "" {
			return r.SendError(ctx, call.SocketID, "No translation model is running.")
		}

		in, out := call.String("input_language"), call.String("output_language")
		prompt := fmt.Sprintf("Translate this from %s to %s:\n%s: %s\n%s:", in, out, in, call.String("input_text"), out)
		res, err := worker.Generate(ctx, golem.GenerateRequest{
			Model:    routingKey,
			Messages: []golem.Message{{Role: "user", Content: prompt}},
			UserID:   call.UserID,
		})
		if err != nil {
			return r.SendError(ctx, call.SocketID, err.Error())
		}
		return r.SendResponse(ctx, call.SocketID, strings.TrimSpace(res.Content))
	}
}

func dynamicFunction(sandbox *Sandbox, logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, call *Call, r Responder) error {
		out, err := sandbox.Run(ctx, call.Ability.Code, call.Params)
		if err != nil {
			logger.Error("dynamic function failed", "key", call.Ability.Key, "error", err)
			return r.SendError(ctx, call.SocketID, "An error occurred with the dynamic function.")
		}
		return r.SendResponse(ctx, call.SocketID, out)
	}
}

const codingSystemPrompt = `You write Go functions from JSON function definitions.
Reply with Go source only. The source must define
func Execute(params map[string]any) (string, error)
which reads each parameter from params by name and returns a short sentence
answering the request. Only import strings, strconv, math, fmt, sort, time,
encoding/json or unicode.`

const codingExampleDefinition = `{
  "function_description": "convert a temperature from celsius to fahrenheit",
  "parameters": {
    "celsius": {"type": "number", "description": "the temperature in celsius"}
  }
}`

const codingExampleFunction = "```go\nimport \"fmt\"\n\nfunc Execute(params map[string]any) (string, error) {\n\tc, ok := params[\"celsius\"].(float64)\n\tif !ok {\n\t\treturn \"\", fmt.Errorf(\"celsius must be a number\")\n\t}\n\treturn fmt.Sprintf(\"%.1f°C is %.1f°F.\", c, c*9/5+32), nil\n}\n```"

// splitGuess separates the guessed parameter values from the definition.
func splitGuess(guess any) (definition map[string]any, values map[string]any, err error) {
	raw, err := json.Marshal(guess)
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(raw, &definition); err != nil {
		return nil, nil, err
	}
	delete(definition, "knowledge_domain")
	values = make(map[string]any)
	params, _ := definition["parameters"].(map[string]any)
	for name, p := range params {
		if fields, ok := p.(map[string]any); ok {
			values[name] = fields["value"]
			delete(fields, "value")
		}
	}
	return definition, values, nil
}

// extractCode strips a markdown fence around code.
func extractCode(content string) string {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "```")
	if start < 0 {
		return content
	}
	body := content[start+3:]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func codeDynamicFunction(deps Deps, logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, call *Call, r Responder) error {
		model, _ := call.Ability.Config["model"].(string)
		if model == "" || deps.Worker.PickWorker(model, "", false) == "" {
			return r.SendError(ctx, call.SocketID, fmt.Sprintf("%s is required to code a dynamic function.", model))
		}
		guess, ok := r.ConversationParameter(call.SocketID, "guessed_function")
		if !ok {
			return r.SendError(ctx, call.SocketID, "There is no function definition to code.")
		}
		definition, values, err := splitGuess(guess)
		if err != nil {
			return r.SendError(ctx, call.SocketID, "Could not read the function definition.")
		}
		defJSON, _ := json.MarshalIndent(definition, "", "  ")

		if err := r.UpdateProgress(ctx, call.SocketID, Progress{Label: "Coding Function", Total: 100, Current: -1}); err != nil {
			logger.Warn("progress update failed", "error", err)
		}
		res, err := deps.Worker.Generate(ctx, golem.GenerateRequest{
			Model: model,
			Messages: []golem.Message{
				{Role: "system", Content: codingSystemPrompt},
				{Role: "user", Content: codingExampleDefinition},
				{Role: "assistant", Content: codingExampleFunction},
				{Role: "user", Content: string(defJSON)},
			},
			UserID: call.UserID,
		})
		if err != nil {
			return r.SendError(ctx, call.SocketID, err.Error())
		}

		code := extractCode(res.Content)
		out, err := deps.Sandbox.Run(ctx, code, values)
		if err != nil {
			logger.Error("generated dynamic function failed", "error", err)
			return r.SendError(ctx, call.SocketID, "An error occurred with the generated dynamic function.")
		}
		if err := r.SendResponse(ctx, call.SocketID, out); err != nil {
			return err
		}
		id, err := deps.Functions.SaveDynamicFunction(ctx, string(defJSON), code)
		if err != nil {
			return fmt.Errorf("save dynamic function: %w", err)
		}
		logger.Info("saved dynamic function", "id", id)
		r.ClearEmbeddings()
		return nil
	}
}

package moe

import (
	"slices"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"

	"github.com/noco-ai/arcane-bridge/internal/security"
)

// Shortcuts the bridge interprets itself.
const (
	ShortcutLastMessage = "👉"
	ShortcutHistory     = "👆"
	ShortcutPreferred   = "🥇"
	ShortcutSecondary   = "🥈"
	ShortcutDefault     = "✨"
	ShortcutFast        = "⚡"
)

// DefaultHandlerShortcuts never route to a chat ability.
var DefaultHandlerShortcuts = []string{ShortcutDefault, ShortcutFast, ShortcutPreferred, ShortcutSecondary}

// ShortcutInput is what ApplyShortcuts needs to read a prompt's shortcuts.
type ShortcutInput struct {
	Shortcuts string
	// Messages is the number of messages in the prompt, the new one
	// included.
	Messages int
	Perms    *security.UserPermissions
	// PreferredModel and SecondaryModel come from the skill config.
	PreferredModel string
	SecondaryModel string
	LanguageModels []string
	// Function returns the chat ability key bound to a shortcut.
	Function func(shortcut string) (string, bool)
	// Skill returns the routing key bound to a shortcut, or "".
	Skill func(shortcut string) string
}

// ShortcutResult is the outcome of ApplyShortcuts.
type ShortcutResult struct {
	ModelManuallySelected bool
	Model                 string
	// Function is the key of a manually selected chat ability.
	Function      string
	UserShortcuts string
	AIShortcuts   string
	// Keep is how many trailing messages remain, or 0 to keep them all.
	Keep int
}

// Graphemes splits s into user-perceived characters, dropping whitespace.
func Graphemes(s string) []string {
	var out []string
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		cluster := g.Str()
		if strings.TrimFunc(cluster, unicode.IsSpace) == "" {
			continue
		}
		out = append(out, cluster)
	}
	return out
}

// keycapDigit returns the digit of a keycap emoji such as "3️⃣".
func keycapDigit(cluster string) (int, bool) {
	if !strings.HasSuffix(cluster, "\u20e3") {
		return 0, false
	}
	c := cluster[0]
	if c < '0' || c > '9' {
		return 0, false
	}
	return int(c - '0'), true
}

// ApplyShortcuts interprets the shortcut string sent with a prompt. The
// first selection wins; later function or skill shortcuts are ignored.
func ApplyShortcuts(in ShortcutInput) ShortcutResult {
	var (
		res         ShortcutResult
		user, ai    []string
		prev        string
		fnShortcut  string
		messages    = in.Messages
		truncated   bool
		lookupFn    = in.Function
		lookupSkill = in.Skill
	)
	if lookupFn == nil {
		lookupFn = func(string) (string, bool) { return "", false }
	}
	if lookupSkill == nil {
		lookupSkill = func(string) string { return "" }
	}
	selected := func() bool { return res.ModelManuallySelected || res.Function != "" }

	for _, cluster := range Graphemes(in.Shortcuts) {
		digit, isKeycap := keycapDigit(cluster)
		switch {
		case cluster == ShortcutLastMessage:
			if !truncated && messages >= 1 {
				truncated = true
				messages = 1
				res.Keep = 1
				user = append(user, cluster)
			}
		case isKeycap && prev == ShortcutHistory:
			keep := digit*2 + 1
			if messages >= keep {
				messages = keep
				res.Keep = keep
				user = append(user, ShortcutHistory, cluster)
			}
		case isKeycap && fnShortcut != "" && prev == fnShortcut:
			if key, ok := lookupFn(fnShortcut + cluster); ok && in.Perms.CanUseFunction(key) {
				res.Function = key
				ai = append(ai, cluster)
			}
		case cluster == ShortcutPreferred || cluster == ShortcutSecondary:
			model := in.PreferredModel
			if cluster == ShortcutSecondary {
				model = in.SecondaryModel
			}
			if model != "" && slices.Contains(in.LanguageModels, model) {
				res.ModelManuallySelected = true
				res.Model = model
				ai = append(ai, cluster)
			}
		case cluster == ShortcutHistory:
		case !selected():
			if key, ok := lookupFn(cluster); ok {
				if in.Perms.CanUseFunction(key) {
					res.Function = key
					fnShortcut = cluster
					ai = append(ai, cluster)
				}
				break
			}
			if rk := lookupSkill(cluster); rk != "" && in.Perms.CanUseSkill(rk) {
				res.ModelManuallySelected = true
				res.Model = rk
				ai = append(ai, cluster)
			}
		}
		prev = cluster
	}

	res.UserShortcuts = strings.Join(user, "")
	res.AIShortcuts = strings.Join(ai, "")
	return res
}

// TruncateMessages keeps the last keep messages. keep <= 0 keeps them all.
func TruncateMessages[T any](msgs []T, keep int) []T {
	if keep <= 0 || keep >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-keep:]
}

// SelectDefaultModel picks the model for a prompt without a manual choice:
// the preferred model, then the secondary model, then the first permitted
// language model. Visual language models are used only when no text model
// is online. It returns "" when nothing is available.
func SelectDefaultModel(languageModels, visualModels []string, perms *security.UserPermissions, preferred, secondary string) string {
	candidates := languageModels
	if len(candidates) == 0 {
		candidates = visualModels
	}
	allowed := perms.FilterSkills(candidates)
	if len(allowed) == 0 {
		return ""
	}
	for _, want := range []string{preferred, secondary} {
		if want != "" && slices.Contains(allowed, want) {
			return want
		}
	}
	return allowed[0]
}

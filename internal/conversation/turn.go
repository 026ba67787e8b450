package conversation

import (
	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/moe"
	"github.com/noco-ai/arcane-bridge/internal/security"
)

// State is where a turn is in its lifecycle.
type State int

// Turn states. A turn starts in StateRouting when the router runs, or in
// StateGenerating when it goes straight to a language model.
const (
	StateIdle State = iota
	StateRouting
	StateGenerating
	StateStreaming
	StateComplete
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRouting:
		return "ROUTING"
	case StateGenerating:
		return "GENERATING"
	case StateStreaming:
		return "STREAMING"
	case StateComplete:
		return "COMPLETE"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether a stop request applies.
func (s State) Active() bool {
	return s == StateRouting || s == StateGenerating || s == StateStreaming
}

// Prompt is the payload of a client's prompt command.
type Prompt struct {
	ConversationID int64           `json:"conversation_id"`
	ParentID       int64           `json:"parent_id"`
	Content        string          `json:"content"`
	Messages       []golem.Message `json:"messages"`
	Shortcuts      string          `json:"shortcuts"`
	// Files is a comma separated list of uploaded file names.
	Files         string  `json:"files"`
	AIIcon        string  `json:"ai_icon"`
	UseModel      string  `json:"use_model"`
	Topic         string  `json:"topic"`
	SystemMessage string  `json:"system_message"`
	RouterConfig  string  `json:"router_config"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	Seed          int64   `json:"seed"`
	MinP          float64 `json:"min_p"`
	Mirostat      int     `json:"mirostat"`
	MirostatEta   float64 `json:"mirostat_eta"`
	MirostatTau   float64 `json:"mirostat_tau"`
	StartResponse string  `json:"start_response"`
}

// Turn is the in-flight exchange of one session.
type Turn struct {
	SocketID string
	UserID   int64
	State    State
	Prompt   Prompt

	RouterConfig   []string
	Perms          *security.UserPermissions
	ReasoningAgent string
	EmbeddingModel string

	ConversationID int64
	ParentID       int64
	UserMessageID  int64
	UserFiles      []string
	GeneratedFiles []string

	Icons         []string
	UserShortcuts string
	Shortcuts     string

	UseModel       string
	Visual         bool
	ImageFile      string
	ModelManual    bool
	FunctionManual string

	Guess   *moe.Guess
	Vectors map[string][]float64
	Ability string

	buffer     string
	cursorTail string
	cursorOn   bool
}

// Buffer returns the response accumulated so far.
func (t *Turn) Buffer() string { return t.buffer }

// append adds a fragment. In cursor mode the fragment goes before the
// recorded tail.
func (t *Turn) append(fragment string) {
	if !t.cursorOn || len(t.cursorTail) > len(t.buffer) {
		t.buffer += fragment
		return
	}
	t.buffer = t.buffer[:len(t.buffer)-len(t.cursorTail)] + fragment + t.cursorTail
}

func (t *Turn) setCursor(tail string) {
	t.cursorOn = true
	t.cursorTail = tail
}

func (t *Turn) resetCursor() {
	t.cursorOn = false
	t.cursorTail = ""
}

// parameter returns a turn field by the name chat abilities use for it.
func (t *Turn) parameter(name string) (any, bool) {
	switch name {
	case "guessed_function":
		if t.Guess == nil {
			return nil, false
		}
		return t.Guess.Raw, true
	case "use_model":
		return t.UseModel, true
	case "conversation_id":
		return t.ConversationID, true
	case "user_id":
		return t.UserID, true
	case "user_message_id":
		return t.UserMessageID, true
	case "is_visual_model":
		return t.Visual, true
	case "img_file":
		return t.ImageFile, t.ImageFile != ""
	case "router_config":
		return t.RouterConfig, true
	case "shortcuts":
		return t.Shortcuts, true
	case "user_shortcuts":
		return t.UserShortcuts, true
	case "generated_files":
		return t.GeneratedFiles, true
	case "chat_ability":
		return t.Ability, t.Ability != ""
	default:
		return nil, false
	}
}

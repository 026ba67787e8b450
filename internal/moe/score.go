package moe

import (
	"github.com/noco-ai/arcane-bridge/internal/embeddings"
	"github.com/noco-ai/arcane-bridge/internal/security"
)

// Thresholds are the minimum similarities for routing away from the
// default model.
type Thresholds struct {
	FunctionCall float64
	ModelRoute   float64
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = Thresholds{FunctionCall: 0.95, ModelRoute: 0.9}

// Candidate is the best match of one kind.
type Candidate struct {
	Key   string
	Score float64
}

// Kind is what a turn was routed to.
type Kind int

// Routing outcomes.
const (
	KindDefault Kind = iota
	KindFunction
	KindWorker
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindWorker:
		return "worker"
	default:
		return "default"
	}
}

// Decision is the router's choice for one turn.
type Decision struct {
	Kind Kind
	// Function is the chat ability key for KindFunction.
	Function string
	// Shortcut and RoutingKey name the skill for KindWorker.
	Shortcut   string
	RoutingKey string
	Score      float64
}

// Decide applies the selection rule: a chat ability wins when it clears the
// function threshold and beats the best worker; otherwise a worker wins when
// it clears the routing threshold.
func Decide(fn, worker Candidate, th Thresholds) Decision {
	if fn.Key != "" && fn.Score >= th.FunctionCall && fn.Score > worker.Score {
		return Decision{Kind: KindFunction, Function: fn.Key, Score: fn.Score}
	}
	if worker.Key != "" && worker.Score >= th.ModelRoute {
		return Decision{Kind: KindWorker, Shortcut: worker.Key, Score: worker.Score}
	}
	return Decision{Kind: KindDefault}
}

// BestFunction ranks the chat abilities perms allows against query.
func BestFunction(query []float64, m *embeddings.Map, perms *security.UserPermissions) Candidate {
	allowed := make(map[string][][]float64, len(m.Functions))
	for key, variants := range m.Functions {
		if perms.CanUseFunction(key) {
			allowed[key] = variants
		}
	}
	return top(embeddings.Rank(query, allowed))
}

// BestWorker ranks skills by the better of their special function match
// against fnQuery and their knowledge domain match against domainQuery.
// Candidates are keyed by shortcut; skillOf maps a shortcut to its routing
// key for the permission check.
func BestWorker(fnQuery, domainQuery []float64, m *embeddings.Map, perms *security.UserPermissions, skillOf func(shortcut string) string) Candidate {
	permitted := func(in map[string][][]float64) map[string][][]float64 {
		out := make(map[string][][]float64, len(in))
		for shortcut, variants := range in {
			if key := skillOf(shortcut); key != "" && perms.CanUseSkill(key) {
				out[shortcut] = variants
			}
		}
		return out
	}

	best := top(embeddings.Rank(fnQuery, permitted(m.SkillFunctions)))
	domain := top(embeddings.Rank(domainQuery, permitted(m.Domains)))
	if domain.Score > best.Score || (domain.Score == best.Score && best.Key == "") {
		best = domain
	}
	return best
}

func top(scores []embeddings.Score) Candidate {
	if len(scores) == 0 {
		return Candidate{}
	}
	return Candidate{Key: scores[0].Key, Score: scores[0].Value}
}

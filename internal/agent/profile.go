package agent

// OutputContract declares how an agent's replies are shaped.
type OutputContract string

const (
	// ContractFreeText means the agent replies in prose with no schema.
	ContractFreeText OutputContract = "free_text"
	// ContractStructured means every reply must validate against OutputSchema.
	ContractStructured OutputContract = "structured"
	// ContractMixed means prose with optional embedded structured fragments.
	ContractMixed OutputContract = "mixed"
)

// Profile is the declarative definition of an agent: who it is, what it
// does, and how it is allowed to answer. Profiles form an inheritance
// chain through BaseAgent; the compiler flattens the chain into a single
// instruction block.
type Profile struct {
	Name           string         `json:"name"`
	Model          string         `json:"model"`
	Enabled        bool           `json:"enabled"`
	BaseAgent      string         `json:"base_agent,omitempty"` // empty for root profiles
	Role           string         `json:"role"`
	Task           string         `json:"task,omitempty"`
	Constraints    []string       `json:"constraints,omitempty"`
	Rules          []string       `json:"rules,omitempty"`
	OutputContract OutputContract `json:"output_contract"`
	OutputSchema   string         `json:"output_schema,omitempty"` // JSON Schema source, structured/mixed only
	StateStrategy  []string       `json:"state_strategy,omitempty"`
	AllowedTools   []string       `json:"allowed_tools,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Version        string         `json:"version"`
	Temperature    float64        `json:"temperature,omitempty"`
	TopP           float64        `json:"top_p,omitempty"`
	ContextWindow  int            `json:"context_window,omitempty"`
}

// Valid states a profile may declare in StateStrategy.
var knownStates = map[string]bool{
	"thinking":   true,
	"clarifying": true,
	"acting":     true,
	"streaming":  true,
	"done":       true,
	"refused":    true,
}

// Validate checks the fields a profile must carry before it can be
// stored. Inheritance is not resolved here; dangling BaseAgent refs are
// caught at compile time.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errEmptyName
	}
	if p.Role == "" && p.BaseAgent == "" {
		return fieldError{p.Name, "role", "root profile must declare a role"}
	}
	switch p.OutputContract {
	case ContractFreeText, ContractMixed:
	case ContractStructured:
		if p.OutputSchema == "" && p.BaseAgent == "" {
			return fieldError{p.Name, "output_schema", "structured contract requires a schema"}
		}
	default:
		return fieldError{p.Name, "output_contract", "unknown contract " + string(p.OutputContract)}
	}
	for _, s := range p.StateStrategy {
		if !knownStates[s] {
			return fieldError{p.Name, "state_strategy", "unknown state " + s}
		}
	}
	return nil
}

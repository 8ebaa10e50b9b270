package storage

import "time"

const (
	StepTypePrompt  = "prompt"
	StepTypeCommand = "command"
	StepTypeChain   = "chain"

	RunKindTask  = "task"
	RunKindChain = "chain"

	RunStatePending   = "pending"
	RunStateRunning   = "running"
	RunStateCompleted = "completed"
	RunStateFailed    = "failed"
	RunStateCancelled = "cancelled"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleCommand   = "command"
)

type Provider struct {
	ID         int64
	Name       string
	Kind       string
	BaseURL    string
	EncAPIKey  *string
	ConfigJSON string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Agent struct {
	ID           int64
	Name         string
	ProviderID   int64
	Model        string
	SystemPrompt string
	SettingsJSON string
	MaxTokens    int
	Temperature  float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AgentWithProvider struct {
	Agent
	Provider Provider
}

type Command struct {
	ID             int64
	Name           string
	Description    string
	EnabledDefault bool
}

// CommandToggle is a registry command joined with an agent's enable state.
type CommandToggle struct {
	Name        string
	Description string
	Enabled     bool
}

type Conversation struct {
	ID        string
	AgentID   int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Tokens         int
	CreatedAt      time.Time
}

type Chain struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ChainStep struct {
	ID         int64
	ChainID    int64
	StepNumber int
	AgentID    *int64
	AgentName  string
	StepType   string
	Target     string
	ArgsJSON   string
}

type ChainDetail struct {
	Chain
	Steps []ChainStep
}

type Prompt struct {
	ID          int64
	Name        string
	Content     string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Run struct {
	ID             string
	Kind           string
	AgentID        *int64
	ChainID        *int64
	ConversationID *string
	Input          string
	State          string
	Output         string
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

type RunStep struct {
	RunID      string
	StepNumber int
	Name       string
	State      string
	Output     string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type AuditEntry struct {
	Actor      string
	Action     string
	Entity     string
	DetailJSON string
}

package context

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a model-agnostic chat message used across the context pipeline.
type Message struct {
	Role    Role
	Content string
}

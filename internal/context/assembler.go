package context

// StandardAssembler combines system prompt, history, and user message
// into a single ordered message list.
type StandardAssembler struct{}

// Assemble builds the final message list: system + history + user.
// History turns keep the user role; every other role is sent as assistant,
// history never carries system turns.
func (a *StandardAssembler) Assemble(system string, history []Message, userMsg string) []Message {
	messages := make([]Message, 0, 1+len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	for _, m := range history {
		role := RoleAssistant
		if m.Role == RoleUser {
			role = RoleUser
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userMsg})
	return messages
}

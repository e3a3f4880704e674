package prompts

const DefaultSystem = "You are a helpful assistant. Use the available tools to answer questions about the weather, " +
	"and convert temperatures to celsius when asked. Keep responses concise."

// ForChat resolves the system prompt for a chat request.
func ForChat(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

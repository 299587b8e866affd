package engine

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
)

const promptGuidance = `IMPORTANT INSTRUCTIONS:
- When you use tools, you WILL receive the results
- After receiving tool results, acknowledge them in your response
- If a message was sent successfully, tell the user it was sent
- If a search returns results, use that information in your answer
- If a tool reports an error or that an action was not performed, say so plainly
- Be conversational and helpful
- Don't say you "can't" do things if you have tools for them`

// SystemPrompt renders the fixed system turn injected at the start of every
// conversation. It lists the registered tools and marks the gated ones.
func SystemPrompt(specs []ports.ToolSpec, gate *ApprovalGate) string {
	var b strings.Builder

	if len(specs) == 0 {
		b.WriteString("You are a helpful assistant. Be conversational and helpful.")
		return b.String()
	}

	b.WriteString("You are a helpful assistant with access to tools:\n\n")
	for i, spec := range specs {
		desc := strings.Join(strings.Fields(spec.Description), " ")
		fmt.Fprintf(&b, "%d. **%s**: %s", i+1, spec.Name, desc)
		if gate != nil && gate.RequiresApproval(spec.Name) {
			b.WriteString(" (the user must approve each use before it runs)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(promptGuidance)

	return b.String()
}

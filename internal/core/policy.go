package core

import "strings"

// PolicyFlags are the user-configurable mode switches that shape the system
// instruction. They carry no learned state; SystemPolicy is a pure function
// of them.
type PolicyFlags struct {
	// CodeFirst makes answers to programming questions lead with code.
	CodeFirst bool
	// Concise asks for short, direct answers.
	Concise bool
}

const basePolicy = "You are a helpful assistant."

// SystemPolicy builds the system instruction for the given flags. Identical
// flags always produce identical text.
func SystemPolicy(flags PolicyFlags) string {
	var b strings.Builder
	b.WriteString(basePolicy)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- If the user asks to explain a topic, explain clearly without code.\n")
	if flags.CodeFirst {
		b.WriteString("- If the user asks for code, give the code first, then a short explanation.\n")
	} else {
		b.WriteString("- If the user asks for code, explain the approach first, then give the code.\n")
	}
	b.WriteString("- Never mix code and explanation unless explicitly asked.\n")
	if flags.Concise {
		b.WriteString("- Keep answers short and direct.\n")
	} else {
		b.WriteString("- Keep answers clean and structured.\n")
	}
	return b.String()
}

package core

import (
	"strings"

	"chatstack/internal/llm"
	"chatstack/internal/store"
)

const (
	// DefaultHistoryWindow is how many recent persisted messages are carried
	// into the model context.
	DefaultHistoryWindow = 6
	// DefaultContextCharLimit bounds the retrieved-chunk system entry so the
	// assembled context respects the model's input size.
	DefaultContextCharLimit = 4000
)

const retrievedContextHeader = "Relevant excerpts from the user's uploaded documents, closest match first:\n\n"

// Assembler builds the ordered message list sent to the model from the
// system policy, retrieved chunks, and stored history.
type Assembler struct {
	HistoryWindow    int
	ContextCharLimit int
}

func NewAssembler(historyWindow, contextCharLimit int) *Assembler {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	if contextCharLimit <= 0 {
		contextCharLimit = DefaultContextCharLimit
	}
	return &Assembler{
		HistoryWindow:    historyWindow,
		ContextCharLimit: contextCharLimit,
	}
}

// Build returns [system policy, (retrieved context), recent history..., user
// message]. History must arrive oldest to newest; only the most recent
// HistoryWindow entries are kept. The chunk entry is the concatenation of
// chunks in the given order (nearest first), truncated to ContextCharLimit
// characters.
func (a *Assembler) Build(policy string, chunks []string, history []store.Message, userText string) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history)+3)
	messages = append(messages, llm.ChatMessage{Role: store.RoleSystem, Content: policy})

	if len(chunks) > 0 {
		joined := strings.Join(chunks, "\n\n")
		if len(joined) > a.ContextCharLimit {
			joined = joined[:a.ContextCharLimit]
		}
		messages = append(messages, llm.ChatMessage{
			Role:    store.RoleSystem,
			Content: retrievedContextHeader + joined,
		})
	}

	if len(history) > a.HistoryWindow {
		history = history[len(history)-a.HistoryWindow:]
	}
	for _, msg := range history {
		messages = append(messages, llm.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	messages = append(messages, llm.ChatMessage{Role: store.RoleUser, Content: userText})
	return messages
}

package core

import (
	"fmt"
	"strings"

	"edustack.com/course-assistant/internal/llm"
)

// maxHistoryMessages caps how much prior conversation goes into the
// prompt.
const maxHistoryMessages = 10

const baseSystemPrompt = `You are a helpful educational assistant for an online learning platform. ` +
	`You help students understand their course material, answer questions clearly, and encourage learning. ` +
	`Answer in the same language the student writes in. ` +
	`If you are not sure about something, say so instead of guessing.`

// buildSystemPrompt returns the base instruction, extended with a
// grounding block when retrieved course context is available.
func buildSystemPrompt(contextChunks []SearchResult) string {
	if len(contextChunks) == 0 {
		return baseSystemPrompt
	}

	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	b.WriteString("\n\nRELEVANT COURSE CONTEXT:\n")
	b.WriteString("Use the following excerpts from the student's course material to ground your answer. ")
	b.WriteString("Prefer this material over general knowledge when they conflict.\n")
	for i, chunk := range contextChunks {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, chunk.Content)
	}
	return b.String()
}

// buildPromptMessages assembles the upstream message list: system
// instruction, capped history, then the current user message.
func buildPromptMessages(history []llm.Message, userMessage string, contextChunks []SearchResult) []llm.Message {
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: buildSystemPrompt(contextChunks)})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
	return messages
}

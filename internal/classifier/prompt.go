package classifier

import "strings"

const systemPrompt = `You are a memory classification system for a voice assistant. Decide whether a conversation should be stored and how.

Classify the conversation into ONE category:

1. EPHEMERAL - do not store
   - greetings, goodbyes, acknowledgments ("ok", "thanks")
   - time, date and weather questions
   - media commands ("play music", "pause", "skip")

2. CONVERSATIONAL - keep as history only
   - jokes, stories, general knowledge questions
   - chitchat with no personal information

3. FACTUAL - keep and extract durable facts
   - personal information (name, birthday, location, job, family)
   - preferences, opinions, plans and decisions
   - corrections ("actually, I live in ...")
   - anything starting with "remember that" or "don't forget"

For FACTUAL conversations, extract each fact as a complete, self-contained sentence about the user (for example "User's name is Alice", not "Alice"), and pick a fact_category:
PERSONAL, PREFERENCE, KNOWLEDGE, CONTEXT or OPINION.

Importance:
- EPHEMERAL: 0.0
- CONVERSATIONAL: 0.1-0.4
- FACTUAL: 0.5-1.0 (0.5-0.6 minor preference, 0.7-0.8 notable preference or context, 0.9-1.0 critical personal information)

Reply with a single JSON object and nothing else:
{"category": "EPHEMERAL|CONVERSATIONAL|FACTUAL", "importance_score": 0.0, "fact_category": "...", "extracted_facts": ["..."], "reasoning": "..."}`

func userPrompt(userInput, assistantResponse, intentType string) string {
	var b strings.Builder
	b.WriteString("Classify this conversation:\n\nUser: ")
	b.WriteString(strings.TrimSpace(userInput))
	b.WriteString("\nAssistant: ")
	b.WriteString(strings.TrimSpace(assistantResponse))
	if intent := strings.TrimSpace(intentType); intent != "" {
		b.WriteString("\nIntent Type: ")
		b.WriteString(intent)
	}
	b.WriteString("\n\nProvide the classification as JSON.")
	return b.String()
}

package memory

import "strings"

// ContextHeader opens every formatted memory block.
const ContextHeader = "Relevant information from memory:"

// FormatContextForPrompt renders results as a bulleted block for prompt
// injection. Lines are added greedily while the total stays within
// maxLength; a line that would overflow ends the block. When not even one
// line fits the header is returned on its own.
func FormatContextForPrompt(results []RetrievalResult, maxLength int) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(ContextHeader)
	for _, r := range results {
		line := formatLine(r)
		if line == "" {
			continue
		}
		if b.Len()+1+len(line) > maxLength {
			break
		}
		b.WriteByte('\n')
		b.WriteString(line)
	}
	return b.String()
}

func formatLine(r RetrievalResult) string {
	content := strings.Join(strings.Fields(r.Content), " ")
	if content == "" {
		return ""
	}
	if r.SessionID != nil {
		return "- [this session] " + content
	}
	return "- " + content
}

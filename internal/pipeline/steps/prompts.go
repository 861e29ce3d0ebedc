package steps

import (
	"fmt"
	"strings"

	"github.com/kalambet/docminer/internal/model"
)

const classifySystemPrompt = `You review community chat history for a software product and find conversations that reveal something the product documentation should cover. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Only messages listed under [Messages] may appear in message_ids. [Context] messages are background and must never be listed.
- Group messages that belong to the same conversation into one thread.
- Skip greetings, chit-chat, and anything already answered by obvious documentation.
- For each thread, explain why it has documentation value and give search keywords plus a one-sentence semantic query for finding the relevant documentation pages.
- Return an empty threads list when nothing is worth documenting.`

const generateSystemPrompt = `You are a technical writer maintaining product documentation. Given a community conversation and the most relevant existing documentation, propose concrete documentation changes. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Ground every proposal in the documentation excerpts provided; page must be the file path of an existing page.
- Use INSERT to add new content, UPDATE to change existing content, DELETE to remove outdated content, NONE when no change is needed.
- suggested_text must be ready to paste and match the format of the target file.
- Never include credentials, tokens, or personal data in suggested_text.
- If the conversation does not justify any change, set proposals_rejected to true and explain why in rejection_reason.`

const reformatSystemPrompt = `You fix formatting errors in documentation snippets. Return the same content with the formatting repaired so that it is valid %s. Do not change the meaning or add new content. Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

const condenseSystemPrompt = `You shorten documentation snippets. Rewrite the text so that it is at most %d characters, aiming for about %d, while keeping every instruction, command, and caveat. Keep the original format. Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

const timeLayout = "2006-01-02 15:04"

func writeMessage(sb *strings.Builder, m model.Message) {
	fmt.Fprintf(sb, "[%s] %s %s", m.ID, m.Timestamp.UTC().Format(timeLayout), m.Author)
	if m.Channel != "" {
		fmt.Fprintf(sb, " #%s", m.Channel)
	}
	sb.WriteString(": ")
	sb.WriteString(strings.TrimSpace(m.Content))
	sb.WriteByte('\n')
}

// buildClassifyPrompt lists context messages as background and numbers the
// batch messages by id.
func buildClassifyPrompt(msgs, contextMsgs []model.Message, categories []string) string {
	var sb strings.Builder
	if len(categories) > 0 {
		fmt.Fprintf(&sb, "Allowed categories: %s\n\n", strings.Join(categories, ", "))
	}
	if len(contextMsgs) > 0 {
		sb.WriteString("[Context]\n")
		for _, m := range contextMsgs {
			writeMessage(&sb, m)
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("[Messages]\n")
	for _, m := range msgs {
		writeMessage(&sb, m)
	}
	return sb.String()
}

// buildGeneratePrompt combines a thread, its messages and the retrieved
// documentation.
func buildGeneratePrompt(t model.Thread, msgs []model.Message, docs []model.RagDocument, maxProposals int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Thread]\nCategory: %s\nSummary: %s\n", t.Category, t.Summary)
	if t.DocValueReason != "" {
		fmt.Fprintf(&sb, "Why it matters: %s\n", t.DocValueReason)
	}

	sb.WriteString("\n[Conversation]\n")
	for _, m := range msgs {
		writeMessage(&sb, m)
	}

	sb.WriteString("\n[Documentation]\n")
	for i, d := range docs {
		fmt.Fprintf(&sb, "--- %d. %s (%s, similarity %.2f)\n%s\n", i+1, d.Title, d.FilePath, d.Similarity, strings.TrimSpace(d.Content))
	}

	fmt.Fprintf(&sb, "\nPropose at most %d changes.", maxProposals)
	return sb.String()
}

package automemory

import (
	"strings"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
)

const promptHeader = `You are maintaining long-term memory for a coding session. Read the
session excerpt below and decide what is worth remembering.

Reply with a single JSON object and nothing else:

{
  "no_reply": false,
  "title": "short title for this memory",
  "tags": ["topic", "..."],
  "daily_markdown": "markdown bullet list of what happened and what is in progress",
  "curated_markdown": "markdown bullet list of durable facts, decisions and conventions"
}

Rules:
- Set "no_reply" to true, and leave the other fields empty, when nothing is worth keeping.
- Leave "curated_markdown" empty unless something should be remembered beyond today.
- Do not invent details that are not in the excerpt.
- Do not call tools or edit files.

Session excerpt:
`

// BuildPrompt renders the summarizer instructions followed by the snapshot.
func BuildPrompt(snap *memory.Snapshot) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString(snap.Render())
	return b.String()
}

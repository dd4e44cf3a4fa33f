package router

import (
	"fmt"
	"strings"

	"github.com/crewkit/crewd/pkg/state"
)

const routerPromptHeader = `You are the Router for a product team. Read the conversation and decide
which team member should act next, or FINISH when the work is done.

## Team
`

const routerPromptRules = `
## Rules

- Pick the single member best equipped for the immediate next step.
- Do not re-invoke a member whose contribution already covers the need;
  the contributor list below shows who has spoken.
- Return FINISH when the user's request has been answered or no member can
  add anything useful.
- Decide from the conversation content, not from the order members are
  listed in.`

// systemPrompt assembles the Router prompt: the fixed header and rules,
// the live roster, the contributor list, and the plugin block.
func (r *Router) systemPrompt(st *state.State) string {
	var b strings.Builder
	b.WriteString(routerPromptHeader)
	for _, e := range r.agents.Entries() {
		if e.Plugin {
			// Plugins are described by the registry's own block below.
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Name, e.Role)
	}
	b.WriteString(routerPromptRules)

	if len(st.Contributors) > 0 {
		fmt.Fprintf(&b, "\n\nAlready contributed: %s.", strings.Join(st.Contributors, ", "))
	}
	if pluginBlock := r.agents.RouterContext(); pluginBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(pluginBlock, "\n"))
	}
	return b.String()
}

// jsonInstruction is the L1 coda demanding a parseable decision object.
func jsonInstruction(space []string) string {
	return fmt.Sprintf(
		"Reply with a single JSON object of the form {\"next\": \"Name\", \"reasoning\": \"why\"} and nothing else. next must be one of: %s.",
		strings.Join(space, ", "))
}

package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/state"
)

// rule maps word-boundary keyword hits in the latest user message to one
// built-in agent. Order matters: the first matching rule wins.
type rule struct {
	agent   string
	pattern *regexp.Regexp
}

func newRule(agentName string, keywords ...string) rule {
	for i, kw := range keywords {
		keywords[i] = regexp.QuoteMeta(kw)
	}
	return rule{
		agent:   agentName,
		pattern: regexp.MustCompile(`(?i)\b(` + strings.Join(keywords, "|") + `)\b`),
	}
}

var ruleTable = []rule{
	newRule(agent.Security, "security", "vulnerability", "vulnerabilities", "exploit", "pentest", "cve", "audit"),
	newRule(agent.SRE, "deploy", "deployment", "release", "rollback", "kubernetes", "incident", "outage", "oncall"),
	newRule(agent.Designer, "design", "ux", "ui", "wireframe", "mockup", "prototype"),
	newRule(agent.Builder, "build", "implement", "code", "fix", "bug", "refactor"),
	newRule(agent.Tester, "test", "tests", "qa", "coverage", "regression"),
	newRule(agent.Architect, "architecture", "database", "schema", "scalability"),
	newRule(agent.Researcher, "research", "investigate", "compare", "competitors"),
	newRule(agent.Writer, "document", "documentation", "docs", "readme", "changelog"),
	newRule(agent.Marketer, "marketing", "announcement", "positioning"),
	newRule(agent.Analyst, "analyze", "analysis", "metrics", "estimate"),
	newRule(agent.Planner, "roadmap", "milestones", "prioritize"),
}

// ruleDecision is the L3 fallback. It scans the latest user message against
// the built-in keyword table and defaults to the ProductManager, so it
// always produces a decision.
func (r *Router) ruleDecision(st *state.State) Decision {
	message := st.LastUserMessage()
	for _, rl := range ruleTable {
		if m := rl.pattern.FindString(message); m != "" {
			return Decision{
				Next:      rl.agent,
				Reasoning: fmt.Sprintf("keyword %q matched", strings.ToLower(m)),
			}
		}
	}
	return Decision{
		Next:      agent.ProductManager,
		Reasoning: "no keyword matched, defaulting to the product lead",
	}
}

package agent

import "github.com/crewkit/crewd/pkg/state"

// Built-in agent names. Graph edges, keyword routing, and the phase
// workflows refer to agents by these.
const (
	ProductManager = "ProductManager"
	Researcher     = "Researcher"
	Analyst        = "Analyst"
	Designer       = "Designer"
	Architect      = "Architect"
	Planner        = "Planner"
	Builder        = "Builder"
	Reviewer       = "Reviewer"
	Tester         = "Tester"
	Security       = "Security"
	SRE            = "SRE"
	Writer         = "Writer"
	Marketer       = "Marketer"
)

// Builtin returns the thirteen-member team. Strategy and design members
// reason in text or emit planning artifacts; the Builder owns the workspace
// tool set and the retry self-loop; ship members handle release and
// communication.
func Builtin() []Entry {
	return []Entry{
		{
			Name:         ProductManager,
			Role:         "Owns product strategy. Writes the PRD, ranks requirements, and decides scope.",
			SystemPrompt: productManagerPrompt,
			Temperature:  0.3,
			OutputSchema: state.ArtifactPRD,
			Keywords:     []string{"product", "requirements", "prd", "scope", "roadmap", "feature"},
		},
		{
			Name:         Researcher,
			Role:         "Gathers external evidence with web search and source fetching.",
			SystemPrompt: researcherPrompt,
			Temperature:  0.2,
			Tools:        []string{"web_search", "http_fetch"},
			Keywords:     []string{"research", "sources", "compare", "competitor", "investigate"},
		},
		{
			Name:         Analyst,
			Role:         "Analyzes markets, users, and data; sizes opportunities.",
			SystemPrompt: analystPrompt,
			Temperature:  0.3,
			Keywords:     []string{"analysis", "metrics", "data", "market", "estimate"},
		},
		{
			Name:         Designer,
			Role:         "Designs user experience, flows, and interfaces.",
			SystemPrompt: designerPrompt,
			Temperature:  0.7,
			Keywords:     []string{"design", "ux", "ui", "wireframe", "mockup", "interface"},
		},
		{
			Name:         Architect,
			Role:         "Defines the technical architecture and writes the tech plan.",
			SystemPrompt: architectPrompt,
			Temperature:  0.2,
			OutputSchema: state.ArtifactTechPlan,
			Keywords:     []string{"architecture", "technical", "database", "schema", "api", "scalability"},
		},
		{
			Name:         Planner,
			Role:         "Breaks approved plans into ordered, estimated work items.",
			SystemPrompt: plannerPrompt,
			Temperature:  0.2,
			Keywords:     []string{"plan", "breakdown", "tasks", "milestones", "sprint"},
		},
		{
			Name:         Builder,
			Role:         "Implements code in the workspace, runs commands, and verifies with tests.",
			SystemPrompt: builderPrompt,
			Temperature:  0.2,
			Tools:        []string{"read_file", "write_file", "list_dir", "run_command", "run_tests"},
			SelfLoop:     true,
			Keywords:     []string{"build", "implement", "code", "write", "fix", "bug", "refactor"},
		},
		{
			Name:         Reviewer,
			Role:         "Reviews code changes for correctness and style.",
			SystemPrompt: reviewerPrompt,
			Temperature:  0.2,
			OutputSchema: state.ArtifactCodeReview,
			Keywords:     []string{"review", "feedback", "quality", "readability"},
		},
		{
			Name:         Tester,
			Role:         "Designs test plans and verifies behavior.",
			SystemPrompt: testerPrompt,
			Temperature:  0.2,
			OutputSchema: state.ArtifactTestPlan,
			Keywords:     []string{"test", "qa", "verify", "coverage", "regression"},
		},
		{
			Name:         Security,
			Role:         "Audits for vulnerabilities and writes the security review.",
			SystemPrompt: securityPrompt,
			Temperature:  0.2,
			OutputSchema: state.ArtifactSecurityReview,
			Keywords:     []string{"security", "vulnerability", "exploit", "auth", "encryption", "audit"},
		},
		{
			Name:         SRE,
			Role:         "Handles deployment, releases, and operations.",
			SystemPrompt: srePrompt,
			Temperature:  0.2,
			Tools:        []string{"run_command", "git_ops", "http_fetch"},
			Keywords:     []string{"deploy", "release", "rollback", "monitoring", "incident", "infra"},
		},
		{
			Name:         Writer,
			Role:         "Writes documentation, guides, and announcements.",
			SystemPrompt: writerPrompt,
			Temperature:  0.7,
			Keywords:     []string{"docs", "documentation", "guide", "readme", "changelog"},
		},
		{
			Name:         Marketer,
			Role:         "Crafts positioning, launch copy, and go-to-market material.",
			SystemPrompt: marketerPrompt,
			Temperature:  0.8,
			Keywords:     []string{"marketing", "launch", "positioning", "copy", "announcement"},
		},
	}
}

// RegisterBuiltin loads the built-in team into a registry.
func RegisterBuiltin(r *Registry) error {
	for _, e := range Builtin() {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

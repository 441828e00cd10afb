package domain

// Category names a coherent bundle of tools exposed to the agent together.
// The set is fixed at process start; every category referenced by the
// classifier, the keyword tables, or the catalog must appear here.
type Category string

// Capability categories. Service categories with side effects are split
// into read and write halves so the router can withhold mutating tools
// from requests that only ask questions.
const (
	CategoryJiraRead    Category = "jira_read"
	CategoryJiraWrite   Category = "jira_write"
	CategoryGitHubRead  Category = "github_read"
	CategoryGitHubWrite Category = "github_write"
	CategoryFigma       Category = "figma"
	CategorySystem      Category = "system"
	CategoryAudio       Category = "audio"
	CategoryCalendar    Category = "calendar"
	CategorySlack       Category = "slack"
	CategoryFiles       Category = "files"

	// CategoryGeneral carries zero tools; plain conversation.
	CategoryGeneral Category = "general"
)

// Categories lists every known category in stable order. Classification
// results preserve this order so tool signatures are deterministic.
var Categories = []Category{
	CategoryJiraRead,
	CategoryJiraWrite,
	CategoryGitHubRead,
	CategoryGitHubWrite,
	CategoryFigma,
	CategorySystem,
	CategoryAudio,
	CategoryCalendar,
	CategorySlack,
	CategoryFiles,
	CategoryGeneral,
}

// CapabilityRegistry maps categories to the tools they expose.
type CapabilityRegistry interface {
	// Categories returns every registered category.
	Categories() []Category
	// ToolsFor returns the tools for one category. The zero-tool general
	// category yields an empty slice; unregistered names yield
	// ErrUnknownCategory.
	ToolsFor(cat Category) ([]Tool, error)
	// Select flattens a classification result into a deduplicated tool
	// list. Unknown categories contribute zero tools rather than failing.
	Select(cats []Category) []Tool
}

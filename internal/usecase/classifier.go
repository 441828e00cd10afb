package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"edith/internal/domain"
)

// Messages shorter than this that miss every keyword are treated as
// chitchat and short-circuited to general without a model call.
const shortCircuitTokens = 5

// keywordTable maps each category to the literal substrings that select it
// during the fast pass. Matching is case-insensitive substring containment;
// the table is data, the matching routine is generic.
var keywordTable = map[domain.Category][]string{
	domain.CategoryJiraRead:    {"sprint", "epic", "backlog", "kanban", "my tickets", "list tickets"},
	domain.CategoryJiraWrite:   {"create a ticket", "create ticket", "new ticket", "update ticket", "delete ticket", "close ticket", "assign"},
	domain.CategoryGitHubRead:  {"pr", "pull request", "commit", "repo", "branch", "check runs"},
	domain.CategoryGitHubWrite: {"push", "create repo", "new repo", "create issue", "merge"},
	domain.CategoryFigma:       {"figma", "design", "mockup", "wireframe", "ux", "ui"},
	domain.CategorySystem:      {"open", "launch", "terminal", "command", "cpu", "battery", "status"},
	domain.CategoryAudio:       {"transcribe", "speak", "voice", "listen", "say"},
	domain.CategoryCalendar:    {"calendar", "meeting", "schedule", "event", "agenda", "invite"},
	domain.CategorySlack:       {"slack", "announce", "broadcast", "notify the team"},
	domain.CategoryFiles:       {"read file", "read the file", "pdf", "docx", "document", "downloads folder"},
}

// coarseEntry pairs an ambiguous service mention with the category pair it
// expands to. Consulted only when the primary table matched nothing: a bare
// "jira" could mean reading or writing, so both halves are exposed rather
// than guessing.
type coarseEntry struct {
	keyword    string
	categories []domain.Category
}

var coarseTable = []coarseEntry{
	{"jira", []domain.Category{domain.CategoryJiraRead, domain.CategoryJiraWrite}},
	{"github", []domain.Category{domain.CategoryGitHubRead, domain.CategoryGitHubWrite}},
}

// Classifier decides which capability categories an incoming message needs.
// The fast pass is a synchronous keyword scan; ambiguous messages fall
// through to a deterministic classification model. All failure modes
// degrade to the no-tool general category.
type Classifier struct {
	registry  domain.CapabilityRegistry
	completer domain.Completer // nil = fast pass only
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewClassifier creates an intent classifier. completer may be nil, in
// which case ambiguous messages classify as general.
func NewClassifier(registry domain.CapabilityRegistry, completer domain.Completer, bus domain.EventBus, logger *slog.Logger) *Classifier {
	return &Classifier{
		registry:  registry,
		completer: completer,
		bus:       bus,
		logger:    logger,
	}
}

// Classify maps a message to an ordered, deduplicated, non-empty category
// set. It never fails: classification errors fall open to general.
func (c *Classifier) Classify(ctx context.Context, message string) []domain.Category {
	lower := strings.ToLower(message)

	// Fast pass: scan the keyword table in stable category order.
	var cats []domain.Category
	for _, cat := range domain.Categories {
		for _, kw := range keywordTable[cat] {
			if strings.Contains(lower, kw) {
				cats = append(cats, cat)
				break
			}
		}
	}

	// Coarse pass: bare service mentions expand to read+write.
	if len(cats) == 0 {
		for _, entry := range coarseTable {
			if strings.Contains(lower, entry.keyword) {
				cats = append(cats, entry.categories...)
			}
		}
	}

	if len(cats) > 0 {
		c.record(ctx, "fast", cats)
		return cats
	}

	// Short greetings and chitchat are not worth a model round trip.
	if len(strings.Fields(message)) < shortCircuitTokens {
		cats = []domain.Category{domain.CategoryGeneral}
		c.record(ctx, "short_circuit", cats)
		return cats
	}

	return c.slowPass(ctx, message)
}

// slowPass asks the classification model and filters its answer against
// the registry, silently dropping hallucinated categories.
func (c *Classifier) slowPass(ctx context.Context, message string) []domain.Category {
	if c.completer == nil {
		cats := []domain.Category{domain.CategoryGeneral}
		c.record(ctx, "slow_failed", cats)
		return cats
	}

	out, err := c.completer.Complete(ctx, classifierPrompt+message)
	if err != nil {
		c.logger.Warn("classification model failed, falling back to general", "error", err)
		cats := []domain.Category{domain.CategoryGeneral}
		c.record(ctx, "slow_failed", cats)
		return cats
	}

	known := make(map[domain.Category]bool, len(c.registry.Categories()))
	for _, cat := range c.registry.Categories() {
		known[cat] = true
	}

	var cats []domain.Category
	seen := make(map[domain.Category]bool)
	for _, tok := range strings.Split(strings.ToLower(strings.TrimSpace(out)), ",") {
		cat := domain.Category(strings.TrimSpace(tok))
		if known[cat] && !seen[cat] {
			seen[cat] = true
			cats = append(cats, cat)
		}
	}

	if len(cats) == 0 {
		cats = []domain.Category{domain.CategoryGeneral}
	}
	c.record(ctx, "slow", cats)
	return cats
}

// record logs and publishes classification provenance. Diagnostic only.
func (c *Classifier) record(ctx context.Context, pass string, cats []domain.Category) {
	names := make([]string, len(cats))
	for i, cat := range cats {
		names[i] = string(cat)
	}
	c.logger.Debug("intent classified", "pass", pass, "categories", names)

	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.IntentClassifiedPayload{Pass: pass, Categories: names})
	if err != nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{
		Type:      domain.EventIntentClassified,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// classifierPrompt enumerates every category with examples. The model is
// expected to answer with a single comma-separated line.
const classifierPrompt = `You are a fast intent classifier for an AI assistant named E.D.I.T.H.
Your ONLY job is to classify the user's message into ONE OR MORE categories.

CATEGORIES:
- jira_read: Reading tickets, issues, epics, sprints, backlogs, task tracking queries
- jira_write: Creating, updating, or deleting Jira tickets and projects
- github_read: Listing repositories, commits, pull requests, code reviews, check runs
- github_write: Creating repositories or issues, pushing, merging
- figma: Designs, mockups, UI/UX, wireframes, Figma files, design comments
- system: Opening apps, running commands, terminal, system status, launching programs
- audio: Transcription, text-to-speech, voice, audio files
- calendar: Meetings, events, schedules, availability
- slack: Announcing or broadcasting messages to team channels
- files: Reading local files and documents (txt, pdf, docx)
- general: Casual conversation, greetings, questions that don't need tools

RULES:
1. Output ONLY the category name(s), comma-separated if multiple apply
2. If unsure, output "general"
3. Do NOT explain, do NOT add any other text
4. Be fast and decisive

EXAMPLES:
User: "How many epics do I have?" -> jira_read
User: "Check my open PRs on the EDITH repo" -> github_read
User: "Create a ticket for the login bug" -> jira_write
User: "Open Chrome and go to Figma" -> system,figma
User: "Hello, how are you?" -> general
User: "Read the comments on the dashboard design" -> figma
User: "Tell the team the deploy is done" -> slack
User: "What's on my calendar tomorrow?" -> calendar

User message: `

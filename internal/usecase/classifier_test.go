package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edith/internal/domain"
)

func newTestClassifier(completer domain.Completer) *Classifier {
	return NewClassifier(newStubRegistry(), completer, &recordingBus{}, newTestLogger())
}

func TestClassifyFastPassSkipsModel(t *testing.T) {
	completer := &mockCompleter{out: "general"}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "How many epics are in the current sprint?")

	assert.Equal(t, []domain.Category{domain.CategoryJiraRead}, cats)
	assert.Zero(t, completer.calls(), "fast pass must not call the model")
}

func TestClassifyMultipleCategories(t *testing.T) {
	c := newTestClassifier(&mockCompleter{})

	cats := c.Classify(context.Background(), "Open Chrome and check the dashboard mockup")

	assert.Contains(t, cats, domain.CategorySystem)
	assert.Contains(t, cats, domain.CategoryFigma)
}

func TestClassifyCategoryOrderIsStable(t *testing.T) {
	c := newTestClassifier(&mockCompleter{})

	// Both orderings of the same request must produce the same set in
	// the same stable order.
	first := c.Classify(context.Background(), "launch the terminal and fix the wireframe please")
	second := c.Classify(context.Background(), "fix the wireframe and launch the terminal please")

	assert.Equal(t, first, second)
	assert.Equal(t, []domain.Category{domain.CategoryFigma, domain.CategorySystem}, first)
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := newTestClassifier(&mockCompleter{})

	cats := c.Classify(context.Background(), "WHAT IS LEFT IN THE SPRINT BACKLOG TODAY?")

	assert.Equal(t, []domain.Category{domain.CategoryJiraRead}, cats)
}

func TestClassifyCoarsePairOnBareService(t *testing.T) {
	completer := &mockCompleter{out: "general"}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "anything new happening with jira lately?")

	assert.Equal(t, []domain.Category{domain.CategoryJiraRead, domain.CategoryJiraWrite}, cats)
	assert.Zero(t, completer.calls())
}

func TestClassifyCoarseSkippedWhenPrimaryMatches(t *testing.T) {
	c := newTestClassifier(&mockCompleter{})

	// "create a ticket" hits jira_write directly; the bare "jira" mention
	// must not add the read half.
	cats := c.Classify(context.Background(), "please create a ticket in jira for the login bug")

	assert.Equal(t, []domain.Category{domain.CategoryJiraWrite}, cats)
}

func TestClassifyShortCircuitToGeneral(t *testing.T) {
	completer := &mockCompleter{out: "jira_read"}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "hey there friend")

	assert.Equal(t, []domain.Category{domain.CategoryGeneral}, cats)
	assert.Zero(t, completer.calls(), "short messages must not call the model")
}

func TestClassifySlowPassParsesModelOutput(t *testing.T) {
	completer := &mockCompleter{out: " github_read , figma "}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "could you summarize what the team shipped this past week")

	require.Equal(t, 1, completer.calls())
	assert.Equal(t, []domain.Category{domain.CategoryGitHubRead, domain.CategoryFigma}, cats)
}

func TestClassifySlowPassDropsHallucinatedCategories(t *testing.T) {
	completer := &mockCompleter{out: "jira_read, time_travel, jira_read"}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "could you summarize what the team worked on this week")

	assert.Equal(t, []domain.Category{domain.CategoryJiraRead}, cats)
}

func TestClassifySlowPassAllHallucinatedFallsToGeneral(t *testing.T) {
	completer := &mockCompleter{out: "time_travel, teleport"}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "could you summarize what the team worked on this week")

	assert.Equal(t, []domain.Category{domain.CategoryGeneral}, cats)
}

func TestClassifyModelFailureFallsOpenToGeneral(t *testing.T) {
	completer := &mockCompleter{err: assert.AnError}
	c := newTestClassifier(completer)

	cats := c.Classify(context.Background(), "could you summarize what the team worked on this week")

	assert.Equal(t, []domain.Category{domain.CategoryGeneral}, cats)
}

func TestClassifyNilCompleterFallsToGeneral(t *testing.T) {
	c := newTestClassifier(nil)

	cats := c.Classify(context.Background(), "could you summarize what the team worked on this week")

	assert.Equal(t, []domain.Category{domain.CategoryGeneral}, cats)
}

func TestClassifyPublishesProvenance(t *testing.T) {
	bus := &recordingBus{}
	c := NewClassifier(newStubRegistry(), &mockCompleter{}, bus, newTestLogger())

	c.Classify(context.Background(), "show me the sprint board")

	events := bus.byType(domain.EventIntentClassified)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), `"fast"`)
}

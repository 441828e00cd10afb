package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// SlackBackend abstracts posting messages to team channels.
type SlackBackend interface {
	Post(ctx context.Context, channel, text string) error
	ListChannels(ctx context.Context) ([]string, error)
}

// MockSlackBackend is a no-op backend for testing/development.
type MockSlackBackend struct{}

func (MockSlackBackend) Post(_ context.Context, _, _ string) error        { return nil }
func (MockSlackBackend) ListChannels(_ context.Context) ([]string, error) { return nil, nil }

// APISlackBackend posts through the Slack Web API.
type APISlackBackend struct {
	client         *slack.Client
	defaultChannel string
}

// NewAPISlackBackend creates a backend from config.
func NewAPISlackBackend(cfg config.SlackConfig) *APISlackBackend {
	return &APISlackBackend{
		client:         slack.New(cfg.BotToken),
		defaultChannel: cfg.DefaultChannel,
	}
}

func (b *APISlackBackend) Post(ctx context.Context, channel, text string) error {
	if channel == "" {
		channel = b.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("no channel given and no default configured")
	}
	_, _, err := b.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	return err
}

func (b *APISlackBackend) ListChannels(ctx context.Context) ([]string, error) {
	channels, _, err := b.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           100,
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
	}
	return names, nil
}

// SlackTools returns the announcement tools.
func SlackTools(backend SlackBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockSlackBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "slack_announce",
			desc: "Post an announcement message to a Slack channel.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel": {"type": "string", "description": "Channel name or id; omit for the default channel"},
					"text": {"type": "string"}
				},
				"required": ["text"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Channel string `json:"channel"`
					Text    string `json:"text"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if err := backend.Post(ctx, p.Channel, p.Text); err != nil {
					logger.Warn("slack post failed", "error", err)
					return errResult(err), nil
				}
				return okText("Announcement posted.")
			},
		},
		&apiTool{
			name:   "slack_list_channels",
			desc:   "List the workspace's public channel names.",
			params: json.RawMessage(`{"type": "object", "properties": {}}`),
			run: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
				names, err := backend.ListChannels(ctx)
				if err != nil {
					logger.Warn("slack list channels failed", "error", err)
					return errResult(err), nil
				}
				if len(names) == 0 {
					return okText("No channels visible.")
				}
				return okJSON(names)
			},
		},
	}
}

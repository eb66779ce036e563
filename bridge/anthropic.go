package bridge

import (
	"context"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/wopr-dev/wopr-acp/errors"
)

// Anthropic executes turns against the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
	mem    *memory
	turns  *turnTracker
}

// NewAnthropic creates an Anthropic-backed bridge.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropic(ctx context.Context, modelName string) (*Anthropic, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &Anthropic{
		client: &client,
		model:  modelName,
		mem:    newMemory(),
		turns:  newTurnTracker(),
	}, nil
}

// ChatTurn streams one turn, delivering text deltas as they arrive.
func (a *Anthropic) ChatTurn(ctx context.Context, sessionID, message string, opts TurnOptions) (*Result, error) {
	ctx, done := a.turns.begin(ctx, sessionID)
	defer done()

	history := append(a.mem.history(sessionID), Message{Role: roleUser, Content: message})
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  convertMessagesToAnthropicMessages(history),
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	var full strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				full.WriteString(d.Text)
				emit(opts, d.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream message from Anthropic")
	}

	response := full.String()
	a.mem.append(sessionID,
		Message{Role: roleUser, Content: message},
		Message{Role: roleAssistant, Content: response},
	)
	return &Result{Response: response, SessionID: sessionID}, nil
}

// Cancel aborts the in-flight turn for sessionID, if any.
func (a *Anthropic) Cancel(ctx context.Context, sessionID string) (bool, error) {
	return a.turns.cancel(sessionID), nil
}

// convertMessagesToAnthropicMessages converts our history format to Anthropic's.
func convertMessagesToAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var anthropicMessages []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case roleAssistant:
			if msg.Content == "" {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{{
					OfText: &anthropic.TextBlockParam{
						Text: msg.Content,
					},
				}},
			})
		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	return anthropicMessages
}

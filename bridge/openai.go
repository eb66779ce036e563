package bridge

import (
	"context"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/wopr-dev/wopr-acp/errors"
)

// OpenAI executes turns against the OpenAI Chat Completion API.
type OpenAI struct {
	client *openai.Client
	model  string
	mem    *memory
	turns  *turnTracker
}

// NewOpenAI creates an OpenAI-backed bridge. It requires the OPENAI_API_KEY
// environment variable to be set and honors OPENAI_BASE_URL for custom
// endpoints.
func NewOpenAI(ctx context.Context, modelName string) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK uses functional options for configuration.
	c := openai.NewClient(options...)
	return &OpenAI{
		client: &c,
		model:  modelName,
		mem:    newMemory(),
		turns:  newTurnTracker(),
	}, nil
}

// ChatTurn streams one turn, delivering content deltas as they arrive.
func (o *OpenAI) ChatTurn(ctx context.Context, sessionID, message string, opts TurnOptions) (*Result, error) {
	ctx, done := o.turns.begin(ctx, sessionID)
	defer done()

	history := append(o.mem.history(sessionID), Message{Role: roleUser, Content: message})
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(history),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			full.WriteString(text)
			emit(opts, text)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to stream message from OpenAI")
	}

	response := full.String()
	o.mem.append(sessionID,
		Message{Role: roleUser, Content: message},
		Message{Role: roleAssistant, Content: response},
	)
	return &Result{Response: response, SessionID: sessionID}, nil
}

// Cancel aborts the in-flight turn for sessionID, if any.
func (o *OpenAI) Cancel(ctx context.Context, sessionID string) (bool, error) {
	return o.turns.cancel(sessionID), nil
}

// convertMessagesToOpenaiContent converts our history format to OpenAI's.
func convertMessagesToOpenaiContent(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case roleAssistant:
			chatMessages = append(chatMessages, openai.AssistantMessage(msg.Content))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

package bridge

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/wopr-dev/wopr-acp/errors"
)

// Bedrock executes turns against Anthropic models on AWS Bedrock.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
	mem     *memory
	turns   *turnTracker
}

// NewBedrock creates a Bedrock-backed bridge.
// It requires AWS credentials to be configured in the environment.
func NewBedrock(ctx context.Context, modelID string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return &Bedrock{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
		region:  region,
		mem:     newMemory(),
		turns:   newTurnTracker(),
	}, nil
}

// ChatTurn streams one turn via InvokeModelWithResponseStream, delivering
// text deltas as Bedrock emits them.
func (b *Bedrock) ChatTurn(ctx context.Context, sessionID, message string, opts TurnOptions) (*Result, error) {
	ctx, done := b.turns.begin(ctx, sessionID)
	defer done()

	history := append(b.mem.history(sessionID), Message{Role: roleUser, Content: message})
	body := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          convertMessagesToBedrockFormat(history),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	stream := out.GetStream()
	defer stream.Close()

	var full strings.Builder
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
			continue
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			full.WriteString(ev.Delta.Text)
			emit(opts, ev.Delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrapf(err, "Bedrock response stream failed")
	}

	response := full.String()
	b.mem.append(sessionID,
		Message{Role: roleUser, Content: message},
		Message{Role: roleAssistant, Content: response},
	)
	return &Result{Response: response, SessionID: sessionID}, nil
}

// Cancel aborts the in-flight turn for sessionID, if any.
func (b *Bedrock) Cancel(ctx context.Context, sessionID string) (bool, error) {
	return b.turns.cancel(sessionID), nil
}

// convertMessagesToBedrockFormat converts our history format to the
// Anthropic-on-Bedrock message shape.
func convertMessagesToBedrockFormat(messages []Message) []map[string]interface{} {
	var bedrockMessages []map[string]interface{}
	for _, msg := range messages {
		role := "user"
		if msg.Role == roleAssistant {
			if msg.Content == "" {
				continue
			}
			role = "assistant"
		}
		bedrockMessages = append(bedrockMessages, map[string]interface{}{
			"role": role,
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": msg.Content,
				},
			},
		})
	}
	return bedrockMessages
}

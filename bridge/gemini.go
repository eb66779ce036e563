package bridge

import (
	"context"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/wopr-dev/wopr-acp/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini executes turns against the Google Gemini API.
type Gemini struct {
	model *genai.GenerativeModel
	mem   *memory
	turns *turnTracker
}

// NewGemini creates a Gemini-backed bridge.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGemini(ctx context.Context, modelName string) (*Gemini, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &Gemini{
		model: client.GenerativeModel(modelName),
		mem:   newMemory(),
		turns: newTurnTracker(),
	}, nil
}

// ChatTurn streams one turn, delivering text parts as they arrive.
func (g *Gemini) ChatTurn(ctx context.Context, sessionID, message string, opts TurnOptions) (*Result, error) {
	ctx, done := g.turns.begin(ctx, sessionID)
	defer done()

	chat := g.model.StartChat()
	chat.History = convertMessagesToGeminiContent(g.mem.history(sessionID))

	iter := chat.SendMessageStream(ctx, genai.Text(message))
	var full strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stream message from Gemini")
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if text, ok := part.(genai.Text); ok && text != "" {
					full.WriteString(string(text))
					emit(opts, string(text))
				}
			}
		}
	}

	response := full.String()
	g.mem.append(sessionID,
		Message{Role: roleUser, Content: message},
		Message{Role: roleAssistant, Content: response},
	)
	return &Result{Response: response, SessionID: sessionID}, nil
}

// Cancel aborts the in-flight turn for sessionID, if any.
func (g *Gemini) Cancel(ctx context.Context, sessionID string) (bool, error) {
	return g.turns.cancel(sessionID), nil
}

// convertMessagesToGeminiContent converts our history format to Gemini's.
func convertMessagesToGeminiContent(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == roleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

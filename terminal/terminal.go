package terminal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/wopr-dev/wopr-acp/bridge"
)

// Terminal is an interactive prompt loop straight against a bridge, useful
// for exercising a backend session without an editor attached.
type Terminal struct {
	bridge    bridge.Bridge
	sessionID string
}

// New creates a Terminal bound to one backend session.
func New(b bridge.Bridge, sessionID string) *Terminal {
	return &Terminal{
		bridge:    b,
		sessionID: sessionID,
	}
}

// Run starts the interactive session.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	fmt.Print("Agent: ")
	_, err := t.bridge.ChatTurn(ctx, t.sessionID, userInput, bridge.TurnOptions{
		From: "terminal",
		OnDelta: func(d bridge.Delta) {
			if d.Kind == bridge.DeltaText {
				fmt.Print(d.Content)
			}
		},
	})
	fmt.Println()
	return err
}

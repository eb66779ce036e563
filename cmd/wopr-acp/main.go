package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wopr-dev/wopr-acp/acp"
	"github.com/wopr-dev/wopr-acp/bridge"
	"github.com/wopr-dev/wopr-acp/config"
	"github.com/wopr-dev/wopr-acp/terminal"
)

func main() {
	bridgeFlag := flag.String("b", "", "Bridge backend: 'anthropic', 'openai', 'gemini', 'bedrock', or 'mock'")
	modelFlag := flag.String("m", "", "Model name for the bridge backend")
	sessionFlag := flag.String("s", "", "Backend session family name")
	interactiveFlag := flag.Bool("i", false, "Run an interactive terminal session instead of the protocol engine")
	traceFlag := flag.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *bridgeFlag != "" {
		cfg.Bridge = *bridgeFlag
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *sessionFlag != "" {
		cfg.DefaultSession = *sessionFlag
	}

	ctx := context.Background()
	br, err := newBridge(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s bridge: %+v\n", cfg.Bridge, err)
		os.Exit(1)
	}

	if *interactiveFlag {
		initialPrompt := strings.Join(flag.Args(), " ")
		fmt.Println("wopr-acp is ready. Type your prompt.")
		term := terminal.New(br, cfg.DefaultSession)
		if err := term.Run(ctx, initialPrompt); err != nil {
			fmt.Fprintf(os.Stderr, "Terminal session stopped with an error: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	// Protocol mode: stdout carries frames only, so startup chatter and
	// trace output stay off it.
	var trace func(string)
	if *traceFlag {
		traceFile, err := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer traceFile.Close()
			trace = func(msg string) {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	fmt.Fprintln(os.Stderr, "Starting wopr-acp protocol engine on stdio...")
	err = acp.Run(ctx, br, os.Stdin, os.Stdout, acp.Options{
		DefaultSession: cfg.DefaultSession,
		Hidden:         cfg.Context.Hidden,
		Trace:          trace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Protocol engine failed: %+v\n", err)
		os.Exit(1)
	}
}

// newBridge selects the bridge backend from configuration. Anything
// unrecognized falls back to the mock, which needs no credentials.
func newBridge(ctx context.Context, cfg *config.Config) (bridge.Bridge, error) {
	switch cfg.Bridge {
	case "anthropic":
		return bridge.NewAnthropic(ctx, cfg.Model)
	case "openai":
		return bridge.NewOpenAI(ctx, cfg.Model)
	case "gemini":
		return bridge.NewGemini(ctx, cfg.Model)
	case "bedrock":
		return bridge.NewBedrock(ctx, cfg.Model)
	default:
		return bridge.NewMock(), nil
	}
}

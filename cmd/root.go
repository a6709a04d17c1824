package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usageText = `aibridge is a gateway that unifies cloud and local chat-completion
backends behind one API, with live usage and cost telemetry.

Usage:
  aibridge serve [flags]

Commands:
  serve    Start the HTTP server

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usageText)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usageText))
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: statum <command> [flags]

commands:
  serve                       run the engine with the MCP stdio server (default); -http adds the panel
  validate <file>...          validate definition files
  diagram [flags] <file>      render a definition file
  version                     print the version
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch cmd {
	case "serve":
		code = runServe(ctx, args)
	case "validate":
		code = runValidate(args, os.Stdout, os.Stderr)
	case "diagram":
		code = runDiagram(ctx, args, os.Stdout, os.Stderr)
	case "version", "-v", "--version":
		printVersion(os.Stdout)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/statum/internal/diagram"
	"github.com/rendis/statum/internal/registry"
)

// runDiagram renders one definition file. Text formats go to stdout unless
// -out is given; image formats require -out.
func runDiagram(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "mermaid", "output format: mermaid, ascii, png, svg, dot")
	out := fs.String("out", "", "output file (default: stdout for text formats)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "diagram: exactly one definition file is required")
		return 2
	}

	def, err := registry.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "diagram: %v\n", err)
		return 1
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		fmt.Fprintf(stderr, "diagram: %v\n", err)
		return 1
	}

	var data []byte
	switch *format {
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "png", "svg", "dot":
		if *format == "png" && *out == "" {
			fmt.Fprintln(stderr, "diagram: -out is required for png")
			return 2
		}
		data, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(*format))
		if err != nil {
			fmt.Fprintf(stderr, "diagram: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "diagram: unknown format %q\n", *format)
		return 2
	}

	if *out == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "diagram: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return 0
}

package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/internal/validation"
)

// runValidate checks every file and prints one line per issue. It returns 1
// when any file fails to parse or has errors.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	strict := fs.Bool("strict", false, "treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "validate: at least one file is required")
		return 2
	}

	validator, err := validation.NewWorkflowValidator(nil)
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return 1
	}

	failed := false
	for _, path := range fs.Args() {
		def, err := registry.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stdout, "FAIL %s\n  %v\n", path, err)
			failed = true
			continue
		}

		result := validator.Validate(def)
		bad := !result.Valid() || (*strict && len(result.Warnings) > 0)
		status := "ok  "
		if bad {
			status = "FAIL"
			failed = true
		}
		fmt.Fprintf(stdout, "%s %s (%s@%d)\n", status, path, def.ID, def.Version)
		for _, issue := range result.Errors {
			fmt.Fprintf(stdout, "  error   %s: %s\n", issue.Path, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Fprintf(stdout, "  warning %s: %s\n", issue.Path, issue.Message)
		}
	}

	if failed {
		return 1
	}
	return 0
}

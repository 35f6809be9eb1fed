package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Execute runs the root command with args and returns the process exit
// code. Errors not already printed by a command go to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.reported {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	if !errors.As(err, &exitErr) {
		// Flag and argument errors from cobra itself.
		return ExitCommandError
	}
	return exitErr.Code
}

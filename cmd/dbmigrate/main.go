package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/cli"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1 // a migration or database operation failed
	exitUsage   = 2 // bad configuration or command line
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one dbmigrate command. With no arguments it applies pending
// migrations. Human readable output goes to stdout, structured logs to stderr.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) == 0 {
		args = []string{"up"}
	}

	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      stdout,
		ErrorWriter: stderr,
	}

	c := &cli.CLI{
		Name:       "dbmigrate",
		Args:       args,
		Commands:   commands(ctx, ui, stderr),
		HelpFunc:   cli.BasicHelpFunc("dbmigrate"),
		HelpWriter: stderr,
	}

	code, err := c.Run()
	if err != nil {
		fmt.Fprintf(stderr, "dbmigrate: %v\n", err)
		return exitUsage
	}
	return code
}

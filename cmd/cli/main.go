package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/refinery/internal/app"
	"github.com/vk/refinery/internal/cli"
	"github.com/vk/refinery/internal/hcl"
	"github.com/vk/refinery/internal/pipeline"
)

// main is the entrypoint for the refinery application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(outW io.Writer, args []string) (err error) {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	// The app panics on critical startup errors; recover here so the
	// process exits with a clean message instead of a stack trace.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application startup panicked: %v", r)
		}
	}()

	loader := hcl.NewLoader()
	refineryApp := app.NewApp(outW, appConfig, loader)
	defer refineryApp.Close()

	report, runErr := refineryApp.Run(context.Background())
	if report == nil {
		return runErr
	}

	switch report.Disposition() {
	case pipeline.DispositionPartial:
		return &cli.ExitError{Code: cli.ExitCodePartial, Message: fmt.Sprintf("partial failure: %v", runErr)}
	case pipeline.DispositionFatal:
		return &cli.ExitError{Code: cli.ExitCodeFatal, Message: fmt.Sprintf("fatal failure: %v", runErr)}
	default:
		return runErr
	}
}

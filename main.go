package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.olrik.dev/ttsrelay/cmd"
)

func main() {
	// If no command specified, default to status
	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "status"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cmd.NewRootCommand()
	err := root.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	// The listener treats SIGTERM as a normal shutdown and notify never fails
	if interrupted && !exitsCleanOnSignal(os.Args[1:]) {
		os.Exit(1)
	}
}

func exitsCleanOnSignal(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "listen", "notify":
			return true
		}
	}
	return false
}

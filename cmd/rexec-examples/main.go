// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command rexec-examples runs the data input and output example workflows
// against a remote analytics service.
//
//	rexec-examples list
//	rexec-examples anon repo-file-in-encoded-data-out
//	rexec-examples auth stateful preload multiple-data-in-multiple-data-out
//	rexec-examples credentials set --username testuser
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/Query-farm/vgi-rexec/internal/present"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newApp(os.Stdout, os.Stderr).rootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprint(os.Stderr, pterm.Error.Sprintln(present.Error("rexec-examples", err)))
		stop()
		os.Exit(1)
	}
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-rexec/examples/dataio"
	"github.com/Query-farm/vgi-rexec/internal/credentials"
	"github.com/Query-farm/vgi-rexec/internal/present"
	"github.com/Query-farm/vgi-rexec/rexec"
)

var groupHelp = map[string]string{
	"anon":     "Workflows on an anonymous connection",
	"auth":     "Workflows on an authenticated connection",
	"stateful": "Workflows that keep state in a session",
	"preload":  "Workflows that preload the session at creation",
}

// workflowCmds builds one command per workflow, nested by the segments of
// its name: "auth/stateful/x" becomes "auth stateful x".
func (a *app) workflowCmds() []*cobra.Command {
	var roots []*cobra.Command
	groups := map[string]*cobra.Command{}
	for _, w := range dataio.Workflows() {
		parts := strings.Split(w.Name, "/")
		var parent *cobra.Command
		for i, part := range parts[:len(parts)-1] {
			path := strings.Join(parts[:i+1], "/")
			g, ok := groups[path]
			if !ok {
				g = &cobra.Command{Use: part, Short: groupHelp[part]}
				groups[path] = g
				if parent == nil {
					roots = append(roots, g)
				} else {
					parent.AddCommand(g)
				}
			}
			parent = g
		}
		leaf := &cobra.Command{
			Use:   parts[len(parts)-1],
			Short: w.Description,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runWorkflow(cmd.Context(), w)
			},
		}
		if parent == nil {
			roots = append(roots, leaf)
		} else {
			parent.AddCommand(leaf)
		}
	}
	return roots
}

func (a *app) runWorkflow(ctx context.Context, w dataio.Workflow) error {
	if w.Authenticated && a.cfg.Password == "" {
		password, err := a.storedPassword()
		if err != nil {
			return fmt.Errorf("no password for %s: set REXEC_PASSWORD or run 'credentials set': %w", a.cfg.Username, err)
		}
		a.cfg.Password = password
	}

	opts, shutdown, err := a.clientOptions()
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	rep, err := w.Run(ctx, a.workflowConfig(opts))
	if rep != nil {
		renderReport(a.out, rep)
	}

	var cw *rexec.CleanupWarning
	if errors.As(err, &cw) {
		headline, hint := present.Describe(err)
		renderWarning(a.out, headline, hint)
		return nil
	}
	if err != nil {
		headline, hint := present.Describe(err)
		renderFailure(a.out, headline, hint)
		return err
	}
	renderSuccess(a.out, w.Name)
	return nil
}

func (a *app) storedPassword() (string, error) {
	store, err := a.openStore()
	if err != nil {
		return "", err
	}
	return store.Resolve(a.cfg.Username, a.cfg.Endpoint, "")
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the example workflows",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return renderWorkflows(a.out, dataio.Workflows())
		},
	}
}

func (a *app) credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage passwords stored in the OS keyring",
	}

	var password string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the password for the configured user and endpoint",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if password == "" {
				password = a.cfg.Password
			}
			if password == "" {
				return errors.New("pass --password or set REXEC_PASSWORD")
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if err := store.SetPassword(a.cfg.Username, a.cfg.Endpoint, password); err != nil {
				return err
			}
			renderSuccess(a.out, "stored password for "+credentials.Key(a.cfg.Username, a.cfg.Endpoint))
			return nil
		},
	}
	set.Flags().StringVar(&password, "password", "", "password to store")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password for the configured user and endpoint",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if err := store.DeletePassword(a.cfg.Username, a.cfg.Endpoint); err != nil {
				return err
			}
			renderSuccess(a.out, "removed password for "+credentials.Key(a.cfg.Username, a.cfg.Endpoint))
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

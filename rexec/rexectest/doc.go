// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package rexectest provides an in-process analytics service for testing
// rexec clients.
//
// A [Service] speaks the same wire protocol as a production service:
// username/password login issuing bearer tokens, stateless and
// project-scoped script execution, repository preloads with public and
// private access, and signed download tokens for artifacts and plots.
// Scripts are Go functions operating on a [ScriptContext].
//
//	svc := rexectest.NewService()
//	svc.AddUser("testuser", "secret")
//	svc.Repository().AddScript(rexectest.Key{Author: "testuser", Directory: "demo", Name: "double.R"},
//		rexectest.Public, func(ctx context.Context, sc *rexectest.ScriptContext) error {
//			...
//		})
//	srv := rexectest.NewTestServer(t, svc)
//	conn, err := rexec.Open(ctx, srv.URL)
package rexectest

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package present turns errors and log text into output fit for a
// terminal: secrets masked, failures described in user terms.
package present

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Query-farm/vgi-rexec/rexec"
)

var (
	rePassword = regexp.MustCompile(`(?i)(password=)([^\s;&]+)`)
	reToken    = regexp.MustCompile(`(?i)(token=|bearer\s+)([A-Za-z0-9._~+/=_-]+)`)
	reUserinfo = regexp.MustCompile(`(?i)(://)([^:/@\s]+):([^@/\s]+)(@)`)
	reFiles    = regexp.MustCompile(`(/files/)([A-Za-z0-9._~-]{16,})`)
)

// Mask replaces secrets in s with "***": passwords, bearer and download
// tokens, and userinfo in URLs.
func Mask(s string) string {
	out := s
	out = rePassword.ReplaceAllString(out, "$1***")
	out = reToken.ReplaceAllString(out, "$1***")
	out = reUserinfo.ReplaceAllString(out, "$1*:*$4")
	out = reFiles.ReplaceAllString(out, "$1***")
	return out
}

// Error formats err for display with masking.
func Error(context string, err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", context, Mask(err.Error()))
}

// Describe returns a short headline for err and a hint on what to do
// about it.
func Describe(err error) (headline, hint string) {
	var cw *rexec.CleanupWarning
	if errors.As(err, &cw) {
		return "Workflow succeeded, but releasing remote resources failed",
			"The service will reclaim them when their tokens expire."
	}

	var ae *rexec.AuthError
	var ee *rexec.ExecutionError
	var se *rexec.SessionClosedError
	switch {
	case errors.Is(err, rexec.ErrReleased):
		return "The connection was already released", "Open a new connection."
	case errors.As(err, &ae):
		if ae.Username != "" {
			return "Login failed for " + ae.Username,
				"Check REXEC_USERNAME and REXEC_PASSWORD, or store a password with 'credentials set'."
		}
		return "This operation needs an authenticated connection", "Run an auth workflow instead."
	case errors.As(err, &se):
		return "The session was closed", "Create a new session and execute again."
	case errors.As(err, &ee):
		switch ee.Kind {
		case "ScriptNotFound":
			return "Script " + ee.Script.String() + " was not found", "Check the script name, directory and author."
		case "AccessDenied":
			return "Access to " + ee.Script.String() + " was denied", "Private resources need their owner's login."
		case "PreloadError":
			return "A preload resource could not be loaded", "Check the workspace or file name."
		case "InvalidRequest":
			return "The request was rejected before sending", "Fix the inputs or output names."
		default:
			return "Script " + ee.Script.String() + " failed", "See the console output above."
		}
	case errors.Is(err, rexec.ErrConnection):
		return "Could not talk to the service", "Check REXEC_ENDPOINT and that the service is running."
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return "Unexpected failure", strings.TrimPrefix(Mask(msg), "rexec: ")
}

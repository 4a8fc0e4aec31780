// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package protocol declares the methods, parameter structs and error types
// spoken between the rexec client and an analytics service.
package protocol

// Method names, routed as POST {endpoint}/{method}.
const (
	MethodPing           = "ping"
	MethodLogin          = "login"
	MethodRelease        = "release"
	MethodExecute        = "execute"
	MethodProjectCreate  = "project_create"
	MethodProjectExecute = "project_execute"
	MethodProjectClose   = "project_close"
)

// FilesPath prefixes artifact downloads: GET {endpoint}/files/{token}.
const FilesPath = "files"

// Remote error types carried in RpcError.Type.
const (
	ErrAuth            = "AuthError"
	ErrAccessDenied    = "AccessDenied"
	ErrScriptNotFound  = "ScriptNotFound"
	ErrScriptError     = "ScriptError"
	ErrPreload         = "PreloadError"
	ErrSessionClosed   = "SessionClosed"
	ErrProjectNotFound = "ProjectNotFound"
	ErrInvalidRequest  = "InvalidRequest"
	ErrFileNotFound    = "FileNotFound"
)

// Status is the lifecycle state of a remote project.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

type PingParams struct {
	Client string `rexec:"client"`
}

type PingResult struct {
	ServerID string `rexec:"server_id"`
	Version  string `rexec:"version"`
}

type LoginParams struct {
	Username string `rexec:"username"`
	Password string `rexec:"password"`
}

type LoginResult struct {
	Token     string `rexec:"token"`
	Principal string `rexec:"principal"`
}

type ReleaseParams struct{}

// ResourceRef names a repository-managed resource by (author, directory, name).
type ResourceRef struct {
	Name      string `rexec:"name"`
	Directory string `rexec:"directory"`
	Author    string `rexec:"author"`
}

// Preload names the resources loaded before inputs are applied. Either or
// both may be nil.
type Preload struct {
	Workspace *ResourceRef `rexec:"workspace"`
	Directory *ResourceRef `rexec:"directory"`
}

// ExecuteParams serves both execute and project_execute; ProjectID is only
// set for the latter. Inputs is an encoded workspace.
type ExecuteParams struct {
	ProjectID string      `rexec:"project_id"`
	Script    ResourceRef `rexec:"script"`
	Inputs    []byte      `rexec:"inputs"`
	Preload   Preload     `rexec:"preload"`
	Outputs   []string    `rexec:"outputs"`
	Blackbox  bool        `rexec:"blackbox,default=false"`
}

// FileInfo describes a downloadable artifact or plot.
type FileInfo struct {
	Name      string `rexec:"name"`
	Token     string `rexec:"token"`
	Size      int64  `rexec:"size"`
	MediaType string `rexec:"media_type"`
}

// ExecuteResult carries the console, encoded output workspace and file
// listings of one execution.
type ExecuteResult struct {
	Console   string     `rexec:"console"`
	Workspace []byte     `rexec:"workspace"`
	Artifacts []FileInfo `rexec:"artifacts"`
	Plots     []FileInfo `rexec:"plots"`
}

type ProjectCreateParams struct {
	Preload Preload `rexec:"preload"`
	Inputs  []byte  `rexec:"inputs"`
}

type ProjectCreateResult struct {
	ProjectID string `rexec:"project_id"`
	Status    string `rexec:"status"`
}

type ProjectCloseParams struct {
	ProjectID string `rexec:"project_id"`
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
	"github.com/Query-farm/vgi-rexec/rexec"
)

// project is a stateful execution context owned by one user and bound to
// the token that created it.
type project struct {
	id      string
	owner   string
	tokenID string

	mu     sync.Mutex // serializes executions
	status protocol.Status
	st     state
}

func (s *Service) registerMethods() {
	Unary(s, protocol.MethodPing, s.ping)
	Unary(s, protocol.MethodLogin, s.login)
	UnaryVoid(s, protocol.MethodRelease, s.release)
	Unary(s, protocol.MethodExecute, s.execute)
	Unary(s, protocol.MethodProjectCreate, s.projectCreate)
	Unary(s, protocol.MethodProjectExecute, s.projectExecute)
	UnaryVoid(s, protocol.MethodProjectClose, s.projectClose)
}

func (s *Service) ping(_ context.Context, cc *CallContext, p protocol.PingParams) (protocol.PingResult, error) {
	cc.ClientLog(wire.LogDebug, "ping", wire.KV{Key: "client", Value: p.Client})
	return protocol.PingResult{ServerID: s.serverID, Version: Version}, nil
}

func (s *Service) login(_ context.Context, cc *CallContext, p protocol.LoginParams) (protocol.LoginResult, error) {
	token, err := s.auth.login(p.Username, p.Password)
	if err != nil {
		s.logger.Info("login rejected", "username", p.Username)
		return protocol.LoginResult{}, err
	}
	cc.ClientLog(wire.LogInfo, "login succeeded", wire.KV{Key: "principal", Value: p.Username})
	return protocol.LoginResult{Token: token, Principal: p.Username}, nil
}

// release revokes the caller's token and discards any project still bound
// to it.
func (s *Service) release(_ context.Context, cc *CallContext, _ protocol.ReleaseParams) error {
	if cc.Principal == "" {
		return wire.Errorf(protocol.ErrAuth, "release requires an authenticated token")
	}
	s.auth.revoke(cc.TokenID)

	s.mu.Lock()
	var dropped []*project
	for _, p := range s.projects {
		if p.tokenID == cc.TokenID {
			dropped = append(dropped, p)
		}
	}
	s.mu.Unlock()
	for _, p := range dropped {
		p.mu.Lock()
		if p.status == protocol.StatusOpen {
			p.status = protocol.StatusClosed
			p.st = state{}
			cc.ClientLog(wire.LogWarn, "project discarded on release", wire.KV{Key: "project", Value: p.id})
		}
		p.mu.Unlock()
	}
	return nil
}

func (s *Service) execute(ctx context.Context, cc *CallContext, p protocol.ExecuteParams) (protocol.ExecuteResult, error) {
	res, _, err := s.run(ctx, cc, p, nil)
	return res, err
}

func (s *Service) projectCreate(_ context.Context, cc *CallContext, p protocol.ProjectCreateParams) (protocol.ProjectCreateResult, error) {
	if cc.Principal == "" {
		return protocol.ProjectCreateResult{}, wire.Errorf(protocol.ErrAuth, "projects require an authenticated user")
	}
	sc := newScriptContext(cc.Principal)
	if err := s.applyPreload(sc, p.Preload, cc.Principal); err != nil {
		return protocol.ProjectCreateResult{}, err
	}
	if err := applyInputs(sc, p.Inputs); err != nil {
		return protocol.ProjectCreateResult{}, err
	}

	proj := &project{
		id:      uuid.NewString(),
		owner:   cc.Principal,
		tokenID: cc.TokenID,
		status:  protocol.StatusOpen,
		st:      sc.snapshot(),
	}
	s.mu.Lock()
	s.projects[proj.id] = proj
	s.mu.Unlock()

	cc.ClientLog(wire.LogInfo, "project created",
		wire.KV{Key: "project", Value: proj.id},
		wire.KV{Key: "variables", Value: strconv.Itoa(len(proj.st.vars))},
		wire.KV{Key: "files", Value: strconv.Itoa(len(proj.st.order))})
	return protocol.ProjectCreateResult{ProjectID: proj.id, Status: string(proj.status)}, nil
}

func (s *Service) projectExecute(ctx context.Context, cc *CallContext, p protocol.ExecuteParams) (protocol.ExecuteResult, error) {
	proj, err := s.project(cc, p.ProjectID)
	if err != nil {
		return protocol.ExecuteResult{}, err
	}
	proj.mu.Lock()
	defer proj.mu.Unlock()
	if proj.status != protocol.StatusOpen {
		return protocol.ExecuteResult{}, wire.Errorf(protocol.ErrSessionClosed, "project %s is closed", proj.id)
	}

	base := proj.st
	res, st, err := s.run(ctx, cc, p, &base)
	if err != nil {
		return protocol.ExecuteResult{}, err
	}
	proj.st = st
	return res, nil
}

func (s *Service) projectClose(_ context.Context, cc *CallContext, p protocol.ProjectCloseParams) error {
	proj, err := s.project(cc, p.ProjectID)
	if err != nil {
		return err
	}
	proj.mu.Lock()
	defer proj.mu.Unlock()
	if proj.status != protocol.StatusOpen {
		return wire.Errorf(protocol.ErrSessionClosed, "project %s is already closed", proj.id)
	}
	proj.status = protocol.StatusClosed
	proj.st = state{}
	cc.ClientLog(wire.LogInfo, "project closed", wire.KV{Key: "project", Value: proj.id})
	return nil
}

func (s *Service) project(cc *CallContext, id string) (*project, error) {
	if cc.Principal == "" {
		return nil, wire.Errorf(protocol.ErrAuth, "projects require an authenticated user")
	}
	s.mu.Lock()
	proj, ok := s.projects[id]
	s.mu.Unlock()
	if !ok {
		return nil, wire.Errorf(protocol.ErrProjectNotFound, "project %q not found", id)
	}
	if proj.owner != cc.Principal {
		return nil, wire.Errorf(protocol.ErrAccessDenied, "project %s belongs to another user", id)
	}
	return proj, nil
}

// run executes one script. base is the persisted project state, or nil for
// a stateless call. The returned state is what a project should persist.
func (s *Service) run(ctx context.Context, cc *CallContext, p protocol.ExecuteParams, base *state) (protocol.ExecuteResult, state, error) {
	script, err := s.repo.script(p.Script, cc.Principal)
	if err != nil {
		return protocol.ExecuteResult{}, state{}, err
	}

	sc := newScriptContext(cc.Principal)
	if base != nil {
		sc.restore(*base)
	}
	if err := s.applyPreload(sc, p.Preload, cc.Principal); err != nil {
		return protocol.ExecuteResult{}, state{}, err
	}
	if err := applyInputs(sc, p.Inputs); err != nil {
		return protocol.ExecuteResult{}, state{}, err
	}
	existing := make(map[string]bool)
	for _, name := range sc.Files() {
		existing[name] = true
	}

	key := keyOf(p.Script).String()
	cc.ClientLog(wire.LogInfo, "executing script",
		wire.KV{Key: "script", Value: key},
		wire.KV{Key: "blackbox", Value: strconv.FormatBool(p.Blackbox)})
	started := time.Now()
	if err := runScript(ctx, script, sc); err != nil {
		cc.ClientLog(wire.LogDebug, "console at failure", wire.KV{Key: "console", Value: sc.Console()})
		return protocol.ExecuteResult{}, state{}, wire.Errorf(protocol.ErrScriptError, "Error in %s: %v", p.Script.Name, err)
	}
	cc.ClientLog(wire.LogDebug, "script completed",
		wire.KV{Key: "script", Value: key},
		wire.KV{Key: "elapsed", Value: time.Since(started).String()})

	var outputs []rexec.Value
	for _, name := range p.Outputs {
		if v, ok := sc.Get(name); ok {
			outputs = append(outputs, v)
		}
	}
	workspace, err := rexec.EncodeWorkspace(outputs)
	if err != nil {
		return protocol.ExecuteResult{}, state{}, wire.Errorf("SerializationError", "%v", err)
	}

	res := protocol.ExecuteResult{
		Console:   sc.Console(),
		Workspace: workspace,
		Artifacts: []protocol.FileInfo{},
		Plots:     []protocol.FileInfo{},
	}
	for _, name := range sc.Files() {
		if p.Blackbox && existing[name] {
			continue
		}
		info, err := s.artifact.put(name, sc.files[name], cc.Principal)
		if err != nil {
			return protocol.ExecuteResult{}, state{}, err
		}
		res.Artifacts = append(res.Artifacts, info)
	}
	for _, pl := range sc.plots {
		info, err := s.artifact.put(pl.name, pl.data, cc.Principal)
		if err != nil {
			return protocol.ExecuteResult{}, state{}, err
		}
		res.Plots = append(res.Plots, info)
	}
	return res, sc.snapshot(), nil
}

func (s *Service) applyPreload(sc *ScriptContext, pl protocol.Preload, principal string) error {
	if pl.Workspace != nil {
		values, err := s.repo.workspace(*pl.Workspace, principal)
		if err != nil {
			return err
		}
		for _, v := range values {
			sc.Set(v)
		}
	}
	if pl.Directory != nil {
		data, err := s.repo.file(*pl.Directory, principal)
		if err != nil {
			return err
		}
		sc.WriteFile(pl.Directory.Name, data)
	}
	return nil
}

func applyInputs(sc *ScriptContext, encoded []byte) error {
	inputs, _, err := rexec.DecodeWorkspace(encoded)
	if err != nil {
		return wire.Errorf(protocol.ErrInvalidRequest, "inputs: %v", err)
	}
	for _, v := range inputs {
		sc.Set(v)
	}
	return nil
}

func runScript(ctx context.Context, script Script, sc *ScriptContext) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("%v", rv)
		}
	}()
	return script(ctx, sc)
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
)

// Version is reported by ping.
const Version = "0.3.0"

const defaultTokenTTL = 5 * time.Minute

// methodInfo stores the registration details for one method.
type methodInfo struct {
	Name         string
	ParamsType   reflect.Type
	ResultType   reflect.Type // nil for void
	ResultSchema *arrow.Schema
	Handler      reflect.Value // func(context.Context, *CallContext, P) (R, error) or func(...) error
}

// Service is an in-process analytics service speaking the rexec wire
// protocol. It owns a script [Repository], a user table, and the stateful
// projects created by clients. Serve it with [Service.ServeHTTP].
type Service struct {
	methods     map[string]*methodInfo
	mux         *http.ServeMux
	serverID    string
	debugErrors bool
	level       int
	logger      *slog.Logger

	repo     *Repository
	auth     *authority
	artifact *artifactStore

	mu       sync.Mutex
	projects map[string]*project
	calls    map[string]int
	faults   map[string]*wire.RpcError
}

// NewService returns a Service with the standard methods registered and an
// empty repository.
func NewService() *Service {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	s := &Service{
		methods:  make(map[string]*methodInfo),
		serverID: "rexectest",
		logger:   slog.Default(),
		repo:     NewRepository(),
		projects: make(map[string]*project),
		calls:    make(map[string]int),
		faults:   make(map[string]*wire.RpcError),
	}
	s.auth = newAuthority(key)
	s.artifact = newArtifactStore(key, defaultTokenTTL)
	s.registerMethods()
	s.mux = s.routes()
	return s
}

// SetServerID sets the identifier reported by ping and in response metadata.
func (s *Service) SetServerID(id string) { s.serverID = id }

// SetDebugErrors controls whether error responses carry stack traces.
func (s *Service) SetDebugErrors(enabled bool) { s.debugErrors = enabled }

// SetCompressionLevel enables zstd response bodies for clients that accept
// them. Zero disables compression.
func (s *Service) SetCompressionLevel(level int) { s.level = level }

// SetLogger sets the logger for service-side events.
func (s *Service) SetLogger(l *slog.Logger) { s.logger = l }

// SetTokenTTL bounds the age of bearer and artifact tokens.
func (s *Service) SetTokenTTL(d time.Duration) {
	s.auth.ttl = d
	s.artifact.ttl = d
}

// AddUser registers a username/password pair accepted by login.
func (s *Service) AddUser(username, password string) { s.auth.addUser(username, password) }

// Repository returns the script and data repository.
func (s *Service) Repository() *Repository { return s.repo }

// Calls returns how many times method has been dispatched, counting
// failures.
func (s *Service) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of dispatched calls across all methods.
func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// FailNext makes the next call to method fail with the given remote error
// type before its handler runs.
func (s *Service) FailNext(method, errType, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = &wire.RpcError{Type: errType, Message: message}
}

// OpenProjects returns the IDs of projects that have not been closed.
func (s *Service) OpenProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.projects {
		if p.status == protocol.StatusOpen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Unary registers a method with typed parameters and result, replacing any
// existing registration of the same name. P must be a struct with `rexec`
// tags.
func Unary[P any, R any](s *Service, name string, handler func(context.Context, *CallContext, P) (R, error)) {
	var p P
	var r R
	paramsType := reflect.TypeOf(p)
	if _, err := wire.StructSchema(paramsType); err != nil {
		panic(fmt.Sprintf("rexectest: registering %q: invalid params type %T: %v", name, p, err))
	}
	resultType := reflect.TypeOf(r)
	schema, err := wire.ResultSchema(resultType)
	if err != nil {
		panic(fmt.Sprintf("rexectest: registering %q: invalid result type %T: %v", name, r, err))
	}
	s.methods[name] = &methodInfo{
		Name:         name,
		ParamsType:   paramsType,
		ResultType:   resultType,
		ResultSchema: schema,
		Handler:      reflect.ValueOf(handler),
	}
}

// UnaryVoid registers a method that returns no value.
func UnaryVoid[P any](s *Service, name string, handler func(context.Context, *CallContext, P) error) {
	var p P
	paramsType := reflect.TypeOf(p)
	if _, err := wire.StructSchema(paramsType); err != nil {
		panic(fmt.Sprintf("rexectest: registering %q: invalid params type %T: %v", name, p, err))
	}
	s.methods[name] = &methodInfo{
		Name:         name,
		ParamsType:   paramsType,
		ResultSchema: arrow.NewSchema(nil, nil),
		Handler:      reflect.ValueOf(handler),
	}
}

// dispatch decodes params, runs the handler and returns its result value
// (invalid for void methods). Handler panics become RuntimeError.
func (s *Service) dispatch(ctx context.Context, info *methodInfo, callCtx *CallContext, batch arrow.RecordBatch) (result reflect.Value, err error) {
	s.mu.Lock()
	s.calls[info.Name]++
	fault := s.faults[info.Name]
	delete(s.faults, info.Name)
	s.mu.Unlock()
	if fault != nil {
		return reflect.Value{}, fault
	}

	params, err := wire.DecodeParams(batch, info.ParamsType)
	if err != nil {
		return reflect.Value{}, wire.Errorf(protocol.ErrInvalidRequest, "parameter deserialization: %v", err)
	}

	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("handler panic", "method", info.Name, "panic", rv)
			err = wire.Errorf("RuntimeError", "%v", rv)
		}
	}()

	out := info.Handler.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(callCtx), params})
	if info.ResultType == nil {
		if !out[0].IsNil() {
			return reflect.Value{}, out[0].Interface().(error)
		}
		return reflect.Value{}, nil
	}
	if !out[1].IsNil() {
		return reflect.Value{}, out[1].Interface().(error)
	}
	return out[0], nil
}

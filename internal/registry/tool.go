// Package registry implements the Tool Registry (C5) and the ToolModule
// interface the core consumes (spec.md §6.3). Naming and conflict-resolution
// are grounded on mcp-gateway/internal/mcp/server.go's RegisterTool/
// ParseToolName, generalized from a single flat map into namespace-scoped
// registration handles so a module can be unregistered atomically.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDefinition describes one callable tool, per spec.md §3.
type ToolDefinition struct {
	Name         string          `json:"name"`
	DisplayName  string          `json:"display_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ToolError is the structured failure a ToolModule may return; it is
// distinct from an uncaught panic, which the dispatcher maps to -32603
// instead of -32002 per spec.md §7.
type ToolError struct {
	Kind    string
	Message string
	Details interface{}
}

func (e *ToolError) Error() string { return e.Message }

// CallContext carries everything a ToolModule.call needs that isn't an
// argument, per spec.md §6.3.
type CallContext struct {
	context.Context
	RequestID    string
	CancelToken  context.CancelFunc
	Logger       Logger
}

// Logger is the minimal logging surface passed to tools, satisfied by
// *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// ToolModule is the interface every tool-providing collaborator implements.
// The core never inspects what a tool does (spec.md GLOSSARY); it only calls
// through this interface.
type ToolModule interface {
	Namespace() string
	List() []ToolDefinition
	Call(ctx *CallContext, toolName string, arguments map[string]interface{}) (interface{}, *ToolError)
	Shutdown()
}

// ConflictError is returned by Register when a fully-qualified tool name is
// already live.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tool name %q already registered", e.Name)
}

// Handle is an opaque registration token returned by Register; Unregister
// takes it back to remove every tool that registration contributed,
// atomically.
type Handle struct {
	id int64
}

type registration struct {
	handle Handle
	module ToolModule
	names  []string // fully-qualified names contributed by this registration
}

type compiledTool struct {
	def      ToolDefinition
	module   ToolModule
	toolName string // the name as the module itself knows it (without namespace prefix)
	schema   *jsonschema.Schema
}

// Registry is the concurrency-safe store described in spec.md §4.5. Reads
// (List, Resolve) never block on a mutex held across a tool call; only the
// registration map itself is guarded.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*compiledTool // fully-qualified name -> tool
	regs     map[int64]*registration
	nextID   int64
	compiler *jsonschema.Compiler
}

func New() *Registry {
	return &Registry{
		tools:    make(map[string]*compiledTool),
		regs:     make(map[int64]*registration),
		compiler: jsonschema.NewCompiler(),
	}
}

// Register adds every ToolDefinition the module declares, computing each
// fully-qualified name as "<namespace>.<tool_name>" unless prefixed is
// false, in which case the module's tools live unprefixed in the root
// namespace (spec.md §4.5 "legacy basic tools").
func (r *Registry) Register(module ToolModule, prefixed bool) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := module.Namespace()
	defs := module.List()

	type pending struct {
		fqName string
		def    ToolDefinition
		schema *jsonschema.Schema
	}
	plan := make([]pending, 0, len(defs))

	for _, def := range defs {
		if !namePattern.MatchString(def.Name) {
			return Handle{}, fmt.Errorf("tool name %q does not match %s", def.Name, namePattern.String())
		}
		fq := def.Name
		if prefixed {
			if ns == "" {
				return Handle{}, fmt.Errorf("module declares prefixed tools with empty namespace")
			}
			fq = ns + "." + def.Name
		} else if strings.Contains(def.Name, ".") {
			return Handle{}, fmt.Errorf("legacy unprefixed tool name %q must not contain a dot", def.Name)
		}
		if _, exists := r.tools[fq]; exists {
			return Handle{}, &ConflictError{Name: fq}
		}
		var compiled *jsonschema.Schema
		if len(def.InputSchema) > 0 {
			sc, err := r.compileSchema(fq, def.InputSchema)
			if err != nil {
				return Handle{}, fmt.Errorf("compiling schema for %q: %w", fq, err)
			}
			compiled = sc
		}
		plan = append(plan, pending{fqName: fq, def: def, schema: compiled})
	}

	// Detect intra-batch duplicates (a single module declaring the same name twice).
	seen := make(map[string]bool, len(plan))
	for _, p := range plan {
		if seen[p.fqName] {
			return Handle{}, &ConflictError{Name: p.fqName}
		}
		seen[p.fqName] = true
	}

	r.nextID++
	h := Handle{id: r.nextID}
	names := make([]string, 0, len(plan))
	for _, p := range plan {
		r.tools[p.fqName] = &compiledTool{def: p.def, module: module, toolName: p.def.Name, schema: p.schema}
		names = append(names, p.fqName)
	}
	r.regs[h.id] = &registration{handle: h, module: module, names: names}
	return h, nil
}

func (r *Registry) compileSchema(fqName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	resourceName := "mem://" + fqName
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := r.compiler.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return r.compiler.Compile(resourceName)
}

// Unregister removes every tool contributed by handle, atomically.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[h.id]
	if !ok {
		return fmt.Errorf("unknown registration handle")
	}
	for _, name := range reg.names {
		delete(r.tools, name)
	}
	delete(r.regs, h.id)
	return nil
}

// List returns a snapshot of every registered ToolDefinition.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	return out
}

// Resolved is what Resolve returns on a successful lookup.
type Resolved struct {
	Module   ToolModule
	ToolName string // the name as the module expects it, namespace stripped
	Schema   *jsonschema.Schema
}

// Resolve implements spec.md §4.5's resolution policy: exact match on the
// fully-qualified name first, then (if the name has no dot) the root
// namespace for legacy tools.
func (r *Registry) Resolve(name string) (*Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[name]; ok {
		return &Resolved{Module: t.module, ToolName: t.toolName, Schema: t.schema}, true
	}
	return nil, false
}

// ValidateArguments validates arguments against the tool's input schema, if
// one was declared. A tool with no declared schema accepts any object.
func (res *Resolved) ValidateArguments(arguments map[string]interface{}) error {
	if res.Schema == nil {
		return nil
	}
	return res.Schema.Validate(arguments)
}

// ShutdownAll calls Shutdown on every distinct registered module, once each,
// for the Lifecycle Coordinator's stop sequence (spec.md §4.9).
func (r *Registry) ShutdownAll() {
	r.mu.RLock()
	seen := make(map[ToolModule]bool)
	modules := make([]ToolModule, 0, len(r.regs))
	for _, reg := range r.regs {
		if !seen[reg.module] {
			seen[reg.module] = true
			modules = append(modules, reg.module)
		}
	}
	r.mu.RUnlock()

	for _, m := range modules {
		m.Shutdown()
	}
}

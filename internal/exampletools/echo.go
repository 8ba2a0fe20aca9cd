// Package exampletools provides a minimal ToolModule used to exercise the
// dispatch pipeline end-to-end (scenario 1 of spec.md §8) and in the test
// suite, grounded on the echo/math tools of
// other_examples/80e92c39_davidferlay-mcp-go-sse-server__main.go.go. The
// core never ships real tool business logic (spec.md §1 Non-goals); this
// package exists only as the ToolModule interface's simplest possible
// implementation.
package exampletools

import (
	"fmt"

	"github.com/akmatori/mcp-server/internal/registry"
)

const Namespace = "demo"

// EchoModule implements registry.ToolModule with two tools: echo, which
// returns its input verbatim, and add, which sums two numbers — the same
// pair of toy tools other_examples' standalone SSE server registers.
type EchoModule struct{}

func (EchoModule) Namespace() string { return Namespace }

func (EchoModule) List() []registry.ToolDefinition {
	return []registry.ToolDefinition{
		{
			Name:        "echo",
			DisplayName: "Echo",
			Description: "Returns the given text unchanged.",
			Version:     "1.0.0",
			InputSchema: []byte(`{
				"type": "object",
				"properties": { "x": { "type": "string" } },
				"required": ["x"]
			}`),
		},
		{
			Name:        "add",
			DisplayName: "Add",
			Description: "Adds two numbers.",
			Version:     "1.0.0",
			InputSchema: []byte(`{
				"type": "object",
				"properties": {
					"a": { "type": "number" },
					"b": { "type": "number" }
				},
				"required": ["a", "b"]
			}`),
		},
	}
}

func (EchoModule) Call(ctx *registry.CallContext, toolName string, arguments map[string]interface{}) (interface{}, *registry.ToolError) {
	switch toolName {
	case "echo":
		x, _ := arguments["x"].(string)
		return map[string]interface{}{"content": x}, nil
	case "add":
		a, _ := arguments["a"].(float64)
		b, _ := arguments["b"].(float64)
		return map[string]interface{}{"content": a + b}, nil
	default:
		return nil, &registry.ToolError{Kind: "not_found", Message: fmt.Sprintf("demo module has no tool %q", toolName)}
	}
}

func (EchoModule) Shutdown() {}

package ports

import "context"

// ToolResult encodes a tool outcome. Failures are carried in the result;
// implementations must never panic or error past this boundary.
type ToolResult struct {
	Output  string
	Success bool
}

// ToolRunner executes tools requested by the model.
type ToolRunner interface {
	// Execute runs the named tool. Executions may block on an approval
	// decision, so implementations must respect ctx.
	Execute(ctx context.Context, name, arguments, callID string) ToolResult

	// Definitions lists the tools to advertise to the model.
	Definitions() []ToolDefinition
}

package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call names a tool that is
// not registered. The model asked for something that does not exist;
// the call is answered with error text rather than retried.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidArguments is returned when tool arguments are not a JSON
// object or do not satisfy the tool's parameter schema.
type ErrInvalidArguments struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Reason)
}

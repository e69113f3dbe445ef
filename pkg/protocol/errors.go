package protocol

import "fmt"

// Operation type tags carried by error events. Pending callers filter error
// events by this tag and ignore the rest.
const (
	OpAuth      = "auth"
	OpJoin      = "join"
	OpLeaveRoom = "leaveroom"
)

// OpError is the payload of an error event: a failed lifecycle operation.
type OpError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewOpError builds an OpError for the given operation tag.
func NewOpError(op, format string, args ...any) *OpError {
	return &OpError{Type: op, Message: fmt.Sprintf(format, args...)}
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s failed: %s", e.Type, e.Message)
}

package protocol

import "fmt"

// Error is a protocol-level failure reported by the server.
type Error struct {
	Action  string
	Code    string
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Action != "" && e.Code != "":
		return fmt.Sprintf("%s rejected (%s): %s", e.Action, e.Code, e.Message)
	case e.Action != "":
		return fmt.Sprintf("%s rejected: %s", e.Action, e.Message)
	case e.Code != "":
		return fmt.Sprintf("server error (%s): %s", e.Code, e.Message)
	default:
		return "server error: " + e.Message
	}
}

// Failure returns the protocol error carried by ev, or nil if ev reports success.
func Failure(ev Event) error {
	switch e := ev.(type) {
	case *ErrorEvent:
		return &Error{Action: e.Action, Code: e.Code, Message: e.Message}
	case *ActionResult:
		if !e.Result.Success {
			return &Error{Action: e.Action, Message: e.Result.Message}
		}
	case *Ack:
		if !e.Success {
			return &Error{Message: e.Error}
		}
	}
	return nil
}

package actor

import (
	"encoding/json"
	"fmt"
)

// RPCError is a failure reported by the actor for one RPC.
type RPCError struct {
	// RPC is the name of the failed call.
	RPC string

	// Code is the actor's error code.
	Code string

	// Message is the actor's error message.
	Message string

	// Metadata is optional structured detail supplied by the actor.
	Metadata json.RawMessage
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc %s failed: %s (%s)", e.RPC, e.Message, e.Code)
	}
	return fmt.Sprintf("rpc %s failed: %s", e.RPC, e.Message)
}

// ScriptError names the error RpcError when it is thrown into a snippet and
// exposes code and metadata as properties.
func (e *RPCError) ScriptError() (string, map[string]any) {
	props := map[string]any{"code": e.Code, "rpc": e.RPC}
	if len(e.Metadata) > 0 {
		props["metadata"] = e.Metadata
	}
	return "RpcError", props
}

// Payload returns the wire form of the error.
func (e *RPCError) Payload() any {
	payload := map[string]any{
		"name":    "RpcError",
		"message": e.Error(),
		"code":    e.Code,
		"rpc":     e.RPC,
	}
	if len(e.Metadata) > 0 {
		payload["metadata"] = e.Metadata
	}
	return payload
}

// ManagerError is a failed request to the actor manager.
type ManagerError struct {
	// Status is the HTTP status code, or zero when no response arrived.
	Status int

	// Message is the manager's error message or the response body.
	Message string

	// Err is the classification, such as ErrNotFound, if any.
	Err error
}

func (e *ManagerError) Error() string {
	if e.Status == 0 {
		return "actor manager: " + e.Message
	}
	return fmt.Sprintf("actor manager returned %d: %s", e.Status, e.Message)
}

func (e *ManagerError) Unwrap() error {
	return e.Err
}

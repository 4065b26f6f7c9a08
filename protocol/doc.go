// Package protocol defines the tagged messages exchanged between a command
// store and an execution worker.
//
// A store sends exactly one [Request] per command. The worker answers with a
// stream of [Response] messages that all carry the request id:
//
//   - formatted: the highlighted source, sent once before execution starts
//   - log: one captured console call, zero or more times
//   - result: the JSON value the snippet returned (terminal)
//   - error: the JSON payload describing why the snippet failed (terminal)
//
// Exactly one terminal message is produced per request, and no message for
// that id follows it.
//
// # Validation
//
// Frames arriving from the other side of a channel are untrusted. [DecodeRequest]
// and [DecodeResponse] check the shape of a frame with gjson before decoding it
// and report malformed frames as [ErrInvalidMessage]. Payload accessors such as
// [Response.Formatted] validate the nested structure the same way so consumers
// can fall back instead of failing.
//
// # Errors
//
// Error payloads are free-form JSON. Errors that know their own wire shape
// implement [Payloader]; [ErrorPayloadFrom] renders any other error as an
// [ErrorPayload] with name and message.
package protocol

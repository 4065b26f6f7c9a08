package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidMessage indicates a frame that does not match the protocol.
var ErrInvalidMessage = errors.New("invalid message")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// DecodeRequest validates and decodes an inbound request frame.
func DecodeRequest(frame []byte) (Request, error) {
	if !gjson.ValidBytes(frame) {
		return Request{}, invalid("malformed json")
	}
	doc := gjson.ParseBytes(frame)
	if !doc.IsObject() {
		return Request{}, invalid("request must be an object")
	}
	if t := doc.Get("type"); t.Type != gjson.String || t.Str != string(TypeCode) {
		return Request{}, invalid("unsupported request type %q", t.String())
	}
	for _, field := range []string{"id", "data", "managerUrl", "actorId"} {
		if doc.Get(field).Type != gjson.String {
			return Request{}, invalid("field %q must be a string", field)
		}
	}
	if doc.Get("id").Str == "" {
		return Request{}, invalid("field %q must not be empty", "id")
	}
	rpcs := doc.Get("rpcs")
	if !rpcs.IsArray() {
		return Request{}, invalid("field %q must be an array", "rpcs")
	}
	for _, name := range rpcs.Array() {
		if name.Type != gjson.String {
			return Request{}, invalid("field %q must only hold strings", "rpcs")
		}
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, invalid("%v", err)
	}
	return req, nil
}

// EncodeRequest renders req as a frame. A nil RPC list is sent as [].
func EncodeRequest(req Request) ([]byte, error) {
	if req.RPCs == nil {
		req.RPCs = []string{}
	}
	return json.Marshal(req)
}

// DecodeResponse validates the envelope of an inbound response frame. The
// payload is left raw; use the typed accessors to read it.
func DecodeResponse(frame []byte) (Response, error) {
	if !gjson.ValidBytes(frame) {
		return Response{}, invalid("malformed json")
	}
	doc := gjson.ParseBytes(frame)
	if !doc.IsObject() {
		return Response{}, invalid("response must be an object")
	}
	t := doc.Get("type")
	if t.Type != gjson.String || !ResponseType(t.Str).Valid() {
		return Response{}, invalid("unknown response type %q", t.String())
	}
	id := doc.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return Response{}, invalid("field %q must be a non-empty string", "id")
	}

	resp := Response{Type: ResponseType(t.Str), ID: id.Str, Data: json.RawMessage("null")}
	if data := doc.Get("data"); data.Exists() {
		resp.Data = json.RawMessage(data.Raw)
	}
	return resp, nil
}

// EncodeResponse renders resp as a frame. A nil payload is sent as null.
func EncodeResponse(resp Response) ([]byte, error) {
	if len(resp.Data) == 0 {
		resp.Data = json.RawMessage("null")
	}
	return json.Marshal(resp)
}

// Formatted reads the payload of a formatted response.
func (r Response) Formatted() (Formatted, error) {
	if r.Type != ResponseFormatted {
		return Formatted{}, invalid("response type %q carries no formatted payload", r.Type)
	}
	if !gjson.ValidBytes(r.Data) {
		return Formatted{}, invalid("malformed formatted payload")
	}
	doc := gjson.ParseBytes(r.Data)
	if doc.Get("fg").Type != gjson.String {
		return Formatted{}, invalid("formatted payload needs a string fg")
	}
	lines := doc.Get("tokens")
	if !lines.IsArray() {
		return Formatted{}, invalid("formatted payload needs a tokens array")
	}
	for i, line := range lines.Array() {
		if !line.IsArray() {
			return Formatted{}, invalid("line %d is not an array", i)
		}
		for _, tok := range line.Array() {
			if tok.Get("content").Type != gjson.String || tok.Get("color").Type != gjson.String {
				return Formatted{}, invalid("line %d holds a malformed token", i)
			}
		}
	}

	var f Formatted
	if err := json.Unmarshal(r.Data, &f); err != nil {
		return Formatted{}, invalid("%v", err)
	}
	return f, nil
}

// Log reads the payload of a log response.
func (r Response) Log() (Log, error) {
	if r.Type != ResponseLog {
		return Log{}, invalid("response type %q carries no log payload", r.Type)
	}
	if !gjson.ValidBytes(r.Data) {
		return Log{}, invalid("malformed log payload")
	}
	doc := gjson.ParseBytes(r.Data)
	if doc.Get("level").Type != gjson.String || doc.Get("message").Type != gjson.String {
		return Log{}, invalid("log payload needs string level and message")
	}
	return Log{Level: doc.Get("level").Str, Message: doc.Get("message").Str}, nil
}

// NewFormatted builds a formatted response.
func NewFormatted(id string, f Formatted) Response {
	if f.Tokens == nil {
		f.Tokens = [][]Token{}
	}
	data, _ := json.Marshal(f)
	return Response{Type: ResponseFormatted, ID: id, Data: data}
}

// NewLog builds a log response.
func NewLog(id, level, message string) Response {
	payload, _ := json.Marshal(Log{Level: level, Message: message})
	return Response{Type: ResponseLog, ID: id, Data: payload}
}

// NewResult builds a result response. A nil value is sent as null.
func NewResult(id string, value json.RawMessage) Response {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Response{Type: ResponseResult, ID: id, Data: value}
}

// NewError builds an error response whose payload is derived from err.
func NewError(id string, err error) Response {
	return Response{Type: ResponseError, ID: id, Data: ErrorPayloadFrom(err)}
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// RPCError is an internal error that knows how to render itself as a
// JSON-RPC error object, mirroring how the rest of the gateway's domain
// errors carry a code/message/data triple through to the wire. Most JSON-RPC
// errors ride an HTTP 200 envelope per convention; a handful of gateway-layer
// rejections (missing/unknown credential, missing/unknown session) carry a
// real HTTP status instead, set via HTTPStatus.
type RPCError struct {
	Code       int
	Message    string
	Data       map[string]any
	HTTPStatus int // 0 means http.StatusOK
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with optional structured data, riding the
// default HTTP 200 JSON-RPC envelope.
func NewRPCError(code int, message string, data map[string]any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// NewRPCErrorWithStatus builds an RPCError that must be delivered under the
// given HTTP status rather than the default 200.
func NewRPCErrorWithStatus(status, code int, message string, data map[string]any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data, HTTPStatus: status}
}

// Status returns the HTTP status this error should be delivered under.
func (e *RPCError) Status() int {
	if e.HTTPStatus == 0 {
		return http.StatusOK
	}
	return e.HTTPStatus
}

// ToJSONRPCError renders e as the (code, message, data) triple that
// errorResponse and writeRPCError put into a JSONRPCError.
func (e *RPCError) ToJSONRPCError() (int, string, json.RawMessage) {
	var data json.RawMessage
	if e.Data != nil {
		data, _ = json.Marshal(e.Data)
	}
	return e.Code, e.Message, data
}

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidVersion is returned when jsonrpc is not "2.0".
	ErrInvalidVersion = errors.New("jsonrpc must be \"2.0\"")
	// ErrMissingMethod is returned when a request has no method.
	ErrMissingMethod = errors.New("method must be a non-empty string")
	// ErrInvalidParams is returned when params is present but not an object.
	ErrInvalidParams = errors.New("params must be an object when present")
	// ErrInvalidResponse is returned when a response violates JSON-RPC shape rules.
	ErrInvalidResponse = errors.New("invalid response")
)

// ValidateRequest checks the request shape: version "2.0", non-empty method
// and params that are absent, null or an object.
func ValidateRequest(req *Request) error {
	if req == nil {
		return errors.New("request is nil")
	}
	if req.JSONRPCVersion != ProtocolVersion {
		return ErrInvalidVersion
	}
	if req.Method == "" {
		return ErrMissingMethod
	}
	if !isAbsentOrObject(req.Params) {
		return ErrInvalidParams
	}
	return nil
}

// ValidateResponse checks that a response has the right version, exactly one
// of result or error and, when expectedID is non-nil, the matching ID.
func ValidateResponse(res *Response, expectedID *RequestID) error {
	if res == nil {
		return fmt.Errorf("%w: response is nil", ErrInvalidResponse)
	}
	if res.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, ErrInvalidVersion)
	}
	hasResult := len(bytes.TrimSpace(res.Result)) > 0
	hasError := res.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("%w: exactly one of result or error is required", ErrInvalidResponse)
	}
	if hasResult && !json.Valid(res.Result) {
		return fmt.Errorf("%w: result is not valid JSON", ErrInvalidResponse)
	}
	if expectedID != nil && !expectedID.Equal(res.ID) {
		return fmt.Errorf("%w: id mismatch: expected %q, got %q", ErrInvalidResponse, expectedID.String(), res.ID.String())
	}
	return nil
}

// DecodeRequest decodes a single raw request. Invalid JSON yields a
// ParseError; well-formed JSON that is not a request object yields an
// InvalidRequest. Shape rules beyond decoding are left to ValidateRequest.
func DecodeRequest(raw []byte) (*Request, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return nil, NewError(ErrorCodeParseError, "parse error", nil)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, NewError(ErrorCodeInvalidRequest, "request must be a JSON object", nil)
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, NewError(ErrorCodeInvalidRequest, "invalid request", err.Error())
	}
	return &req, nil
}

// SplitBatch inspects a raw payload. When it is a JSON array the elements are
// returned with isBatch set; a single object is returned as a one-element
// slice. Anything else is a ParseError or InvalidRequest.
func SplitBatch(raw []byte) (items []json.RawMessage, isBatch bool, rpcErr *Error) {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return nil, false, NewError(ErrorCodeParseError, "parse error", nil)
	}
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, true, NewError(ErrorCodeInvalidRequest, "invalid batch", err.Error())
		}
		return items, true, nil
	case len(trimmed) > 0 && trimmed[0] == '{':
		return []json.RawMessage{trimmed}, false, nil
	default:
		return nil, false, NewError(ErrorCodeInvalidRequest, "payload must be an object or an array", nil)
	}
}

func isAbsentOrObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{' && json.Valid(trimmed)
}

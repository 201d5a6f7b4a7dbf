package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr error
	}{
		{
			name: "valid without params",
			req:  &Request{JSONRPCVersion: "2.0", Method: "tools/list", ID: NewRequestID(1)},
		},
		{
			name: "valid with object params",
			req:  &Request{JSONRPCVersion: "2.0", Method: "tools/execute", Params: json.RawMessage(`{"name":"x"}`)},
		},
		{
			name: "null params",
			req:  &Request{JSONRPCVersion: "2.0", Method: "tools/list", Params: json.RawMessage(`null`)},
		},
		{
			name:    "wrong version",
			req:     &Request{JSONRPCVersion: "1.0", Method: "tools/list"},
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "empty method",
			req:     &Request{JSONRPCVersion: "2.0"},
			wantErr: ErrMissingMethod,
		},
		{
			name:    "array params",
			req:     &Request{JSONRPCVersion: "2.0", Method: "tools/list", Params: json.RawMessage(`[1,2]`)},
			wantErr: ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(tt.req)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateRequest() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateRequest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateResponse(t *testing.T) {
	id := NewRequestID("a")

	ok, _ := NewResultResponse(id, map[string]any{"ok": true})
	if err := ValidateResponse(ok, id); err != nil {
		t.Fatalf("expected valid response, got %v", err)
	}

	if err := ValidateResponse(ok, NewRequestID("b")); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected id mismatch error, got %v", err)
	}

	both := &Response{JSONRPCVersion: "2.0", Result: json.RawMessage(`{}`), Error: &Error{Code: ErrorCodeInternalError}, ID: id}
	if err := ValidateResponse(both, id); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected error for result+error, got %v", err)
	}

	neither := &Response{JSONRPCVersion: "2.0", ID: id}
	if err := ValidateResponse(neither, id); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected error for empty response, got %v", err)
	}

	if err := ValidateResponse(nil, id); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected error for nil response, got %v", err)
	}
}

func TestRequestIDEqual(t *testing.T) {
	if !NewRequestID(1).Equal(NewRequestID(int64(1))) {
		t.Fatal("int and int64 ids should be equal")
	}
	if NewRequestID(1).Equal(NewRequestID("1")) {
		t.Fatal("string and number ids must differ")
	}

	var decoded RequestID
	if err := json.Unmarshal([]byte(`7`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Equal(NewRequestID(7)) {
		t.Fatalf("decoded id %q should equal 7", decoded.String())
	}
}

func TestDecodeRequest(t *testing.T) {
	if _, rpcErr := DecodeRequest([]byte(`{not json`)); rpcErr == nil || rpcErr.Code != ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", rpcErr)
	}
	if _, rpcErr := DecodeRequest([]byte(`"hello"`)); rpcErr == nil || rpcErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", rpcErr)
	}
	req, rpcErr := DecodeRequest([]byte(`{"jsonrpc":"2.0","id":"x","method":"ping"}`))
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	if req.Method != "ping" || req.ID.String() != "x" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSplitBatch(t *testing.T) {
	items, isBatch, rpcErr := SplitBatch([]byte(` [ {"jsonrpc":"2.0","method":"a"}, {"jsonrpc":"2.0","method":"b"} ] `))
	if rpcErr != nil || !isBatch || len(items) != 2 {
		t.Fatalf("SplitBatch() = %d items, batch=%v, err=%+v", len(items), isBatch, rpcErr)
	}

	items, isBatch, rpcErr = SplitBatch([]byte(`{"jsonrpc":"2.0","method":"a"}`))
	if rpcErr != nil || isBatch || len(items) != 1 {
		t.Fatalf("SplitBatch() single = %d items, batch=%v, err=%+v", len(items), isBatch, rpcErr)
	}

	if _, _, rpcErr := SplitBatch([]byte(`42`)); rpcErr == nil || rpcErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request for scalar payload, got %+v", rpcErr)
	}
}

func TestErrorCategory(t *testing.T) {
	res := NewCategorizedError(NewRequestID(1), ErrorCodeConsentRequired, "consent required", map[string]string{"operation": "tools/execute"})
	if got := res.Error.Category(); got != "ConsentRequired" {
		t.Fatalf("Category() = %q, want ConsentRequired", got)
	}

	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Response
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := decoded.Error.Category(); got != "ConsentRequired" {
		t.Fatalf("decoded Category() = %q, want ConsentRequired", got)
	}

	plain := &Error{Code: ErrorCodeMethodNotFound, Message: "nope"}
	if got := plain.Category(); got != "MethodNotFound" {
		t.Fatalf("Category() without data = %q, want MethodNotFound", got)
	}
}

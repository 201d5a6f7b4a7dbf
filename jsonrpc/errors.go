package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Application error codes live in the implementation-defined server error
// range (-32000 to -32099).
const (
	ErrorCodeAuthenticationFailed   ErrorCode = -32001
	ErrorCodeAuthorizationFailed    ErrorCode = -32002
	ErrorCodeConsentRequired        ErrorCode = -32003
	ErrorCodeCapabilityNotSupported ErrorCode = -32004
	ErrorCodeResourceError          ErrorCode = -32005
	ErrorCodeToolError              ErrorCode = -32006
	ErrorCodeNetworkError           ErrorCode = -32007
	ErrorCodeValidationError        ErrorCode = -32008
	ErrorCodeTimeout                ErrorCode = -32009
)

var codeNames = map[ErrorCode]string{
	ErrorCodeParseError:             "ParseError",
	ErrorCodeInvalidRequest:         "InvalidRequest",
	ErrorCodeMethodNotFound:         "MethodNotFound",
	ErrorCodeInvalidParams:          "InvalidParams",
	ErrorCodeInternalError:          "InternalError",
	ErrorCodeAuthenticationFailed:   "AuthenticationFailed",
	ErrorCodeAuthorizationFailed:    "AuthorizationFailed",
	ErrorCodeConsentRequired:        "ConsentRequired",
	ErrorCodeCapabilityNotSupported: "CapabilityNotSupported",
	ErrorCodeResourceError:          "ResourceError",
	ErrorCodeToolError:              "ToolError",
	ErrorCodeNetworkError:           "NetworkError",
	ErrorCodeValidationError:        "ValidationError",
	ErrorCodeTimeout:                "Timeout",
}

// String returns the machine-readable category name of the code, or
// "ServerError" for codes outside the known taxonomy.
func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "ServerError"
}

// ErrorData is the structured payload attached to errors produced by the host.
type ErrorData struct {
	Category string `json:"category"`
	Detail   any    `json:"detail,omitempty"`
}

// Category returns the machine-readable category carried in the error data.
// It understands both typed ErrorData and data decoded from the wire. When no
// category is present the code's name is returned.
func (e *Error) Category() string {
	if e == nil {
		return ""
	}
	switch d := e.Data.(type) {
	case ErrorData:
		return d.Category
	case *ErrorData:
		if d != nil {
			return d.Category
		}
	case map[string]any:
		if s, ok := d["category"].(string); ok {
			return s
		}
	}
	return e.Code.String()
}

// Error implements the error interface so that an *Error can travel through
// Go error returns when convenient.
func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

// NewError builds a categorized error object.
func NewError(code ErrorCode, message string, detail any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    ErrorData{Category: code.String(), Detail: detail},
	}
}

// NewCategorizedError builds an error response whose data carries the code's
// category and the supplied detail.
func NewCategorizedError(id *RequestID, code ErrorCode, message string, detail any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          NewError(code, message, detail),
		ID:             id,
	}
}

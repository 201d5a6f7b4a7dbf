// Package jsonrpc holds the JSON-RPC 2.0 message shapes relayed by the host
// and the error taxonomy it surfaces to clients.
//
// Protocol errors use the reserved codes (-32700 to -32603). Host-level
// denials and downstream failures use codes in the server error range and
// carry an ErrorData payload whose Category names the failure class
// (AuthenticationFailed, ConsentRequired, ...), so that clients can branch on
// the category without parsing messages.
package jsonrpc

package acp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wopr-dev/wopr-acp/editor"
)

// Standard JSON-RPC 2.0 error codes used on the wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// jsonrpcRequest represents a JSON-RPC 2.0 request message.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonrpcResponse represents a JSON-RPC 2.0 response message.
type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

// jsonrpcError represents a JSON-RPC 2.0 error object.
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ---- Per-method params ----
//
// Each method gets a typed params struct decoded strictly: unknown fields
// are rejected, known optional fields default to their zero value, and
// validate() reports the first missing or malformed required field.

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

func (p *initializeParams) validate() error {
	if p.ProtocolVersion == "" {
		return fmt.Errorf("protocolVersion is required")
	}
	if p.ClientInfo.Name == "" {
		return fmt.Errorf("clientInfo.name is required")
	}
	if p.ClientInfo.Version == "" {
		return fmt.Errorf("clientInfo.version is required")
	}
	return nil
}

type chatParams struct {
	SessionID string         `json:"sessionId,omitempty"`
	Message   string         `json:"message"`
	Context   *editor.Update `json:"context,omitempty"`
}

func (p *chatParams) validate() error {
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	if p.Context != nil {
		return validateUpdate(p.Context)
	}
	return nil
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

func (p *cancelParams) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	return nil
}

type contextUpdateParams struct {
	SessionID string         `json:"sessionId"`
	Context   *editor.Update `json:"context"`
}

func (p *contextUpdateParams) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if p.Context == nil {
		return fmt.Errorf("context is required")
	}
	return validateUpdate(p.Context)
}

func validateUpdate(u *editor.Update) error {
	for i, f := range u.Files {
		if f.Path == "" {
			return fmt.Errorf("files[%d].path is required", i)
		}
	}
	if u.Selection != nil && u.Selection.Path == "" {
		return fmt.Errorf("selection.path is required")
	}
	for i, d := range u.Diagnostics {
		if d.Path == "" {
			return fmt.Errorf("diagnostics[%d].path is required", i)
		}
		switch d.Severity {
		case editor.SeverityError, editor.SeverityWarning, editor.SeverityInfo, editor.SeverityHint:
		default:
			return fmt.Errorf("diagnostics[%d].severity must be one of error, warning, info, hint", i)
		}
	}
	if u.Cursor != nil && u.Cursor.Path == "" {
		return fmt.Errorf("cursorPosition.path is required")
	}
	return nil
}

// decodeParams strictly decodes raw into v. Absent params decode as if the
// client had sent null, leaving v zero-valued for validate() to judge.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

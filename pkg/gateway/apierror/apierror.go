// Package apierror defines the client-facing error taxonomy and the envelope
// every error frame is wrapped in. Codes are stable for programmatic
// handling; messages are advisory.
package apierror

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeAuthentication Type = "authentication_error"
	TypePolicy         Type = "policy_error"
	TypeValidation     Type = "validation_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeNotFound       Type = "not_found_error"
	TypeProcessing     Type = "processing_error"
)

type Error struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Envelope is the error frame sent to clients.
type Envelope struct {
	Type  string `json:"type"`
	Error *Error `json:"error"`
}

// Frame serializes err into a client error frame.
func Frame(err *Error) []byte {
	out, marshalErr := json.Marshal(Envelope{Type: "error", Error: err})
	if marshalErr != nil {
		return []byte(`{"type":"error","error":{"type":"processing_error","code":"internal","message":"internal error"}}`)
	}
	return out
}

func Authentication(code, message string) *Error {
	return &Error{Type: TypeAuthentication, Code: code, Message: message}
}

func Policy(code, message string) *Error {
	return &Error{Type: TypePolicy, Code: code, Message: message}
}

func Validation(code, message, param string) *Error {
	return &Error{Type: TypeValidation, Code: code, Message: message, Param: param}
}

func RateLimit(message string) *Error {
	return &Error{Type: TypeRateLimit, Code: "rate_limit_exceeded", Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Type: TypeNotFound, Code: code, Message: message}
}

func Processing(code, message string) *Error {
	return &Error{Type: TypeProcessing, Code: code, Message: message}
}

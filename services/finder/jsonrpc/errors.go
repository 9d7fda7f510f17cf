// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"errors"
	"fmt"
)

// Sentinel errors for JSON-RPC operations.
var (
	// ErrConnectionClosed indicates the connection was closed or torn down
	// while the operation was pending.
	ErrConnectionClosed = errors.New("jsonrpc connection closed")

	// ErrMalformedFrame indicates the peer sent bytes that could not be
	// framed or decoded as a JSON-RPC message.
	ErrMalformedFrame = errors.New("malformed jsonrpc frame")

	// ErrRequestTimeout indicates the caller's context ended before a
	// response arrived.
	ErrRequestTimeout = errors.New("jsonrpc request timeout")

	// ErrInvalidResponse indicates a response result could not be decoded
	// into the caller's type.
	ErrInvalidResponse = errors.New("invalid jsonrpc response")
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerClosed   = -32099
)

// RPCError is an error returned by the peer in a JSON-RPC error response.
type RPCError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the peer.
	Message string

	// Data contains optional additional data about the error.
	Data interface{}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsParseError returns true if the peer could not parse our message.
func (e *RPCError) IsParseError() bool {
	return e.Code == CodeParseError
}

// IsMethodNotFound returns true if the peer does not implement the method.
func (e *RPCError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsInvalidParams returns true if the peer rejected the parameters.
func (e *RPCError) IsInvalidParams() bool {
	return e.Code == CodeInvalidParams
}

// IsServerError returns true for the implementation-defined server error range.
func (e *RPCError) IsServerError() bool {
	return e.Code >= -32099 && e.Code <= -32000
}

// NewError builds an RPCError for request handlers to return.
func NewError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

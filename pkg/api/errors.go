package api

import (
	stderrors "errors"
	"fmt"

	"labcore/pkg/errors"
)

// JSON-RPC error codes. Server errors use the -32000..-32099 range, one
// code per core error category, so clients can tell rejections apart
// without parsing messages.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	codeRuntime = -32000
)

var rpcCodes = map[errors.ErrorCode]int{
	errors.ErrRuntime:               codeRuntime,
	errors.ErrInvalidTransition:     -32001,
	errors.ErrAlreadyActive:         -32002,
	errors.ErrNotActive:             -32003,
	errors.ErrNotLoadable:           -32004,
	errors.ErrUnknownTask:           -32005,
	errors.ErrConfiguration:         -32006,
	errors.ErrDependencyUnavailable: -32007,
	errors.ErrSafetyViolation:       -32008,
	errors.ErrForbiddenCombination:  -32009,
	errors.ErrControlLoopFault:      -32010,
	errors.ErrSignalLost:            -32011,
	errors.ErrStartupFailed:         -32012,
	errors.ErrCleanupFailed:         -32013,
}

// RPCCode returns the JSON-RPC error code for a core error code.
func RPCCode(code errors.ErrorCode) int {
	if c, ok := rpcCodes[code]; ok {
		return c
	}
	return codeRuntime
}

// ErrorData carries the structured core error in a JSON-RPC error.
type ErrorData struct {
	Code    errors.ErrorCode `json:"code"`
	Task    string           `json:"task,omitempty"`
	Op      string           `json:"op,omitempty"`
	Context map[string]any   `json:"context,omitempty"`
}

func rpcError(err error) *jsonRPCError {
	var ip *invalidParams
	if stderrors.As(err, &ip) {
		return &jsonRPCError{Code: codeInvalidParams, Message: ip.Error()}
	}
	var nf *methodNotFound
	if stderrors.As(err, &nf) {
		return &jsonRPCError{Code: codeMethodNotFound, Message: nf.Error()}
	}

	data := &ErrorData{Code: errors.CodeOf(err)}
	if ce, ok := errors.As(err); ok {
		data.Task = ce.Task
		data.Op = ce.Op
		data.Context = ce.Context
	}
	return &jsonRPCError{Code: RPCCode(data.Code), Message: err.Error(), Data: data}
}

// RPCError is an error answer received by Client.
type RPCError struct {
	Code    int
	Message string
	Data    *ErrorData
}

func (e *RPCError) Error() string {
	return e.Message
}

// Unwrap exposes the remote core error so that errors.Is(err, code) works
// on the client side.
func (e *RPCError) Unwrap() error {
	if e.Data == nil {
		return nil
	}
	ce := errors.New(e.Data.Code, e.Message).SetTask(e.Data.Task).SetOp(e.Data.Op)
	for k, v := range e.Data.Context {
		ce.SetContext(k, v)
	}
	return ce
}

func (e *jsonRPCError) asError() error {
	if e == nil {
		return nil
	}
	return &RPCError{Code: e.Code, Message: e.Message, Data: e.Data}
}

func protocolError(format string, args ...any) error {
	return &RPCError{Code: codeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

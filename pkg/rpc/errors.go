package rpc

import (
	"errors"

	"coe/pkg/protocol"
)

// toError maps a handler error to a JSON-RPC error. *Error passes through;
// the orchestrator's typed errors get their own codes; anything else is an
// internal error carrying the message.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	if errors.Is(err, protocol.ErrNotInitialized) {
		return &Error{
			Code:    CodeNotInitialized,
			Message: protocol.ErrNotInitialized.Error(),
			Data:    map[string]any{"code": SymNotInitialized},
		}
	}

	var timeout *protocol.AnswerTimeoutError
	if errors.As(err, &timeout) {
		data := map[string]any{"code": SymAnswerTimeout}
		if timeout.EscalationTicketID != "" {
			data["escalationTicketId"] = timeout.EscalationTicketID
		}
		return &Error{Code: CodeAnswerTimeout, Message: err.Error(), Data: data}
	}

	var conflict *protocol.VersionConflictError
	if errors.As(err, &conflict) {
		return &Error{
			Code:    CodeInternalError,
			Message: err.Error(),
			Data: map[string]any{
				"expectedVersion": conflict.ExpectedVersion,
				"actualVersion":   conflict.ActualVersion,
				"strategies":      conflict.Strategies,
			},
		}
	}

	return &Error{Code: CodeInternalError, Message: err.Error()}
}

package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/evm/rpc"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// httpStatusError is satisfied by HTTP client errors that carry a response status.
type httpStatusError interface {
	error
	HTTPStatus() int
}

// Classify decides whether err is worth another attempt. Anything not
// recognised as terminal is treated as transient.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	var validationErr *model.ValidationError
	if errors.As(err, &validationErr) {
		return Decision{Class: ClassTerminal, Reason: "validation"}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(statusErr.HTTPStatus())
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.Code)
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTransient, Reason: "unknown_transient_default"}
}

func classifyHTTPStatus(code int) Decision {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Decision{Class: ClassTransient, Reason: "http_throttled"}
	case code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_server_error"}
	case code >= 400:
		return Decision{Class: ClassTerminal, Reason: "http_client_error"}
	}
	return Decision{Class: ClassTransient, Reason: "http_unexpected_status"}
}

func classifyJSONRPCCode(code int) Decision {
	switch code {
	case -32700, -32600, -32601, -32602:
		return Decision{Class: ClassTerminal, Reason: "jsonrpc_invalid_request"}
	}
	return Decision{Class: ClassTransient, Reason: "jsonrpc_server"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"invalid address",
	"method not found",
	"parse error",
}

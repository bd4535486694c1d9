// Package errs implements the error taxonomy shared by every package in
// this module: ArgumentError, ApplicationError, ConfigurationError and
// BlockFetchingError. Each is a distinct Go type so callers can tell them
// apart with errors.As instead of string matching.
package errs

import "fmt"

// ArgumentError means the caller supplied invalid inputs. The callee must
// not have mutated any state before returning it.
type ArgumentError struct {
	msg string
}

func Argument(format string, args ...interface{}) *ArgumentError {
	return &ArgumentError{msg: fmt.Sprintf(format, args...)}
}

func (e *ArgumentError) Error() string { return "argument error: " + e.msg }

// ApplicationError means an invariant was violated that indicates a
// programming bug: a write outside a batch, a re-entered batch, a read of
// an absent block, a head read before any head was set.
type ApplicationError struct {
	msg string
}

func Application(format string, args ...interface{}) *ApplicationError {
	return &ApplicationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ApplicationError) Error() string { return "application error: " + e.msg }

// ConfigurationError means a machine component's expected parent state was
// missing. It's logged as serious and the component falls back to its
// initial state.
type ConfigurationError struct {
	msg string
}

func Configuration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.msg }

// BlockFetchingError wraps a recoverable provider failure: a null
// result, or an error whose message is recognized as transient (e.g.
// "unknown block"). The block processor swallows these and retries on
// the next notification.
type BlockFetchingError struct {
	msg string
	err error
}

func BlockFetching(err error, format string, args ...interface{}) *BlockFetchingError {
	return &BlockFetchingError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *BlockFetchingError) Error() string {
	if e.err != nil {
		return "block fetching error: " + e.msg + ": " + e.err.Error()
	}
	return "block fetching error: " + e.msg
}

func (e *BlockFetchingError) Unwrap() error { return e.err }

// Package cos provides the common low-level error types and small
// utilities shared across psvcd's packages.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/NVIDIA/psvcd/internal/nlog"
)

// The spec's named error kinds (§7). Each is a distinct type so callers can
// discriminate with errors.As instead of string matching.
type (
	// ErrTransport: framing fault or connection reset. The one connection
	// is torn down; the rest of the process continues.
	ErrTransport struct{ what string }
	// ErrProtocol: malformed envelope, unknown ident, illegal state
	// transition. The offending frame is dropped.
	ErrProtocol struct{ what string }
	// ErrTimeout: an Updater request was not answered within its budget.
	ErrTimeout struct{ what string }
	// ErrNotFound: requested version absent or unapproved.
	ErrNotFound struct{ what string }
	// ErrIntegrity: checksum or size mismatch on a received file.
	ErrIntegrity struct{ what string }
	// ErrState: an operation was attempted from an illegal state (build/
	// release from a frozen binary, cancel-current-task).
	ErrState struct{ what string }
	// ErrConfig: a required configuration key is missing with no default.
	ErrConfig struct{ what string }
	// ErrIO: disk failure during stage or apply. The backup, if any, is
	// left on disk.
	ErrIO struct{ what string }
)

func NewErrTransport(format string, a ...any) *ErrTransport { return &ErrTransport{fmt.Sprintf(format, a...)} }
func (e *ErrTransport) Error() string                       { return "transport: " + e.what }

func NewErrProtocol(format string, a ...any) *ErrProtocol { return &ErrProtocol{fmt.Sprintf(format, a...)} }
func (e *ErrProtocol) Error() string                      { return "protocol: " + e.what }

func NewErrTimeout(format string, a ...any) *ErrTimeout { return &ErrTimeout{fmt.Sprintf(format, a...)} }
func (e *ErrTimeout) Error() string                     { return "timeout: " + e.what }

func NewErrNotFound(format string, a ...any) *ErrNotFound { return &ErrNotFound{fmt.Sprintf(format, a...)} }
func (e *ErrNotFound) Error() string                      { return e.what + " does not exist" }
func IsErrNotFound(err error) bool {
	var target *ErrNotFound
	return errors.As(err, &target)
}

func NewErrIntegrity(format string, a ...any) *ErrIntegrity { return &ErrIntegrity{fmt.Sprintf(format, a...)} }
func (e *ErrIntegrity) Error() string                       { return "integrity: " + e.what }

func NewErrState(format string, a ...any) *ErrState { return &ErrState{fmt.Sprintf(format, a...)} }
func (e *ErrState) Error() string                    { return "state: " + e.what }

func NewErrConfig(format string, a ...any) *ErrConfig { return &ErrConfig{fmt.Sprintf(format, a...)} }
func (e *ErrConfig) Error() string                    { return "config: " + e.what }

func NewErrIO(format string, a ...any) *ErrIO { return &ErrIO{fmt.Sprintf(format, a...)} }
func (e *ErrIO) Error() string                { return "io: " + e.what }

const fatalPrefix = "FATAL ERROR: "

// ExitLogf logs (if logging is up) and terminates the process with exit
// code 1. Used for startup failures that have no caller to propagate to.
func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	if flag.Parsed() {
		nlog.ErrorDepth(1, msg+"\n")
		nlog.Flush(nlog.ActExit)
	}
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// Copyright 2023 - 2025 Moxa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// DefaultSQLState is used when an error has no more specific state.
const DefaultSQLState = "HY000"

// Code classifies an error inside the proxy. The code decides both how the
// error is surfaced to the client and how the router reacts to it.
type Code uint16

const (
	OK Code = 0

	// Group 1: wire protocol errors. These are fatal for the offending
	// connection.
	ErrMalformedPacket Code = 1100
	ErrBadHandshake    Code = 1101
	ErrProtocolState   Code = 1102
	ErrPayloadTooLong  Code = 1103

	// Group 2: authentication errors.
	ErrAccessDenied       Code = 1200
	ErrUnknownDatabase    Code = 1201
	ErrTooManyConnections Code = 1202
	ErrHostBlocked        Code = 1203
	ErrSSLRequired        Code = 1204
	ErrUserNotFound       Code = 1205

	// Group 3: routing errors.
	ErrNoMaster           Code = 1300
	ErrNoBackend          Code = 1301
	ErrReadOnlyService    Code = 1302
	ErrReplayChecksum     Code = 1303
	ErrReplayLimit        Code = 1304
	ErrUnknownPrepared    Code = 1305
	ErrConnectionLost     Code = 1306
	ErrSessionCommandFail Code = 1307
	ErrMaxSescmdHistory   Code = 1308

	// Group 4: monitor errors.
	ErrClusterFrozen    Code = 1400
	ErrNotEligible      Code = 1401
	ErrOperationRunning Code = 1402
	ErrRejoinUnsafe     Code = 1403

	// Group 5: configuration and admin errors.
	ErrBadConfig       Code = 1500
	ErrImmutableParam  Code = 1501
	ErrUnknownObject   Code = 1502
	ErrDuplicateObject Code = 1503
	ErrObjectInUse     Code = 1504

	// Group 6: internal.
	ErrInternal Code = 1900
)

// mysqlErrno maps proxy error codes to the MySQL error numbers a client
// expects on the wire. Codes not present surface as 1105 (unknown error).
var mysqlErrno = map[Code]uint16{
	ErrAccessDenied:       1045,
	ErrUserNotFound:       1045,
	ErrSSLRequired:        1045,
	ErrUnknownDatabase:    1049,
	ErrTooManyConnections: 1040,
	ErrHostBlocked:        1129,
	ErrReplayChecksum:     1927,
	ErrReplayLimit:        1927,
	ErrNoMaster:           1036,
	ErrReadOnlyService:    1036,
	ErrUnknownPrepared:    1243,
	ErrConnectionLost:     2013,
	ErrMalformedPacket:    1835,
}

var sqlState = map[Code]string{
	ErrAccessDenied:       "28000",
	ErrUserNotFound:       "28000",
	ErrSSLRequired:        "28000",
	ErrUnknownDatabase:    "42000",
	ErrTooManyConnections: "08004",
	ErrHostBlocked:        DefaultSQLState,
	ErrReplayChecksum:     "25S03",
}

// Error is the single error type crossing component boundaries in the proxy.
type Error struct {
	code  Code
	msg   string
	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the proxy error code.
func (e *Error) Code() Code { return e.code }

// MySQLErrno returns the error number sent to the client in an ERR packet.
func (e *Error) MySQLErrno() uint16 {
	if n, ok := mysqlErrno[e.code]; ok {
		return n
	}
	return 1105
}

// SQLState returns the five byte SQL state for the ERR packet.
func (e *Error) SQLState() string {
	if s, ok := sqlState[e.code]; ok {
		return s
	}
	return DefaultSQLState
}

// Message returns the bare message without the cause chain.
func (e *Error) Message() string { return e.msg }

func newError(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// New creates an error with an explicit code.
func New(code Code, format string, args ...any) *Error {
	return newError(code, format, args...)
}

// Wrap attaches a code and message to a cause.
func Wrap(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	e := newError(code, format, args...)
	e.cause = err
	return e
}

// CodeOf extracts the proxy code from err, unwrapping as needed.
// Errors that are not *Error report ErrInternal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ErrInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError returns the *Error in err's chain, wrapping foreign errors
// as ErrInternal so callers always have wire information available.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal, "internal error")
}

func NewMalformedPacket(format string, args ...any) *Error {
	return newError(ErrMalformedPacket, format, args...)
}

func NewBadHandshake(format string, args ...any) *Error {
	return newError(ErrBadHandshake, format, args...)
}

func NewProtocolState(format string, args ...any) *Error {
	return newError(ErrProtocolState, format, args...)
}

func NewAccessDenied(user, host string, usingPassword bool) *Error {
	using := "NO"
	if usingPassword {
		using = "YES"
	}
	return newError(ErrAccessDenied,
		"Access denied for user '%s'@'%s' (using password: %s)", user, host, using)
}

func NewUnknownDatabase(db string) *Error {
	return newError(ErrUnknownDatabase, "Unknown database '%s'", db)
}

func NewTooManyConnections() *Error {
	return newError(ErrTooManyConnections, "Too many connections")
}

func NewHostBlocked(host string) *Error {
	return newError(ErrHostBlocked,
		"Host '%s' is blocked because of many connection errors; unblock with 'mysqladmin flush-hosts'", host)
}

func NewSSLRequired() *Error {
	return newError(ErrSSLRequired, "Access denied, SSL connection required")
}

func NewNoMaster(service string) *Error {
	return newError(ErrNoMaster, "no master available for service %s", service)
}

func NewNoBackend(service string) *Error {
	return newError(ErrNoBackend, "no valid backend available for service %s", service)
}

func NewReadOnlyService() *Error {
	return newError(ErrReadOnlyService,
		"The MariaDB server is running with the --read-only option so it cannot execute this statement")
}

func NewReplayChecksum() *Error {
	return newError(ErrReplayChecksum, "transaction checksum mismatch")
}

func NewReplayLimit(attempts int) *Error {
	return newError(ErrReplayLimit, "transaction replay failed after %d attempts", attempts)
}

func NewUnknownPrepared(id uint32) *Error {
	return newError(ErrUnknownPrepared, "Unknown prepared statement handler (%d) given", id)
}

func NewConnectionLost(addr string) *Error {
	return newError(ErrConnectionLost, "Lost connection to backend server at '%s'", addr)
}

func NewClusterFrozen(reason string) *Error {
	return newError(ErrClusterFrozen, "cluster requires manual intervention: %s", reason)
}

func NewBadConfig(format string, args ...any) *Error {
	return newError(ErrBadConfig, format, args...)
}

func NewImmutableParam(obj, param string) *Error {
	return newError(ErrImmutableParam,
		"parameter %s of %s cannot be modified at runtime", param, obj)
}

func NewUnknownObject(kind, name string) *Error {
	return newError(ErrUnknownObject, "%s %s not found", kind, name)
}

func NewDuplicateObject(kind, name string) *Error {
	return newError(ErrDuplicateObject, "%s %s already exists", kind, name)
}

func NewInternal(format string, args ...any) *Error {
	return newError(ErrInternal, format, args...)
}

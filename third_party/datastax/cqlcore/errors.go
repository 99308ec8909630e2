// Copyright (c) DataStax, Inc.
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

package cqlcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

var (
	ErrStreamsExhausted = errors.New("streams exhausted")
	ErrAuthExpected     = errors.New("authentication required, but no authenticator provided")
	ErrNoHosts          = errors.New("no hosts available")
	ErrSessionClosed    = errors.New("session closed")
	ErrStreamAbandoned  = errors.New("abandoned stream id was never answered")
)

type UnexpectedResponse struct {
	Expected []string
	Received string
}

func (e *UnexpectedResponse) Error() string {
	return fmt.Sprintf("expected %s response(s), got %s", strings.Join(e.Expected, ", "), e.Received)
}

// CqlError is a server error without a more specific type.
type CqlError struct {
	Message message.Error
}

func (e *CqlError) Error() string {
	return fmt.Sprintf("cql error: %v", e.Message)
}

// Code is the protocol error code.
func (e *CqlError) Code() primitive.ErrorCode {
	return e.Message.GetErrorCode()
}

// ConnectionClosedError resolves every request that was still pending when
// its connection went away.
type ConnectionClosedError struct {
	Endpoint string
	Cause    error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection to %s closed: %v", e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("connection to %s closed", e.Endpoint)
}

func (e *ConnectionClosedError) Unwrap() error {
	return e.Cause
}

type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Message
}

type UnavailableError struct {
	Message     string
	Consistency primitive.ConsistencyLevel
	Required    int32
	Alive       int32
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("unavailable at %v: %d required, %d alive: %s", e.Consistency, e.Required, e.Alive, e.Message)
}

type WriteTimeoutError struct {
	Message     string
	Consistency primitive.ConsistencyLevel
	Received    int32
	BlockFor    int32
	WriteType   string
}

func (e *WriteTimeoutError) Error() string {
	return fmt.Sprintf("%s write timed out at %v: %d of %d replicas acknowledged: %s", e.WriteType, e.Consistency, e.Received, e.BlockFor, e.Message)
}

type ReadTimeoutError struct {
	Message     string
	Consistency primitive.ConsistencyLevel
	Received    int32
	BlockFor    int32
	DataPresent bool
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("read timed out at %v: %d of %d replicas responded: %s", e.Consistency, e.Received, e.BlockFor, e.Message)
}

type AlreadyExistsError struct {
	Message  string
	Keyspace string
	Table    string
}

func (e *AlreadyExistsError) Error() string {
	return e.Message
}

type InvalidError struct {
	Message string
}

func (e *InvalidError) Error() string {
	return "invalid query: " + e.Message
}

type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Message
}

type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string {
	return "syntax error: " + e.Message
}

type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Message
}

// UnpreparedError reports a node that does not know a prepared id. Commands
// recover from it once; callers only see it wrapped in a protocol error.
type UnpreparedError struct {
	Message string
	ID      []byte
}

func (e *UnpreparedError) Error() string {
	return fmt.Sprintf("unprepared statement %x: %s", e.ID, e.Message)
}

// TimeoutError is a local deadline expiry. The connection is unaffected.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
	}
	return e.Op + " timed out"
}

// CancelledError is a local cancellation. The connection is unaffected.
type CancelledError struct {
	Op    string
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled: %v", e.Op, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// ArgumentError reports a Go value whose shape does not match its CQL type.
type ArgumentError struct {
	Message string
	Cause   error
}

func (e *ArgumentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ArgumentError) Unwrap() error {
	return e.Cause
}

// InvalidQueryError reports bound values that do not match the variables of a
// prepared statement.
type InvalidQueryError struct {
	Message string
	Cause   error
}

func (e *InvalidQueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InvalidQueryError) Unwrap() error {
	return e.Cause
}

// contextError turns a context expiry into the matching local error.
func contextError(ctx context.Context, op string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: timeout}
	}
	return &CancelledError{Op: op, Cause: ctx.Err()}
}

// serverError converts an ERROR response into its typed error.
func serverError(msg message.Error) error {
	switch m := msg.(type) {
	case *message.Unavailable:
		return &UnavailableError{Message: m.ErrorMessage, Consistency: m.Consistency, Required: m.Required, Alive: m.Alive}
	case *message.WriteTimeout:
		return &WriteTimeoutError{Message: m.ErrorMessage, Consistency: m.Consistency, Received: m.Received, BlockFor: m.BlockFor, WriteType: string(m.WriteType)}
	case *message.ReadTimeout:
		return &ReadTimeoutError{Message: m.ErrorMessage, Consistency: m.Consistency, Received: m.Received, BlockFor: m.BlockFor, DataPresent: m.DataPresent}
	case *message.AlreadyExists:
		return &AlreadyExistsError{Message: m.ErrorMessage, Keyspace: m.Keyspace, Table: m.Table}
	case *message.Invalid:
		return &InvalidError{Message: m.ErrorMessage}
	case *message.ConfigError:
		return &ConfigError{Message: m.ErrorMessage}
	case *message.SyntaxError:
		return &SyntaxError{Message: m.ErrorMessage}
	case *message.Unauthorized:
		return &UnauthorizedError{Message: m.ErrorMessage}
	case *message.Unprepared:
		return &UnpreparedError{Message: m.ErrorMessage, ID: m.Id}
	case *message.AuthenticationError:
		return &AuthenticationError{Message: m.ErrorMessage}
	case *message.ProtocolError:
		return &wire.ProtocolError{Message: "server: " + m.ErrorMessage}
	}
	return &CqlError{Message: msg}
}

// ErrorKind tells callers what went wrong without knowing every error type.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindInvalidRequest errors are never worth retrying unchanged.
	KindInvalidRequest
	// KindUnavailable errors mean the cluster could not meet the consistency
	// level. Retrying is up to the caller.
	KindUnavailable
	// KindConnection errors mean the connection died with the request in flight.
	KindConnection
	// KindLocal errors are deadlines and cancellations.
	KindLocal
	KindAuthentication
	KindProtocol
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnavailable:
		return "unavailable"
	case KindConnection:
		return "connection"
	case KindLocal:
		return "local"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	}
	return "unknown"
}

// Classify returns the kind of err. Nil errors are KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var (
		unavailable   *UnavailableError
		writeTimeout  *WriteTimeoutError
		readTimeout   *ReadTimeoutError
		alreadyExists *AlreadyExistsError
		invalid       *InvalidError
		config        *ConfigError
		syntax        *SyntaxError
		unauthorized  *UnauthorizedError
		argument      *ArgumentError
		invalidQuery  *InvalidQueryError
		encoding      *wire.EncodingError
		unsupported   *wire.UnsupportedTypeError
		closed        *ConnectionClosedError
		timeout       *TimeoutError
		cancelled     *CancelledError
		auth          *AuthenticationError
		protocol      *wire.ProtocolError
		tooLarge      *wire.FrameTooLargeError
		unprepared    *UnpreparedError
		unexpected    *UnexpectedResponse
		cqlErr        *CqlError
	)
	switch {
	case errors.As(err, &closed):
		return KindConnection
	case errors.As(err, &timeout), errors.As(err, &cancelled):
		return KindLocal
	case errors.As(err, &unavailable), errors.As(err, &writeTimeout), errors.As(err, &readTimeout):
		return KindUnavailable
	case errors.As(err, &alreadyExists), errors.As(err, &invalid), errors.As(err, &config),
		errors.As(err, &syntax), errors.As(err, &unauthorized), errors.As(err, &argument),
		errors.As(err, &invalidQuery), errors.As(err, &encoding), errors.As(err, &unsupported):
		return KindInvalidRequest
	case errors.As(err, &auth), errors.Is(err, ErrAuthExpected):
		return KindAuthentication
	case errors.As(err, &protocol), errors.As(err, &tooLarge), errors.As(err, &unprepared), errors.As(err, &unexpected):
		return KindProtocol
	case errors.Is(err, ErrStreamsExhausted), errors.Is(err, ErrNoHosts), errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrStreamAbandoned):
		return KindConnection
	case errors.As(err, &cqlErr):
		switch cqlErr.Code() {
		case primitive.ErrorCodeReadFailure, primitive.ErrorCodeWriteFailure:
			return KindUnavailable
		case primitive.ErrorCodeFunctionFailure:
			return KindInvalidRequest
		}
		return KindServer
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindLocal
	}
	return KindUnknown
}

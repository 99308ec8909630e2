/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package wire

import (
	"fmt"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// ProtocolError reports a frame that cannot be trusted: an unsupported
// protocol revision, a malformed header or a body that violates the protocol.
// It is fatal to the connection it was read from.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Cause)
	}
	return "protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// EncodingError is returned when an outgoing message cannot be represented on
// the wire, e.g. the body exceeds the maximum frame size or a feature is not
// available in the negotiated protocol version.
type EncodingError struct {
	Message string
	Cause   error
}

func (e *EncodingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encoding error: %s: %v", e.Message, e.Cause)
	}
	return "encoding error: " + e.Message
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

// FrameTooLargeError is returned by the decoder when a header announces a body
// length above the configured ceiling.
type FrameTooLargeError struct {
	Length int32
	Max    int32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame body length %d exceeds maximum of %d bytes", e.Length, e.Max)
}

// UnsupportedTypeError is returned for CQL types the driver cannot map to Go
// values.
type UnsupportedTypeError struct {
	Type  datatype.DataType
	Cause error
}

func (e *UnsupportedTypeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unsupported data type %v: %v", e.Type, e.Cause)
	}
	return fmt.Sprintf("unsupported data type %v", e.Type)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return e.Cause
}

func unsupportedVersion(version primitive.ProtocolVersion) error {
	return &ProtocolError{Message: fmt.Sprintf("unsupported protocol version %d", uint8(version))}
}

// BodyError wraps a failure to interpret a frame that was otherwise read in
// full. The stream is still aligned on the next frame.
type BodyError struct {
	Header *frame.Header
	Cause  error
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("invalid body for %v: %v", e.Header, e.Cause)
}

func (e *BodyError) Unwrap() error {
	return e.Cause
}

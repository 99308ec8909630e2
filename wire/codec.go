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
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

const headerLength = 9

// Request is an outgoing message plus the per-request header flags.
type Request struct {
	Message       message.Message
	Tracing       bool
	CustomPayload map[string][]byte
}

// Response is a decoded response frame.
type Response struct {
	Header        *frame.Header
	TracingID     *primitive.UUID
	Warnings      []string
	CustomPayload map[string][]byte
	Message       message.Message
}

// Codec moves frames between messages and a byte stream. Header layout, body
// encoding and compression are the protocol library's. Codec adds the
// supported version range, the frame size ceiling and the split between
// errors that break the stream and errors that only affect one frame.
type Codec struct {
	raw          frame.RawCodec
	compressor   frame.BodyCompressor
	maxFrameSize int32
}

// NewCodec returns a codec that compresses every compressible body with
// compressor, which may be nil. maxFrameSize bounds both encoded and decoded
// bodies, zero means the protocol maximum.
func NewCodec(compressor frame.BodyCompressor, maxFrameSize int32) *Codec {
	if maxFrameSize <= 0 || maxFrameSize > MaxFrameSize {
		maxFrameSize = MaxFrameSize
	}
	return &Codec{
		raw:          frame.NewRawCodecWithCompression(compressor),
		compressor:   compressor,
		maxFrameSize: maxFrameSize,
	}
}

func (c *Codec) Compressor() frame.BodyCompressor {
	return c.compressor
}

func (c *Codec) MaxFrameSize() int32 {
	return c.maxFrameSize
}

// EncodeRequest builds the frame carrying req on the given stream.
func (c *Codec) EncodeRequest(req *Request, version primitive.ProtocolVersion, stream int16) (*frame.RawFrame, error) {
	if err := checkRequest(req, version); err != nil {
		return nil, err
	}
	f := frame.NewFrame(version, stream, req.Message)
	f.RequestTracingId(req.Tracing)
	f.SetCustomPayload(req.CustomPayload)
	return c.encode(f)
}

// EncodeResponse builds a response frame. It is used by the in-process test
// server. Warnings and custom payloads are dropped below protocol v4.
func (c *Codec) EncodeResponse(resp *Response, version primitive.ProtocolVersion, stream int16) (*frame.RawFrame, error) {
	f := frame.NewFrame(version, stream, resp.Message)
	f.SetTracingId(resp.TracingID)
	if version >= primitive.ProtocolVersion4 {
		f.SetWarnings(resp.Warnings)
		f.SetCustomPayload(resp.CustomPayload)
	}
	return c.encode(f)
}

func (c *Codec) encode(f *frame.Frame) (*frame.RawFrame, error) {
	version := f.Header.Version
	if !IsSupported(version) {
		return nil, unsupportedVersion(version)
	}
	if int(f.Header.StreamId) >= MaxStreams(version) || int(f.Header.StreamId) < -MaxStreams(version) {
		return nil, &EncodingError{Message: fmt.Sprintf("stream id %d does not fit protocol v%d", f.Header.StreamId, uint8(version))}
	}
	f.SetCompress(c.compressor != nil)
	raw, err := c.raw.ConvertToRawFrame(f)
	if err != nil {
		return nil, &EncodingError{Message: fmt.Sprintf("cannot encode %v", f.Header.OpCode), Cause: err}
	}
	if int64(len(raw.Body)) > int64(c.maxFrameSize) {
		return nil, &EncodingError{Message: fmt.Sprintf("body of %d bytes exceeds maximum frame size of %d bytes", len(raw.Body), c.maxFrameSize)}
	}
	return raw, nil
}

// WriteFrame writes the header and body of f to w in a single call.
func (c *Codec) WriteFrame(f *frame.RawFrame, w io.Writer) error {
	buf := bytes.NewBuffer(make([]byte, 0, headerLength+len(f.Body)))
	if err := c.raw.EncodeRawFrame(f, buf); err != nil {
		return &EncodingError{Message: "cannot encode frame header", Cause: err}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads exactly one frame from r and leaves its body encoded. A
// FrameTooLargeError or ProtocolError means the stream position can no
// longer be trusted.
func (c *Codec) ReadFrame(r io.Reader) (*frame.RawFrame, error) {
	hdr, err := c.raw.DecodeHeader(r)
	if err != nil {
		var versionErr *frame.ProtocolVersionErr
		switch {
		case errors.As(err, &versionErr):
			return nil, unsupportedVersion(versionErr.Version)
		case errors.Is(err, io.EOF):
			return nil, err
		}
		return nil, &ProtocolError{Message: "malformed frame header", Cause: err}
	}
	if !IsSupported(hdr.Version) {
		return nil, unsupportedVersion(hdr.Version)
	}
	if hdr.BodyLength < 0 || hdr.BodyLength > c.maxFrameSize {
		return nil, &FrameTooLargeError{Length: hdr.BodyLength, Max: c.maxFrameSize}
	}
	body, err := c.raw.DecodeRawBody(hdr, r)
	if err != nil {
		return nil, &ProtocolError{Message: "truncated frame body", Cause: err}
	}
	return &frame.RawFrame{Header: hdr, Body: body}, nil
}

// DecodeResponse interprets a response frame. Body failures are wrapped in a
// BodyError: the frame was read in full so the connection stays usable.
func (c *Codec) DecodeResponse(f *frame.RawFrame) (*Response, error) {
	if !f.Header.IsResponse {
		return nil, &ProtocolError{Message: fmt.Sprintf("expected a response frame, got request %v", f.Header.OpCode)}
	}
	decoded, err := c.raw.ConvertFromRawFrame(f)
	if err != nil {
		return nil, &BodyError{Header: f.Header, Cause: err}
	}
	return &Response{
		Header:        f.Header,
		TracingID:     decoded.Body.TracingId,
		Warnings:      decoded.Body.Warnings,
		CustomPayload: decoded.Body.CustomPayload,
		Message:       decoded.Body.Message,
	}, nil
}

// DecodeRequest interprets a request frame. It is used by the in-process test
// server.
func (c *Codec) DecodeRequest(f *frame.RawFrame) (*Request, error) {
	if f.Header.IsResponse {
		return nil, &ProtocolError{Message: fmt.Sprintf("expected a request frame, got response %v", f.Header.OpCode)}
	}
	decoded, err := c.raw.ConvertFromRawFrame(f)
	if err != nil {
		return nil, &BodyError{Header: f.Header, Cause: err}
	}
	return &Request{
		Message:       decoded.Body.Message,
		Tracing:       f.Header.Flags.Contains(primitive.HeaderFlagTracing),
		CustomPayload: decoded.Body.CustomPayload,
	}, nil
}

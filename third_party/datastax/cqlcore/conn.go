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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartBeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultAbandonTimeout    = 2 * time.Minute

	eventQueueSize = 64
	readBufferSize = 64 * 1024
)

// ConnState is the lifecycle state of a ClientConn.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateReady
	// StateBusy is held while the handshake runs.
	StateBusy
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// EventHandler receives server pushed EVENT messages. It runs on a dedicated
// goroutine per connection, never on the read loop.
type EventHandler interface {
	OnEvent(conn *ClientConn, event message.Message)
}

type EventHandlerFunc func(conn *ClientConn, event message.Message)

func (f EventHandlerFunc) OnEvent(conn *ClientConn, event message.Message) {
	f(conn, event)
}

type ClientConnConfig struct {
	Version primitive.ProtocolVersion
	Auth    Authenticator
	// Compression is "", "snappy" or "lz4". It is only enabled when the
	// server lists it in SUPPORTED.
	Compression       string
	MaxFrameSize      int32
	Keyspace          string
	ConnectTimeout    time.Duration
	HeartBeatInterval time.Duration
	IdleTimeout       time.Duration
	// AbandonTimeout bounds how long a timed out request may hold its stream
	// id waiting for the late response. Past it the connection is closed,
	// which frees every id at once.
	AbandonTimeout time.Duration
	EventHandler   EventHandler
	Logger            *zap.Logger
}

// ClientConn multiplexes concurrent requests over one transport. Every
// request holds a stream id until its response arrives or the connection
// closes.
type ClientConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	endpoint Endpoint
	config   ClientConnConfig
	logger   *zap.Logger
	version  primitive.ProtocolVersion

	// readCodec is owned by the read loop, writeCodec is guarded by writeMu.
	readCodec  *wire.Codec
	writeCodec *wire.Codec
	writeMu    sync.Mutex

	streams   *streamIDs
	pendingMu sync.Mutex
	pending   map[int16]*PendingResponse

	state     atomic.Int32
	keyspace  atomic.String
	lastRead  atomic.Int64
	lastWrite atomic.Int64

	events    chan message.Message
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type response struct {
	resp *wire.Response
	err  error
}

// PendingResponse is the continuation of one in-flight request.
type PendingResponse struct {
	conn   *ClientConn
	stream int16
	ch     chan response
	// abandonedAt is when Wait gave up, in unix nanoseconds. Zero while a
	// caller is still waiting.
	abandonedAt atomic.Int64
}

// StreamID is the stream the request occupies.
func (p *PendingResponse) StreamID() int16 {
	return p.stream
}

// Wait suspends until the response arrives, the connection closes or ctx is
// done. On ctx expiry the stream id stays reserved until the late response
// is read or the connection closes, so it can never be matched to a newer
// request.
func (p *PendingResponse) Wait(ctx context.Context) (*wire.Response, error) {
	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		p.abandonedAt.CompareAndSwap(0, time.Now().UnixNano())
		return nil, contextError(ctx, fmt.Sprintf("request on stream %d", p.stream), 0)
	}
}

// ConnectClient dials endpoint and runs the STARTUP handshake, including
// authentication and the initial keyspace.
func ConnectClient(ctx context.Context, endpoint Endpoint, config ClientConnConfig) (*ClientConn, error) {
	if config.Version == 0 {
		config.Version = wire.MaxProtocolVersion
	}
	if !wire.IsSupported(config.Version) {
		return nil, &wire.ProtocolError{Message: fmt.Sprintf("unsupported protocol version %d", uint8(config.Version))}
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return nil, err
	}
	if tlsConfig := endpoint.TLSConfig(); tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig.Clone())
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	c, err := newClientConn(conn, endpoint, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()

	c.state.Store(int32(StateBusy))
	if err = c.handshake(ctx); err != nil {
		_ = c.closeWithError(err)
		if ctx.Err() != nil {
			return nil, contextError(ctx, "connect to "+endpoint.String(), config.ConnectTimeout)
		}
		return nil, err
	}
	c.state.Store(int32(StateReady))

	go c.dispatchEvents()
	if c.config.HeartBeatInterval > 0 {
		go c.heartbeat()
	}
	c.logger.Debug("connection ready",
		zap.Stringer("endpoint", endpoint),
		zap.Uint8("version", uint8(c.version)),
		zap.String("compression", config.Compression))
	return c, nil
}

func newClientConn(conn net.Conn, endpoint Endpoint, config ClientConnConfig) (*ClientConn, error) {
	compressor, err := wire.NewCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	if config.HeartBeatInterval == 0 {
		config.HeartBeatInterval = DefaultHeartBeatInterval
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.AbandonTimeout <= 0 {
		config.AbandonTimeout = DefaultAbandonTimeout
	}
	c := &ClientConn{
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, readBufferSize),
		endpoint:   endpoint,
		config:     config,
		logger:     GetOrCreateNopLogger(config.Logger),
		version:    config.Version,
		readCodec:  wire.NewCodec(compressor, config.MaxFrameSize),
		writeCodec: wire.NewCodec(nil, config.MaxFrameSize),
		streams:    newStreamIDs(wire.MaxStreams(config.Version)),
		pending:    make(map[int16]*PendingResponse),
		events:     make(chan message.Message, eventQueueSize),
		closed:     make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	return c, nil
}

func (c *ClientConn) Endpoint() Endpoint {
	return c.endpoint
}

func (c *ClientConn) Version() primitive.ProtocolVersion {
	return c.version
}

func (c *ClientConn) State() ConnState {
	return ConnState(c.state.Load())
}

// Keyspace is the keyspace most recently set on this connection.
func (c *ClientConn) Keyspace() string {
	return c.keyspace.Load()
}

// InFlight is the number of stream ids currently reserved.
func (c *ClientConn) InFlight() int {
	return c.streams.InUse()
}

// Closed is closed once the connection reaches StateClosed.
func (c *ClientConn) Closed() <-chan struct{} {
	return c.closed
}

// Err is the error that closed the connection, if any.
func (c *ClientConn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Send writes req on a free stream and returns without waiting for the
// response.
func (c *ClientConn) Send(ctx context.Context, req *wire.Request) (*PendingResponse, error) {
	if state := c.State(); state != StateReady && state != StateBusy {
		return nil, &ConnectionClosedError{Endpoint: c.endpoint.String(), Cause: c.Err()}
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx, "send", 0)
	}
	stream, ok := c.streams.Alloc()
	if !ok {
		return nil, ErrStreamsExhausted
	}
	p := &PendingResponse{conn: c, stream: stream, ch: make(chan response, 1)}
	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		c.streams.Free(stream)
		return nil, &ConnectionClosedError{Endpoint: c.endpoint.String(), Cause: c.closeErr}
	default:
	}
	c.pending[stream] = p
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	frame, err := c.writeCodec.EncodeRequest(req, c.version, stream)
	if err != nil {
		c.writeMu.Unlock()
		c.removePending(stream)
		return nil, err
	}
	err = c.writeCodec.WriteFrame(frame, c.conn)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(stream)
		_ = c.closeWithError(err)
		return nil, &ConnectionClosedError{Endpoint: c.endpoint.String(), Cause: err}
	}
	c.lastWrite.Store(time.Now().UnixNano())
	if ce := c.logger.Check(zap.DebugLevel, "sent request"); ce != nil {
		ce.Write(zap.Stringer("endpoint", c.endpoint), zap.Int16("stream", stream), zap.Stringer("opcode", frame.Header.OpCode))
	}
	return p, nil
}

// SendAndReceive sends msg and waits for its response. An ERROR response is
// returned as the matching typed error.
func (c *ClientConn) SendAndReceive(ctx context.Context, msg message.Message) (*wire.Response, error) {
	return c.Do(ctx, &wire.Request{Message: msg})
}

// Do is SendAndReceive with request flags.
func (c *ClientConn) Do(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	p, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if errMsg, ok := resp.Message.(message.Error); ok {
		return resp, serverError(errMsg)
	}
	return resp, nil
}

func (c *ClientConn) removePending(stream int16) *PendingResponse {
	c.pendingMu.Lock()
	p := c.pending[stream]
	delete(c.pending, stream)
	c.pendingMu.Unlock()
	if p != nil {
		c.streams.Free(stream)
	}
	return p
}

func (c *ClientConn) deliver(stream int16, resp *wire.Response, err error) {
	p := c.removePending(stream)
	if p == nil {
		c.logger.Warn("response for unknown stream", zap.Stringer("endpoint", c.endpoint), zap.Int16("stream", stream))
		return
	}
	if p.abandonedAt.Load() != 0 {
		c.logger.Debug("discarding late response", zap.Stringer("endpoint", c.endpoint), zap.Int16("stream", stream))
	}
	p.ch <- response{resp: resp, err: err}
}

func (c *ClientConn) readLoop() {
	for {
		frame, err := c.readCodec.ReadFrame(c.reader)
		if err != nil {
			_ = c.closeWithError(err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		resp, err := c.readCodec.DecodeResponse(frame)
		if frame.Header.StreamId < 0 {
			if err != nil {
				c.logger.Warn("unable to decode event", zap.Stringer("endpoint", c.endpoint), zap.Error(err))
				continue
			}
			if frame.Header.OpCode == primitive.OpCodeEvent {
				c.enqueueEvent(resp.Message)
			}
			continue
		}
		if err == nil && len(resp.Warnings) > 0 {
			c.logger.Warn("server warnings", zap.Stringer("endpoint", c.endpoint), zap.Strings("warnings", resp.Warnings))
		}
		c.deliver(frame.Header.StreamId, resp, err)
	}
}

func (c *ClientConn) enqueueEvent(event message.Message) {
	if c.config.EventHandler == nil {
		return
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("event queue full, dropping event", zap.Stringer("endpoint", c.endpoint))
	}
}

func (c *ClientConn) dispatchEvents() {
	for {
		select {
		case event := <-c.events:
			c.config.EventHandler.OnEvent(c, event)
		case <-c.closed:
			return
		}
	}
}

func (c *ClientConn) heartbeat() {
	ticker := time.NewTicker(c.config.HeartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-c.closed:
			return
		}
		idle := time.Since(time.Unix(0, c.lastRead.Load()))
		if idle >= c.config.IdleTimeout {
			c.logger.Warn("connection idle timeout", zap.Stringer("endpoint", c.endpoint), zap.Duration("idle", idle))
			_ = c.closeWithError(fmt.Errorf("no response for %v", idle))
			return
		}
		if waited := c.oldestAbandoned(time.Now()); waited >= c.config.AbandonTimeout {
			c.logger.Warn("abandoned stream never answered, closing connection",
				zap.Stringer("endpoint", c.endpoint), zap.Duration("waited", waited))
			_ = c.closeWithError(fmt.Errorf("%w: waited %v", ErrStreamAbandoned, waited))
			return
		}
		if time.Since(time.Unix(0, c.lastWrite.Load())) < c.config.HeartBeatInterval {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.HeartBeatInterval)
		_, err := c.SendAndReceive(ctx, &message.Options{})
		cancel()
		if err != nil {
			c.logger.Debug("heartbeat failed", zap.Stringer("endpoint", c.endpoint), zap.Error(err))
		}
	}
}

// oldestAbandoned is how long the longest abandoned stream has been waiting
// for its late response.
func (c *ClientConn) oldestAbandoned(now time.Time) time.Duration {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	var oldest time.Duration
	for _, p := range c.pending {
		at := p.abandonedAt.Load()
		if at == 0 {
			continue
		}
		if waited := now.Sub(time.Unix(0, at)); waited > oldest {
			oldest = waited
		}
	}
	return oldest
}

// Close shuts the transport down. Pending requests fail with
// ConnectionClosedError.
func (c *ClientConn) Close() error {
	return c.closeWithError(nil)
}

func (c *ClientConn) closeWithError(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeErr = cause
		err = c.conn.Close()

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int16]*PendingResponse)
		close(c.closed)
		c.pendingMu.Unlock()

		closedErr := &ConnectionClosedError{Endpoint: c.endpoint.String(), Cause: cause}
		for stream, p := range pending {
			c.streams.Free(stream)
			p.ch <- response{err: closedErr}
		}
		c.state.Store(int32(StateClosed))
		if cause != nil {
			c.logger.Info("connection closed", zap.Stringer("endpoint", c.endpoint), zap.Int("pending", len(pending)), zap.Error(cause))
		}
	})
	return err
}

func (c *ClientConn) handshake(ctx context.Context) error {
	compression := c.config.Compression
	if compression != "" {
		resp, err := c.SendAndReceive(ctx, &message.Options{})
		if err != nil {
			return err
		}
		supported, ok := resp.Message.(*message.Supported)
		if !ok {
			return &UnexpectedResponse{Expected: []string{"SUPPORTED"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
		}
		if !contains(supported.Options[message.StartupOptionCompression], compression) {
			c.logger.Warn("compression not supported by server, disabling",
				zap.Stringer("endpoint", c.endpoint), zap.String("compression", compression))
			compression = ""
		}
	}

	options := map[string]string{message.StartupOptionCqlVersion: wire.DefaultCQLVersion}
	if compression != "" {
		options[message.StartupOptionCompression] = compression
	}
	resp, err := c.SendAndReceive(ctx, &message.Startup{Options: options})
	if err != nil {
		return err
	}
	if compression != "" {
		c.writeMu.Lock()
		c.writeCodec = wire.NewCodec(c.readCodec.Compressor(), c.config.MaxFrameSize)
		c.writeMu.Unlock()
	}

	switch msg := resp.Message.(type) {
	case *message.Ready:
	case *message.Authenticate:
		if err = c.authenticate(ctx, msg.Authenticator); err != nil {
			return err
		}
	default:
		return &UnexpectedResponse{Expected: []string{"READY", "AUTHENTICATE"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
	}

	if c.config.Keyspace != "" {
		return c.SetKeyspace(ctx, c.config.Keyspace)
	}
	return nil
}

func (c *ClientConn) authenticate(ctx context.Context, authenticator string) error {
	if c.config.Auth == nil {
		return ErrAuthExpected
	}
	token, err := c.config.Auth.InitialResponse(authenticator)
	if err != nil {
		return &AuthenticationError{Message: err.Error()}
	}
	for {
		resp, err := c.SendAndReceive(ctx, &message.AuthResponse{Token: token})
		if err != nil {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				return err
			}
			var cqlErr *CqlError
			if errors.As(err, &cqlErr) {
				return &AuthenticationError{Message: cqlErr.Message.GetErrorMessage()}
			}
			return err
		}
		switch msg := resp.Message.(type) {
		case *message.AuthChallenge:
			if token, err = c.config.Auth.EvaluateChallenge(msg.Token); err != nil {
				return &AuthenticationError{Message: err.Error()}
			}
		case *message.AuthSuccess:
			if err = c.config.Auth.Success(msg.Token); err != nil {
				return &AuthenticationError{Message: err.Error()}
			}
			return nil
		default:
			return &UnexpectedResponse{Expected: []string{"AUTH_CHALLENGE", "AUTH_SUCCESS"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
		}
	}
}

// SetKeyspace issues USE when keyspace differs from the connection's current
// keyspace.
func (c *ClientConn) SetKeyspace(ctx context.Context, keyspace string) error {
	if keyspace == "" || keyspace == c.keyspace.Load() {
		return nil
	}
	resp, err := c.SendAndReceive(ctx, &message.Query{
		Query:   "USE " + QuoteIdentifier(keyspace),
		Options: &message.QueryOptions{Consistency: primitive.ConsistencyLevelOne},
	})
	if err != nil {
		return err
	}
	result, ok := resp.Message.(*message.SetKeyspaceResult)
	if !ok {
		return &UnexpectedResponse{Expected: []string{"SET_KEYSPACE"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
	}
	c.keyspace.Store(result.Keyspace)
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

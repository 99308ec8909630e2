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
	"time"

	otelgo "github.com/cqlsharp/cqldriver/otel"
	"github.com/cqlsharp/cqldriver/third_party/datastax/parser"
	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type commandState int

const (
	commandCreated commandState = iota
	commandPreparing
	commandSent
	commandAwaitingResponse
	commandCompleted
	commandFailed
)

func (s commandState) String() string {
	switch s {
	case commandCreated:
		return "created"
	case commandPreparing:
		return "preparing"
	case commandSent:
		return "sent"
	case commandAwaitingResponse:
		return "awaiting_response"
	case commandCompleted:
		return "completed"
	case commandFailed:
		return "failed"
	}
	return "unknown"
}

const (
	methodQuery   = "Query"
	methodExecute = "Execute"
	methodPrepare = "Prepare"
	methodBatch   = "Batch"
)

// command runs one statement to completion. A command re-prepares at most
// once: a second UNPREPARED for the same execution is a protocol violation.
type command struct {
	session    *Session
	stmt       *Statement
	prepare    bool
	state      commandState
	prepared   *PreparedStatement
	reprepared bool
	conn       *ClientConn
}

func (c *command) transition(next commandState) {
	if ce := c.session.logger.Check(zap.DebugLevel, "command state"); ce != nil {
		ce.Write(zap.Stringer("from", c.state), zap.Stringer("to", next), zap.String("query", c.stmt.Query))
	}
	c.state = next
}

func (c *command) run(ctx context.Context) (*Result, error) {
	s := c.session
	for {
		switch c.state {
		case commandCreated:
			if c.prepare {
				c.transition(commandPreparing)
			} else {
				c.transition(commandSent)
			}
		case commandPreparing:
			var err error
			if c.reprepared {
				c.prepared, err = s.reprepare(ctx, c.conn, c.stmt.Query)
			} else {
				c.prepared, err = s.Prepare(ctx, c.stmt.Query)
			}
			if err != nil {
				return c.fail(err)
			}
			c.transition(commandSent)
		case commandSent:
			req, err := c.request()
			if err != nil {
				return c.fail(err)
			}
			pending, err := c.send(ctx, req)
			if err != nil {
				return c.fail(err)
			}
			c.transition(commandAwaitingResponse)
			result, err := c.await(ctx, pending)
			if err == nil {
				c.transition(commandCompleted)
				return result, nil
			}
			var unprepared *UnpreparedError
			if !errors.As(err, &unprepared) {
				return c.fail(err)
			}
			if !c.prepare {
				return c.fail(&wire.ProtocolError{Message: "server reported an unprepared statement for a QUERY request", Cause: err})
			}
			if c.reprepared {
				return c.fail(&wire.ProtocolError{Message: "statement still unprepared after re-prepare", Cause: err})
			}
			s.logger.Debug("re-preparing statement", zap.String("query", c.stmt.Query), zap.Stringer("endpoint", c.conn.Endpoint()))
			otelgo.AddAnnotation(ctx, "re-prepare")
			c.reprepared = true
			c.transition(commandPreparing)
		default:
			return nil, fmt.Errorf("command in terminal state %v", c.state)
		}
	}
}

func (c *command) fail(err error) (*Result, error) {
	c.transition(commandFailed)
	return nil, err
}

func (c *command) request() (*wire.Request, error) {
	s := c.session
	req := &wire.Request{Tracing: c.stmt.Tracing, CustomPayload: c.stmt.CustomPayload}
	if c.prepared == nil {
		values, err := c.stmt.queryValues(s.version)
		if err != nil {
			return nil, err
		}
		req.Message = &message.Query{Query: c.stmt.Query, Options: c.stmt.options(&s.config, values)}
		return req, nil
	}
	values, err := c.bind()
	if err != nil {
		return nil, err
	}
	options := c.stmt.options(&s.config, values)
	options.SkipMetadata = c.prepared.ResultMetadata != nil && len(c.prepared.ResultMetadata.Columns) > 0
	req.Message = &message.Execute{QueryId: c.prepared.ID, Options: options}
	return req, nil
}

func (c *command) bind() ([]*primitive.Value, error) {
	version := c.session.version
	if len(c.stmt.Names) == 0 {
		return c.prepared.BindValues(version, c.stmt.Values)
	}
	if len(c.stmt.Names) != len(c.stmt.Values) {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("%d names for %d values", len(c.stmt.Names), len(c.stmt.Values))}
	}
	values := make([]*primitive.Value, len(c.stmt.Values))
	for i, name := range c.stmt.Names {
		column := c.prepared.variable(name)
		if column == nil {
			return nil, &InvalidQueryError{Message: fmt.Sprintf("query %q has no variable %q", c.prepared.Query, name)}
		}
		v, err := EncodeValue(column.Type, version, c.stmt.Values[i])
		if err != nil {
			return nil, &InvalidQueryError{Message: fmt.Sprintf("invalid value for %q", name), Cause: err}
		}
		values[i] = v
	}
	return values, nil
}

func (c *command) send(ctx context.Context, req *wire.Request) (*PendingResponse, error) {
	// a re-prepared statement is only known to the node that rejected it
	if c.conn == nil || !c.reprepared {
		conn, hr, err := c.session.borrow(ctx)
		if err != nil {
			return nil, err
		}
		hr.Mark(nil)
		c.conn = conn
	}
	return c.conn.Send(ctx, req)
}

func (c *command) await(ctx context.Context, pending *PendingResponse) (*Result, error) {
	resp, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if errMsg, ok := resp.Message.(message.Error); ok {
		return nil, serverError(errMsg)
	}
	var columns []*message.ColumnMetadata
	if c.prepared != nil && c.prepared.ResultMetadata != nil {
		columns = c.prepared.ResultMetadata.Columns
	}
	result, err := newResult(resp, c.conn.Version(), columns)
	if err != nil {
		return nil, err
	}
	if result.Kind == primitive.ResultTypeSetKeyspace {
		c.session.setKeyspace(result.Keyspace, c.conn)
	}
	if len(result.Warnings) > 0 {
		c.session.logger.Warn("query returned warnings", zap.String("query", c.stmt.Query), zap.Strings("warnings", result.Warnings))
		otelgo.AddAnnotationWithAttr(ctx, "server warnings", []attribute.KeyValue{attribute.StringSlice("warnings", result.Warnings)})
	}
	return result, nil
}

// Execute prepares stmt through the prepared cache and executes it with its
// values bound against the prepared variables.
func (s *Session) Execute(ctx context.Context, stmt *Statement) (*Result, error) {
	return s.runCommand(ctx, methodExecute, &command{session: s, stmt: stmt, prepare: true})
}

// Query sends stmt unprepared. Values are typed from their Go types.
func (s *Session) Query(ctx context.Context, stmt *Statement) (*Result, error) {
	return s.runCommand(ctx, methodQuery, &command{session: s, stmt: stmt})
}

func (s *Session) runCommand(ctx context.Context, method string, cmd *command) (result *Result, err error) {
	if err = s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	ctx, cancel, timeout := s.requestContext(ctx, cmd.stmt.Timeout)
	defer cancel()

	queryType := parser.Classify(cmd.stmt.Query).String()
	start := time.Now()
	ctx, span := s.telemetry.StartSpan(ctx, method, []attribute.KeyValue{
		attribute.String("query", cmd.stmt.Query),
		attribute.String("keyspace", s.keyspace.Load()),
		attribute.Bool("conditional", parser.IsConditional(cmd.stmt.Query)),
	})
	defer s.telemetry.EndSpan(span)
	defer func() {
		s.telemetry.RecordError(span, err)
		recordMetrics(ctx, s.telemetry, method, start, queryType, err)
	}()

	result, err = cmd.run(ctx)
	if err != nil {
		err = localError(ctx, err, method, timeout)
		s.logger.Debug("command failed", zap.String("method", method), zap.String("query", cmd.stmt.Query),
			zap.Stringer("kind", Classify(err)), zap.Error(err))
	}
	return result, err
}

// localError reports an expired request context as the session timeout.
func localError(ctx context.Context, err error, op string, timeout time.Duration) error {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) && ctx.Err() != nil {
		return &TimeoutError{Op: op, Timeout: timeout}
	}
	return err
}

func recordMetrics(ctx context.Context, o *otelgo.OpenTelemetry, method string, start time.Time, queryType string, err error) {
	// failures are labelled with their kind, e.g. "unavailable" or "local"
	status := "OK"
	if err != nil {
		status = Classify(err).String()
	}
	o.RecordRequestCountMetric(ctx, otelgo.Attributes{
		Method:    method,
		Status:    status,
		QueryType: queryType,
	})
	o.RecordLatencyMetric(ctx, time.Since(start), otelgo.Attributes{
		Method:    method,
		QueryType: queryType,
	})
}

// Prepare returns the cached statement for query in the session keyspace,
// preparing it on a pooled connection on a miss. Concurrent misses for the
// same key share one round-trip. The shared round-trip runs under the session
// request timeout, not under the context of whichever caller started it, so
// one caller giving up does not fail the others.
func (s *Session) Prepare(ctx context.Context, query string) (*PreparedStatement, error) {
	keyspace := s.keyspace.Load()
	if prepared, ok := s.prepared.Load(query, keyspace); ok {
		return prepared.cached(), nil
	}
	ch := s.prepareGroup.DoChan(preparedKey(query, keyspace), func() (interface{}, error) {
		if prepared, ok := s.prepared.Load(query, keyspace); ok {
			return prepared, nil
		}
		prepareCtx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
		defer cancel()
		conn, hr, err := s.borrow(prepareCtx)
		if err != nil {
			return nil, err
		}
		prepared, err := prepareOn(prepareCtx, conn, query)
		hr.Mark(nil)
		if err != nil {
			return nil, err
		}
		s.prepared.Store(query, keyspace, prepared)
		return prepared, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*PreparedStatement), nil
	case <-ctx.Done():
		return nil, contextError(ctx, "prepare", 0)
	}
}

// reprepare prepares query again on the connection that reported it unknown
// and replaces the cache entry.
func (s *Session) reprepare(ctx context.Context, conn *ClientConn, query string) (*PreparedStatement, error) {
	prepared, err := prepareOn(ctx, conn, query)
	if err != nil {
		return nil, err
	}
	s.prepared.Store(query, s.keyspace.Load(), prepared)
	return prepared, nil
}

func prepareOn(ctx context.Context, conn *ClientConn, query string) (*PreparedStatement, error) {
	resp, err := conn.SendAndReceive(ctx, &message.Prepare{Query: query})
	if err != nil {
		return nil, err
	}
	result, ok := resp.Message.(*message.PreparedResult)
	if !ok {
		return nil, &UnexpectedResponse{Expected: []string{"PREPARED"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
	}
	prepared := &PreparedStatement{
		ID:             result.PreparedQueryId,
		Query:          query,
		Keyspace:       conn.Keyspace(),
		ResultMetadata: result.ResultMetadata,
	}
	prepared.Idempotent, _ = parser.IsQueryIdempotent(query)
	if result.VariablesMetadata != nil {
		prepared.Variables = result.VariablesMetadata.Columns
		prepared.PkIndices = result.VariablesMetadata.PkIndices
	}
	return prepared, nil
}

func (s *Session) setKeyspace(keyspace string, conn *ClientConn) {
	if old := s.keyspace.Swap(keyspace); old != keyspace {
		s.logger.Info("session keyspace changed", zap.String("from", old), zap.String("to", keyspace))
	}
	conn.keyspace.Store(keyspace)
}

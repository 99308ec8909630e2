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
	"bytes"
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

type BatchEntry struct {
	Query  string
	Values []interface{}
	// Unprepared sends the query text instead of a prepared id.
	Unprepared bool
}

// Batch groups INSERT, UPDATE and DELETE statements into one request. The
// batch succeeds or fails as a whole.
type Batch struct {
	Type              primitive.BatchType
	Entries []*BatchEntry
	// Consistency overrides SessionConfig.Consistency when set.
	Consistency       *primitive.ConsistencyLevel
	SerialConsistency primitive.ConsistencyLevel
	DefaultTimestamp  int64
	Tracing           bool
	CustomPayload     map[string][]byte
	Timeout           time.Duration
}

func NewBatch(typ primitive.BatchType) *Batch {
	return &Batch{Type: typ}
}

// Query adds a statement that is prepared through the session cache.
func (b *Batch) Query(query string, values ...interface{}) *Batch {
	b.Entries = append(b.Entries, &BatchEntry{Query: query, Values: values})
	return b
}

// QueryUnprepared adds a statement sent as text with Go-typed values.
func (b *Batch) QueryUnprepared(query string, values ...interface{}) *Batch {
	b.Entries = append(b.Entries, &BatchEntry{Query: query, Values: values, Unprepared: true})
	return b
}

func (b *Batch) WithConsistency(consistency primitive.ConsistencyLevel) *Batch {
	b.Consistency = &consistency
	return b
}

func (b *Batch) Size() int {
	return len(b.Entries)
}

func (b *Batch) validate() error {
	if err := primitive.CheckValidBatchType(b.Type); err != nil {
		return &ArgumentError{Message: err.Error()}
	}
	if len(b.Entries) == 0 {
		return &ArgumentError{Message: "batch has no statements"}
	}
	for i, entry := range b.Entries {
		switch parser.Classify(entry.Query) {
		case parser.KindInsert, parser.KindUpdate, parser.KindDelete:
		case parser.KindSelect:
			return &ArgumentError{Message: fmt.Sprintf("batch statement %d is a SELECT: %q", i, entry.Query)}
		default:
			return &ArgumentError{Message: fmt.Sprintf("batch statement %d is not a modification: %q", i, entry.Query)}
		}
	}
	return nil
}

// ExecuteBatch sends b as a single BATCH request. Prepared entries go through
// the prepared cache first. An UNPREPARED reply re-prepares the rejected entry
// once on the same connection.
func (s *Session) ExecuteBatch(ctx context.Context, b *Batch) (result *Result, err error) {
	if err = b.validate(); err != nil {
		return nil, err
	}
	if err = s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	ctx, cancel, timeout := s.requestContext(ctx, b.Timeout)
	defer cancel()

	start := time.Now()
	ctx, span := s.telemetry.StartSpan(ctx, methodBatch, []attribute.KeyValue{
		attribute.Int("statements", len(b.Entries)),
		attribute.String("keyspace", s.keyspace.Load()),
	})
	defer s.telemetry.EndSpan(span)
	defer func() {
		s.telemetry.RecordError(span, err)
		recordMetrics(ctx, s.telemetry, methodBatch, start, parser.KindBatch.String(), err)
	}()

	result, err = s.runBatch(ctx, b)
	if err != nil {
		err = localError(ctx, err, methodBatch, timeout)
		s.logger.Debug("batch failed", zap.Int("statements", len(b.Entries)), zap.Stringer("kind", Classify(err)), zap.Error(err))
	}
	return result, err
}

func (s *Session) runBatch(ctx context.Context, b *Batch) (*Result, error) {
	prepared := make([]*PreparedStatement, len(b.Entries))
	for i, entry := range b.Entries {
		if entry.Unprepared {
			continue
		}
		p, err := s.Prepare(ctx, entry.Query)
		if err != nil {
			return nil, fmt.Errorf("unable to prepare batch statement %d: %w", i, err)
		}
		prepared[i] = p
	}

	conn, hr, err := s.borrow(ctx)
	if err != nil {
		return nil, err
	}
	hr.Mark(nil)

	reprepared := false
	for {
		msg, err := s.batchMessage(b, prepared)
		if err != nil {
			return nil, err
		}
		resp, err := conn.Do(ctx, &wire.Request{Message: msg, Tracing: b.Tracing, CustomPayload: b.CustomPayload})
		if err == nil {
			return newResult(resp, conn.Version(), nil)
		}
		var unprepared *UnpreparedError
		if !errors.As(err, &unprepared) {
			return nil, err
		}
		if reprepared {
			return nil, &wire.ProtocolError{Message: "batch statement still unprepared after re-prepare", Cause: err}
		}
		reprepared = true
		otelgo.AddAnnotation(ctx, "re-prepare")
		found := false
		for i, p := range prepared {
			if p == nil || !bytes.Equal(p.ID, unprepared.ID) {
				continue
			}
			if prepared[i], err = s.reprepare(ctx, conn, p.Query); err != nil {
				return nil, err
			}
			found = true
		}
		if !found {
			return nil, &wire.ProtocolError{Message: "server reported an unknown id for a batch", Cause: err}
		}
		s.logger.Debug("re-prepared batch statement", zap.Stringer("endpoint", conn.Endpoint()))
	}
}

func (s *Session) batchMessage(b *Batch, prepared []*PreparedStatement) (*message.Batch, error) {
	msg := &message.Batch{
		Type:        b.Type,
		Consistency: s.config.consistency(),
		Children:    make([]*message.BatchChild, len(b.Entries)),
	}
	if b.Consistency != nil {
		msg.Consistency = *b.Consistency
	}
	if b.SerialConsistency != 0 {
		msg.SerialConsistency = &primitive.NillableConsistencyLevel{Value: b.SerialConsistency}
	}
	if b.DefaultTimestamp != 0 {
		msg.DefaultTimestamp = &primitive.NillableInt64{Value: b.DefaultTimestamp}
	}
	for i, entry := range b.Entries {
		if p := prepared[i]; p != nil {
			values, err := p.BindValues(s.version, entry.Values)
			if err != nil {
				return nil, fmt.Errorf("batch statement %d: %w", i, err)
			}
			msg.Children[i] = &message.BatchChild{QueryOrId: p.ID, Values: values}
			continue
		}
		stmt := Statement{Query: entry.Query, Values: entry.Values}
		values, err := stmt.queryValues(s.version)
		if err != nil {
			return nil, fmt.Errorf("batch statement %d: %w", i, err)
		}
		msg.Children[i] = &message.BatchChild{QueryOrId: entry.Query, Values: values}
	}
	return msg, nil
}

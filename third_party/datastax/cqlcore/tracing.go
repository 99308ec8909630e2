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
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.uber.org/zap"
)

const (
	traceSessionQuery = "SELECT coordinator, duration, parameters, request, started_at FROM system_traces.sessions WHERE session_id = ?"
	traceEventsQuery  = "SELECT event_id, activity, source, source_elapsed, thread FROM system_traces.events WHERE session_id = ?"

	traceRetryInterval = 100 * time.Millisecond
	traceMaxRetries    = 10
)

var errTraceIncomplete = errors.New("trace is not complete yet")

// TraceSession is a query trace read from system_traces.
type TraceSession struct {
	ID          primitive.UUID
	Coordinator net.IP
	// Duration is nil until the coordinator finished writing the trace.
	Duration   *time.Duration
	Parameters map[string]string
	Request    string
	StartedAt  time.Time
	Events     []TraceEvent
}

type TraceEvent struct {
	ID            primitive.UUID
	Activity      string
	Source        net.IP
	SourceElapsed time.Duration
	Thread        string
}

// Trace loads the trace recorded for a statement executed with Tracing set.
// Traces are written asynchronously, so incomplete traces are polled a few
// times before the partial trace is returned.
func (s *Session) Trace(ctx context.Context, id primitive.UUID) (*TraceSession, error) {
	var trace *TraceSession
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(traceRetryInterval), traceMaxRetries)
	err := backoff.Retry(func() error {
		var err error
		trace, err = s.loadTrace(ctx, id)
		if err != nil && !errors.Is(err, errTraceIncomplete) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if errors.Is(err, errTraceIncomplete) && trace != nil {
		s.logger.Debug("returning incomplete trace", zap.String("id", id.String()))
		return trace, nil
	}
	if err != nil {
		return nil, err
	}
	return trace, nil
}

func (s *Session) loadTrace(ctx context.Context, id primitive.UUID) (*TraceSession, error) {
	result, err := s.Query(ctx, NewStatement(traceSessionQuery, id).WithConsistency(primitive.ConsistencyLevelOne))
	if err != nil {
		return nil, err
	}
	if result.Rows == nil || result.Rows.RowCount() == 0 {
		return nil, errTraceIncomplete
	}
	row := result.Rows.Row(0)
	trace := &TraceSession{ID: id}
	trace.Coordinator, _ = row.InetByName("coordinator")
	trace.Request, _ = row.StringByName("request")
	if val, err := row.ByName("duration"); err == nil {
		if micros, ok := val.(int32); ok {
			d := time.Duration(micros) * time.Microsecond
			trace.Duration = &d
		}
	}
	if val, err := row.ByName("started_at"); err == nil {
		trace.StartedAt, _ = val.(time.Time)
	}
	if val, err := row.ByName("parameters"); err == nil {
		if params, ok := val.(map[interface{}]interface{}); ok {
			trace.Parameters = make(map[string]string, len(params))
			for k, v := range params {
				key, _ := k.(string)
				trace.Parameters[key], _ = v.(string)
			}
		}
	}

	events, err := s.Query(ctx, NewStatement(traceEventsQuery, id).WithConsistency(primitive.ConsistencyLevelOne))
	if err != nil {
		return nil, err
	}
	if events.Rows != nil {
		for i := 0; i < events.Rows.RowCount(); i++ {
			row := events.Rows.Row(i)
			event := TraceEvent{}
			event.ID, _ = row.UUIDByName("event_id")
			event.Activity, _ = row.StringByName("activity")
			event.Source, _ = row.InetByName("source")
			event.Thread, _ = row.StringByName("thread")
			if val, err := row.ByName("source_elapsed"); err == nil {
				if micros, ok := val.(int32); ok {
					event.SourceElapsed = time.Duration(micros) * time.Microsecond
				}
			}
			trace.Events = append(trace.Events, event)
		}
	}
	if trace.Duration == nil {
		return trace, errTraceIncomplete
	}
	return trace, nil
}

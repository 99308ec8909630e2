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
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	otelgo "github.com/cqlsharp/cqldriver/otel"
	"github.com/cqlsharp/cqldriver/third_party/datastax/parser"
	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

const (
	insertQuery = "INSERT INTO ks1.t (id, name) VALUES (?, ?)"
	selectQuery = "SELECT id, name FROM ks1.t WHERE id = ?"
	casQuery    = "INSERT INTO ks1.t (id, name) VALUES (?, ?) IF NOT EXISTS"
	pagedQuery  = "SELECT v FROM ks1.paged"
)

var (
	idColumn   = mockColumn("ks1", "t", "id", datatype.Int)
	nameColumn = mockColumn("ks1", "t", "name", datatype.Varchar)
)

// table is a single partition key table served by a MockHandler.
type table struct {
	mu       sync.Mutex
	rows     map[int32]string
	prepares int
}

func newTable() *table {
	return &table{rows: make(map[int32]string)}
}

func (tb *table) decode(req *MockRequest) (int32, string) {
	id, _ := DecodeValue(datatype.Int, req.Version, req.Params.PositionalValues[0])
	name, _ := DecodeValue(datatype.Varchar, req.Version, req.Params.PositionalValues[1])
	n, _ := name.(string)
	return id.(int32), n
}

func (tb *table) handle(req *MockRequest) message.Message {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if req.OpCode == primitive.OpCodePrepare {
		tb.prepares++
		switch req.Query {
		case insertQuery, casQuery:
			return &message.PreparedResult{VariablesMetadata: &message.VariablesMetadata{
				Columns: []*message.ColumnMetadata{idColumn, nameColumn}, PkIndices: []uint16{0},
			}}
		case selectQuery:
			return &message.PreparedResult{
				VariablesMetadata: &message.VariablesMetadata{Columns: []*message.ColumnMetadata{idColumn}, PkIndices: []uint16{0}},
				ResultMetadata:    &message.RowsMetadata{ColumnCount: 2, Columns: []*message.ColumnMetadata{idColumn, nameColumn}},
			}
		}
		return nil
	}
	switch req.Query {
	case insertQuery:
		id, name := tb.decode(req)
		tb.rows[id] = name
		return &message.VoidResult{}
	case casQuery:
		id, name := tb.decode(req)
		applied := mockColumn("ks1", "t", AppliedColumn, datatype.Boolean)
		if existing, ok := tb.rows[id]; ok {
			return MockRows(req.Version, []*message.ColumnMetadata{applied, idColumn, nameColumn}, [][]interface{}{{false, id, existing}}, nil)
		}
		tb.rows[id] = name
		return MockRows(req.Version, []*message.ColumnMetadata{applied}, [][]interface{}{{true}}, nil)
	case selectQuery:
		v, _ := DecodeValue(datatype.Int, req.Version, req.Params.PositionalValues[0])
		id := v.(int32)
		var data [][]interface{}
		if name, ok := tb.rows[id]; ok {
			data = append(data, []interface{}{id, name})
		}
		rows := MockRows(req.Version, []*message.ColumnMetadata{idColumn, nameColumn}, data, nil)
		if req.Params.SkipMetadata {
			rows.Metadata.Columns = nil
		}
		return rows
	}
	return nil
}

func startSession(t *testing.T, port int, handler MockHandler, configure func(*MockCluster, *SessionConfig)) (*MockCluster, *Session) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	c := NewMockCluster(net.ParseIP("127.0.0.1"), port).WithLogger(logger)
	c.Handler = handler
	config := SessionConfig{
		ConnectTimeout:    10 * time.Second,
		HeartBeatInterval: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		Logger:            logger,
	}
	if configure != nil {
		configure(c, &config)
	}
	for i := 1; i <= 3; i++ {
		require.NoError(t, c.Add(context.Background(), i))
	}
	t.Cleanup(c.Shutdown)

	cluster := connectTestCluster(t, c, ClusterConfig{Auth: config.Auth})
	session, err := ConnectSession(context.Background(), cluster, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return c, session
}

func TestConnectSession(t *testing.T) {
	_, session := startSession(t, 29200, nil, func(_ *MockCluster, config *SessionConfig) {
		config.Version = primitive.ProtocolVersion4
		config.NumConns = 2
	})
	assert.Equal(t, primitive.ProtocolVersion4, session.Version())

	session.mu.RLock()
	defer session.mu.RUnlock()
	assert.Len(t, session.pools, 3)
	for _, pool := range session.pools {
		assert.NotNil(t, pool.leastBusy())
	}
}

func TestConnectSessionNoHosts(t *testing.T) {
	c := startMockCluster(t, 29201, 1)
	cluster := connectTestCluster(t, c, ClusterConfig{})
	c.Shutdown()

	_, err := ConnectSession(context.Background(), cluster, SessionConfig{ConnectTimeout: time.Second})
	assert.Error(t, err)
}

func TestSessionInsertSelect(t *testing.T) {
	tb := newTable()
	_, session := startSession(t, 29202, tb.handle, nil)
	ctx := context.Background()

	result, err := session.Execute(ctx, NewStatement(insertQuery, 123, "Hallo"))
	require.NoError(t, err)
	assert.Equal(t, primitive.ResultTypeVoid, result.Kind)

	result, err = session.Execute(ctx, NewStatement(selectQuery, int32(123)))
	require.NoError(t, err)
	require.NotNil(t, result.Rows)
	require.Equal(t, 1, result.Rows.RowCount())
	name, err := result.Rows.Row(0).StringByName("name")
	require.NoError(t, err)
	assert.Equal(t, "Hallo", name)

	result, err = session.Execute(ctx, NewStatement(selectQuery, int32(456)))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Rows.RowCount())

	_, err = session.Execute(ctx, NewStatement(insertQuery, "not an int", "Hallo"))
	var invalid *InvalidQueryError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, KindInvalidRequest, Classify(err))

	_, err = session.Execute(ctx, NewStatement(insertQuery, 1))
	assert.ErrorAs(t, err, &invalid)
}

func TestSessionPaging(t *testing.T) {
	var pageSizes []int32
	var mu sync.Mutex
	values := mockColumn("ks1", "paged", "v", datatype.Int)
	handler := func(req *MockRequest) message.Message {
		if req.Query != pagedQuery || req.OpCode == primitive.OpCodePrepare {
			return nil
		}
		mu.Lock()
		pageSizes = append(pageSizes, req.Params.PageSize)
		mu.Unlock()
		offset := 0
		if len(req.Params.PagingState) == 4 {
			offset = int(binary.BigEndian.Uint32(req.Params.PagingState))
		}
		var rows [][]interface{}
		for i := offset; i < offset+int(req.Params.PageSize) && i < 100; i++ {
			rows = append(rows, []interface{}{int32(i)})
		}
		var state []byte
		if next := offset + len(rows); next < 100 {
			state = binary.BigEndian.AppendUint32(nil, uint32(next))
		}
		return MockRows(req.Version, []*message.ColumnMetadata{values}, rows, state)
	}
	_, session := startSession(t, 29203, handler, nil)

	cur := session.Iter(NewStatement(pagedQuery).WithPageSize(10))
	pages := 0
	var all []int32
	for cur.Next(context.Background()) {
		pages++
		for i := 0; i < cur.Page().RowCount(); i++ {
			v, err := cur.Page().Row(i).ByPos(0)
			require.NoError(t, err)
			all = append(all, v.(int32))
		}
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 10, pages)
	assert.Len(t, all, 100)
	assert.Equal(t, int32(99), all[99])
	assert.True(t, cur.Exhausted())
	assert.Nil(t, cur.PagingState())
	for _, size := range pageSizes {
		assert.Equal(t, int32(10), size)
	}

	// resume from the middle through the unprepared path
	stmt := NewStatement(pagedQuery).WithPageSize(10)
	stmt.PagingState = binary.BigEndian.AppendUint32(nil, 90)
	rows, err := session.IterQuery(stmt).All(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}

func TestSessionConditionalInsert(t *testing.T) {
	tb := newTable()
	_, session := startSession(t, 29204, tb.handle, nil)
	ctx := context.Background()

	result, err := session.Execute(ctx, NewStatement(casQuery, 1, "first"))
	require.NoError(t, err)
	applied, err := result.Applied()
	require.NoError(t, err)
	assert.True(t, applied)

	result, err = session.Execute(ctx, NewStatement(casQuery, 1, "second"))
	require.NoError(t, err)
	applied, err = result.Applied()
	require.NoError(t, err)
	assert.False(t, applied)
	existing, err := result.Rows.Row(0).StringByName("name")
	require.NoError(t, err)
	assert.Equal(t, "first", existing)
}

type batchRecorder struct {
	mock.Mock
}

func (r *batchRecorder) Handle(req *MockRequest) message.Message {
	args := r.Called(req)
	msg, _ := args.Get(0).(message.Message)
	return msg
}

func TestSessionBatch(t *testing.T) {
	recorder := &batchRecorder{}
	isBatch := func(req *MockRequest) bool { return req.OpCode == primitive.OpCodeBatch }
	recorder.On("Handle", mock.MatchedBy(func(req *MockRequest) bool { return !isBatch(req) })).Return(nil)
	recorder.On("Handle", mock.MatchedBy(func(req *MockRequest) bool {
		return isBatch(req) && strings.Contains(req.Batch.Queries[0], "bad")
	})).Return(&message.Invalid{ErrorMessage: "unknown table bad"})
	var seen *MockBatch
	recorder.On("Handle", mock.MatchedBy(func(req *MockRequest) bool {
		return isBatch(req) && !strings.Contains(req.Batch.Queries[0], "bad")
	})).Run(func(args mock.Arguments) {
		seen = args.Get(0).(*MockRequest).Batch
	}).Return(&message.VoidResult{})

	_, session := startSession(t, 29205, recorder.Handle, nil)
	ctx := context.Background()

	b := NewBatch(primitive.BatchTypeLogged).
		Query("INSERT INTO ks1.t (id) VALUES (1)").
		QueryUnprepared("UPDATE ks1.t SET name = ? WHERE id = ?", "x", 2)
	result, err := session.ExecuteBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, primitive.ResultTypeVoid, result.Kind)
	require.NotNil(t, seen)
	assert.Equal(t, primitive.BatchTypeLogged, seen.Type)
	assert.Equal(t, []bool{true, false}, seen.Prepared)
	assert.Len(t, seen.Queries, 2)

	_, err = session.ExecuteBatch(ctx, NewBatch(primitive.BatchTypeUnlogged).QueryUnprepared("INSERT INTO ks1.bad (id) VALUES (1)"))
	var invalid *InvalidError
	assert.ErrorAs(t, err, &invalid)

	_, err = session.ExecuteBatch(ctx, NewBatch(primitive.BatchTypeLogged).Query("SELECT * FROM ks1.t"))
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)

	_, err = session.ExecuteBatch(ctx, NewBatch(primitive.BatchTypeLogged))
	assert.ErrorAs(t, err, &argErr)

	recorder.AssertNumberOfCalls(t, "Handle", 3)
}

func TestSessionBatchConsistency(t *testing.T) {
	var mu sync.Mutex
	var levels []primitive.ConsistencyLevel
	handler := func(req *MockRequest) message.Message {
		if req.OpCode == primitive.OpCodeBatch {
			mu.Lock()
			levels = append(levels, req.Params.Consistency)
			mu.Unlock()
		}
		return nil
	}
	_, session := startSession(t, 29218, handler, nil)
	tests := []struct {
		name  string
		batch *Batch
		want  primitive.ConsistencyLevel
	}{
		{"session default", NewBatch(primitive.BatchTypeUnlogged), primitive.ConsistencyLevelOne},
		{"any", NewBatch(primitive.BatchTypeUnlogged).WithConsistency(primitive.ConsistencyLevelAny), primitive.ConsistencyLevelAny},
		{"quorum", NewBatch(primitive.BatchTypeUnlogged).WithConsistency(primitive.ConsistencyLevelQuorum), primitive.ConsistencyLevelQuorum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			levels = nil
			mu.Unlock()
			_, err := session.ExecuteBatch(context.Background(), tt.batch.QueryUnprepared("INSERT INTO ks1.t (id) VALUES (1)"))
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []primitive.ConsistencyLevel{tt.want}, levels)
		})
	}
}

func TestSessionReprepare(t *testing.T) {
	tb := newTable()
	c, session := startSession(t, 29206, tb.handle, nil)
	ctx := context.Background()

	_, err := session.Execute(ctx, NewStatement(insertQuery, 1, "a"))
	require.NoError(t, err)
	c.ForgetPrepared()
	_, err = session.Execute(ctx, NewStatement(insertQuery, 2, "b"))
	require.NoError(t, err)

	tb.mu.Lock()
	assert.Equal(t, 2, tb.prepares)
	assert.Equal(t, "b", tb.rows[2])
	tb.mu.Unlock()

	c.ForgetPrepared()
	b := NewBatch(primitive.BatchTypeLogged).Query(insertQuery, 3, "c")
	_, err = session.ExecuteBatch(ctx, b)
	require.NoError(t, err)
}

func TestSessionUnpreparedTwice(t *testing.T) {
	tb := newTable()
	c, session := startSession(t, 29207, tb.handle, nil)
	c.UnpreparedAlways = true

	_, err := session.Execute(context.Background(), NewStatement(insertQuery, 1, "a"))
	var protocolErr *wire.ProtocolError
	require.ErrorAs(t, err, &protocolErr)
	var unprepared *UnpreparedError
	assert.ErrorAs(t, err, &unprepared)
	assert.Equal(t, KindProtocol, Classify(err))
}

// A QUERY answered with UNPREPARED is a server fault, not a reason to
// prepare.
func TestSessionQueryUnprepared(t *testing.T) {
	handler := func(req *MockRequest) message.Message {
		if req.OpCode == primitive.OpCodeQuery && strings.Contains(req.Query, "ks1.t") {
			return &message.Unprepared{ErrorMessage: "Prepared query with ID not found", Id: []byte{1}}
		}
		return nil
	}
	tests := []struct {
		name string
		stmt *Statement
	}{
		{"no values", NewStatement("SELECT * FROM ks1.t")},
		{"with values", NewStatement("SELECT * FROM ks1.t WHERE id = ?", int32(1))},
	}
	_, session := startSession(t, 29216, handler, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := session.Query(context.Background(), tt.stmt)
			var protocolErr *wire.ProtocolError
			require.ErrorAs(t, err, &protocolErr)
			var unprepared *UnpreparedError
			assert.ErrorAs(t, err, &unprepared)
			assert.Equal(t, KindProtocol, Classify(err))
		})
	}
}

func TestSessionPrepareCache(t *testing.T) {
	tb := newTable()
	_, session := startSession(t, 29208, tb.handle, nil)
	ctx := context.Background()

	first, err := session.Prepare(ctx, insertQuery)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.True(t, first.Idempotent)
	assert.Equal(t, []datatype.DataType{datatype.Int, datatype.Varchar}, first.Types())

	second, err := session.Prepare(ctx, insertQuery)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.ID, second.ID)

	cas, err := session.Prepare(ctx, casQuery)
	require.NoError(t, err)
	assert.False(t, cas.Idempotent)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := session.Prepare(ctx, selectQuery)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tb.mu.Lock()
	defer tb.mu.Unlock()
	assert.Equal(t, 3, tb.prepares)
}

func TestSessionUseKeyspace(t *testing.T) {
	var mu sync.Mutex
	var keyspaces []string
	handler := func(req *MockRequest) message.Message {
		mu.Lock()
		keyspaces = append(keyspaces, req.Keyspace)
		mu.Unlock()
		return nil
	}
	_, session := startSession(t, 29209, handler, nil)
	ctx := context.Background()

	result, err := session.Query(ctx, NewStatement("USE ks1"))
	require.NoError(t, err)
	assert.Equal(t, primitive.ResultTypeSetKeyspace, result.Kind)
	assert.Equal(t, "ks1", session.Keyspace())

	// every connection switches before running the next statement
	for i := 0; i < 6; i++ {
		_, err = session.Query(ctx, NewStatement("INSERT INTO t (id) VALUES (1)"))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, ks := range keyspaces {
		assert.Equal(t, "ks1", ks)
	}
}

func TestSessionTracing(t *testing.T) {
	traceID := primitive.UUID{0xde, 0xad}
	handler := func(req *MockRequest) message.Message {
		switch {
		case strings.Contains(req.Query, "system_traces.sessions"):
			return MockRows(req.Version, parser.SystemTracesSessionsColumns, [][]interface{}{{
				traceID, net.ParseIP("127.0.0.1"), "QUERY", net.ParseIP("127.0.0.1"), int32(1500),
				map[string]string{"query": "SELECT 1"}, "Execute CQL3 query", time.UnixMilli(1700000000000),
			}}, nil)
		case strings.Contains(req.Query, "system_traces.events"):
			eventID := primitive.UUID{0x10, 0, 0, 0, 0, 0, 0x10}
			return MockRows(req.Version, parser.SystemTracesEventsColumns, [][]interface{}{
				{traceID, eventID, "Parsing SELECT 1", net.ParseIP("127.0.0.2"), int32(20), "Native-Transport-Requests-1"},
			}, nil)
		}
		return nil
	}
	_, session := startSession(t, 29210, handler, nil)
	ctx := context.Background()

	result, err := session.Query(ctx, NewStatement("SELECT 1 FROM ks1.t").WithTracing(true))
	require.NoError(t, err)
	require.NotNil(t, result.TracingID)

	trace, err := session.Trace(ctx, traceID)
	require.NoError(t, err)
	require.NotNil(t, trace.Duration)
	assert.Equal(t, 1500*time.Microsecond, *trace.Duration)
	assert.Equal(t, "Execute CQL3 query", trace.Request)
	assert.Equal(t, "SELECT 1", trace.Parameters["query"])
	assert.True(t, net.ParseIP("127.0.0.1").Equal(trace.Coordinator))
	require.Len(t, trace.Events, 1)
	assert.Equal(t, "Parsing SELECT 1", trace.Events[0].Activity)
	assert.Equal(t, 20*time.Microsecond, trace.Events[0].SourceElapsed)
}

func TestSessionTimeout(t *testing.T) {
	handler := func(req *MockRequest) message.Message {
		if strings.Contains(req.Query, "slow") {
			time.Sleep(300 * time.Millisecond)
		}
		return nil
	}
	_, session := startSession(t, 29211, handler, nil)
	ctx := context.Background()

	stmt := NewStatement("SELECT * FROM ks1.slow")
	stmt.Timeout = 50 * time.Millisecond
	_, err := session.Query(ctx, stmt)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.Equal(t, KindLocal, Classify(err))

	// the connection survives the timeout
	_, err = session.Query(ctx, NewStatement("SELECT * FROM ks1.fast"))
	assert.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = session.Query(cancelled, NewStatement("SELECT * FROM ks1.fast"))
	assert.Equal(t, KindLocal, Classify(err))
}

// A caller that gives up on a shared PREPARE must not fail the callers
// waiting on the same round-trip.
func TestSessionPrepareOutlivesCaller(t *testing.T) {
	const slowQuery = "SELECT * FROM ks1.slowprep"
	tests := []struct {
		name          string
		firstTimeout  time.Duration
		secondTimeout time.Duration
	}{
		{"first caller times out", 50 * time.Millisecond, 5 * time.Second},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			prepares := 0
			handler := func(req *MockRequest) message.Message {
				if req.Query != slowQuery || req.OpCode != primitive.OpCodePrepare {
					return nil
				}
				mu.Lock()
				prepares++
				mu.Unlock()
				time.Sleep(300 * time.Millisecond)
				return nil
			}
			_, session := startSession(t, 29217+i, handler, nil)
			ctx := context.Background()

			first := make(chan error, 1)
			go func() {
				stmt := NewStatement(slowQuery)
				stmt.Timeout = tt.firstTimeout
				_, err := session.Execute(ctx, stmt)
				first <- err
			}()
			time.Sleep(10 * time.Millisecond)
			stmt := NewStatement(slowQuery)
			stmt.Timeout = tt.secondTimeout
			result, err := session.Execute(ctx, stmt)
			require.NoError(t, err)
			assert.Equal(t, primitive.ResultTypeVoid, result.Kind)

			var timeoutErr *TimeoutError
			assert.ErrorAs(t, <-first, &timeoutErr)
			mu.Lock()
			assert.Equal(t, 1, prepares)
			mu.Unlock()
		})
	}
}

func TestSessionNamedValues(t *testing.T) {
	const namedQuery = "INSERT INTO ks1.t (id, name) VALUES (:id, :name)"
	var got *MockRequest
	handler := func(req *MockRequest) message.Message {
		if req.Query != namedQuery {
			return nil
		}
		if req.OpCode == primitive.OpCodePrepare {
			return &message.PreparedResult{VariablesMetadata: &message.VariablesMetadata{
				Columns: []*message.ColumnMetadata{idColumn, nameColumn},
			}}
		}
		got = req
		return nil
	}
	_, session := startSession(t, 29212, handler, nil)
	ctx := context.Background()

	_, err := session.Execute(ctx, &Statement{Query: namedQuery, Names: []string{"name", "id"}, Values: []interface{}{"Hallo", 123}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Params.NamedValues, 2)
	assert.Nil(t, got.Params.PositionalValues)
	id, err := DecodeValue(datatype.Int, got.Version, got.Params.NamedValues["id"])
	require.NoError(t, err)
	assert.Equal(t, int32(123), id)

	_, err = session.Execute(ctx, &Statement{Query: namedQuery, Names: []string{"missing"}, Values: []interface{}{1}})
	var invalid *InvalidQueryError
	assert.ErrorAs(t, err, &invalid)

	_, err = session.Query(ctx, &Statement{Query: namedQuery, Names: []string{"id"}, Values: []interface{}{1, 2}})
	assert.ErrorAs(t, err, &invalid)
}

func TestSessionAuthentication(t *testing.T) {
	tb := newTable()
	_, session := startSession(t, 29213, tb.handle, func(c *MockCluster, config *SessionConfig) {
		c.Username = "cassandra"
		c.Password = "secret"
		config.Auth = NewPasswordAuth("cassandra", "secret")
	})
	_, err := session.Execute(context.Background(), NewStatement(insertQuery, 1, "a"))
	assert.NoError(t, err)
}

func TestSessionTelemetry(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	telemetry, err := otelgo.NewOpenTelemetryWithProviders(&otelgo.OTelConfig{
		OTELEnabled:   true,
		TraceEnabled:  true,
		MetricEnabled: true,
		ServiceName:   "cqldriver-test",
		Cluster:       "mock",
	}, tp, mp, logger)
	require.NoError(t, err)

	tb := newTable()
	c, session := startSession(t, 29214, tb.handle, func(_ *MockCluster, config *SessionConfig) {
		config.Telemetry = telemetry
	})
	ctx := context.Background()

	_, err = session.Execute(ctx, NewStatement(insertQuery, 1, "a"))
	require.NoError(t, err)
	c.ForgetPrepared()
	_, err = session.Execute(ctx, NewStatement(insertQuery, 2, "b"))
	require.NoError(t, err)
	_, err = session.Query(ctx, NewStatement("SELECT * FROM ks1.missing WHERE id = ?", "not prepared"))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "Execute", spans[0].Name())
	var reprepared bool
	for _, event := range spans[1].Events() {
		if event.Name == "re-prepare" {
			reprepared = true
		}
	}
	assert.True(t, reprepared)
	assert.Equal(t, "Query", spans[2].Name())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var requests int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "cqldriver/request_count" {
				for _, point := range sum.DataPoints {
					requests += point.Value
				}
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "cqldriver/in_flight_requests" {
				for _, point := range sum.DataPoints {
					assert.Equal(t, int64(0), point.Value)
				}
			}
		}
	}
	assert.Equal(t, int64(3), requests)
}

func TestSessionClosed(t *testing.T) {
	_, session := startSession(t, 29215, nil, nil)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, err := session.Query(context.Background(), NewStatement("SELECT * FROM ks1.t"))
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

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
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cqlsharp/cqldriver/third_party/datastax/parser"
	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.uber.org/zap"
)

const mockPasswordAuthenticator = "org.apache.cassandra.auth.PasswordAuthenticator"

// MockRequest is a request as seen by a MockHandler. For EXECUTE, Query is
// the text the id was prepared from.
type MockRequest struct {
	Host     int
	OpCode   primitive.OpCode
	Version  primitive.ProtocolVersion
	Keyspace string
	Query    string
	Params   *message.QueryOptions
	Batch    *MockBatch
	Tracing  bool
}

type MockBatch struct {
	Type     primitive.BatchType
	Queries  []string
	Values   [][]*primitive.Value
	Prepared []bool
}

// MockHandler answers QUERY, PREPARE, EXECUTE and BATCH requests that are not
// system table reads. A PREPARE must be answered with a
// *message.PreparedResult, its id is filled in by the mock. Handlers run
// concurrently and may block.
type MockHandler func(req *MockRequest) message.Message

// MockCluster serves the native protocol in-process. Node n listens on the
// start address shifted by n-1, all on the same port.
type MockCluster struct {
	startIP net.IP
	port    int
	logger  *zap.Logger

	mu    sync.Mutex
	hosts map[int]*MockHost

	// Handler defaults to answering every statement with VOID.
	Handler MockHandler
	// SupportedVersions defaults to v3 and v4.
	SupportedVersions []primitive.ProtocolVersion
	// Username and Password enable PasswordAuthenticator when set.
	Username string
	Password string
	// UnpreparedAlways makes every EXECUTE fail as unprepared.
	UnpreparedAlways bool
	ReleaseVersion   string
}

func NewMockCluster(startIP net.IP, port int) *MockCluster {
	return &MockCluster{
		startIP:           startIP,
		port:              port,
		logger:            zap.NewNop(),
		hosts:             make(map[int]*MockHost),
		SupportedVersions: []primitive.ProtocolVersion{primitive.ProtocolVersion3, primitive.ProtocolVersion4},
		ReleaseVersion:    "3.11.16",
	}
}

func (c *MockCluster) WithLogger(logger *zap.Logger) *MockCluster {
	c.logger = GetOrCreateNopLogger(logger)
	return c
}

func (c *MockCluster) ip(n int) net.IP {
	ip := make(net.IP, net.IPv4len)
	copy(ip, c.startIP.To4())
	v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	v += uint32(n - 1)
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4()
}

func (c *MockCluster) inet(n int) *primitive.Inet {
	return &primitive.Inet{Addr: c.ip(n), Port: int32(c.port)}
}

// Addr is the listen address of node n.
func (c *MockCluster) Addr(n int) string {
	return net.JoinHostPort(c.ip(n).String(), strconv.Itoa(c.port))
}

// Add starts node n and announces it to registered connections.
func (c *MockCluster) Add(ctx context.Context, n int) error {
	c.mu.Lock()
	if _, ok := c.hosts[n]; ok {
		c.mu.Unlock()
		return fmt.Errorf("mock host %d already exists", n)
	}
	c.mu.Unlock()

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", c.Addr(n))
	if err != nil {
		return err
	}
	host := &MockHost{
		cluster:  c,
		n:        n,
		listener: listener,
		conns:    make(map[*mockConn]struct{}),
		prepared: make(map[string]string),
	}
	c.mu.Lock()
	c.hosts[n] = host
	c.mu.Unlock()
	go host.serve()

	c.Event(&message.TopologyChangeEvent{ChangeType: primitive.TopologyChangeTypeNewNode, Address: c.inet(n)})
	return nil
}

// Stop shuts node n down, closing its client connections.
func (c *MockCluster) Stop(n int) {
	c.mu.Lock()
	host := c.hosts[n]
	delete(c.hosts, n)
	c.mu.Unlock()
	if host != nil {
		host.close()
		c.Event(&message.StatusChangeEvent{ChangeType: primitive.StatusChangeTypeDown, Address: c.inet(n)})
	}
}

func (c *MockCluster) Shutdown() {
	c.mu.Lock()
	hosts := c.hosts
	c.hosts = make(map[int]*MockHost)
	c.mu.Unlock()
	for _, h := range hosts {
		h.close()
	}
}

// ForgetPrepared drops the prepared statements of every node, as a restart
// would.
func (c *MockCluster) ForgetPrepared() {
	for _, h := range c.snapshot() {
		h.mu.Lock()
		h.prepared = make(map[string]string)
		h.mu.Unlock()
	}
}

// Event pushes msg on every connection that sent REGISTER.
func (c *MockCluster) Event(msg message.Message) {
	for _, h := range c.snapshot() {
		h.mu.Lock()
		conns := make([]*mockConn, 0, len(h.conns))
		for conn := range h.conns {
			if conn.registered {
				conns = append(conns, conn)
			}
		}
		h.mu.Unlock()
		for _, conn := range conns {
			_ = conn.write(-1, &wire.Response{Message: msg})
		}
	}
}

func (c *MockCluster) snapshot() []*MockHost {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts := make([]*MockHost, 0, len(c.hosts))
	for _, h := range c.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

func (c *MockCluster) supports(version primitive.ProtocolVersion) bool {
	for _, v := range c.SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

type MockHost struct {
	cluster  *MockCluster
	n        int
	listener net.Listener
	mu       sync.Mutex
	conns    map[*mockConn]struct{}
	prepared map[string]string
	closed   bool
}

func (h *MockHost) serve() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		mc := &mockConn{host: h, conn: conn, codec: wire.NewCodec(nil, 0), writer: wire.NewCodec(nil, 0)}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = conn.Close()
			return
		}
		h.conns[mc] = struct{}{}
		h.mu.Unlock()
		go mc.serve()
	}
}

func (h *MockHost) close() {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[*mockConn]struct{})
	h.mu.Unlock()
	_ = h.listener.Close()
	for conn := range conns {
		_ = conn.conn.Close()
	}
}

type mockConn struct {
	host       *MockHost
	conn       net.Conn
	codec      *wire.Codec
	writeMu    sync.Mutex
	writer     *wire.Codec
	keyspace   string
	registered bool
	wg         sync.WaitGroup
}

func (m *mockConn) serve() {
	defer func() {
		m.wg.Wait()
		_ = m.conn.Close()
		m.host.mu.Lock()
		delete(m.host.conns, m)
		m.host.mu.Unlock()
	}()
	reader := bufio.NewReader(m.conn)
	for {
		raw, err := m.codec.ReadFrame(reader)
		if err != nil {
			return
		}
		version := raw.Header.Version
		stream := raw.Header.StreamId
		if !m.host.cluster.supports(version) {
			_ = m.writeVersion(version, stream, &wire.Response{Message: &message.ProtocolError{
				ErrorMessage: fmt.Sprintf("Invalid or unsupported protocol version (%d)", uint8(version)),
			}})
			continue
		}
		req, err := m.codec.DecodeRequest(raw)
		if err != nil {
			_ = m.writeVersion(version, stream, &wire.Response{Message: &message.ProtocolError{ErrorMessage: err.Error()}})
			continue
		}
		switch msg := req.Message.(type) {
		case *message.Startup:
			algorithm := msg.Options[message.StartupOptionCompression]
			_ = m.writeVersion(version, stream, &wire.Response{Message: m.startupResponse()})
			if algorithm != "" {
				compressor, err := wire.NewCompressor(algorithm)
				if err != nil {
					return
				}
				m.setCompressor(compressor)
			}
			continue
		case *message.Register:
			m.host.mu.Lock()
			m.registered = true
			m.host.mu.Unlock()
			_ = m.writeVersion(version, stream, &wire.Response{Message: &message.Ready{}})
			continue
		case *message.Query:
			if ks, ok := parser.UseKeyspace(msg.Query); ok {
				m.keyspace = ks
				_ = m.writeVersion(version, stream, &wire.Response{Message: &message.SetKeyspaceResult{Keyspace: ks}})
				continue
			}
		}
		// statements are answered concurrently so responses can overtake each other
		keyspace := m.keyspace
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			resp := m.handle(version, keyspace, req)
			_ = m.writeVersion(version, stream, resp)
		}()
	}
}

// setCompressor switches both directions to compressor once STARTUP has been
// answered.
func (m *mockConn) setCompressor(compressor frame.BodyCompressor) {
	m.writeMu.Lock()
	m.writer = wire.NewCodec(compressor, 0)
	m.writeMu.Unlock()
	m.codec = wire.NewCodec(compressor, 0)
}

func (m *mockConn) startupResponse() message.Message {
	if m.host.cluster.Username != "" {
		return &message.Authenticate{Authenticator: mockPasswordAuthenticator}
	}
	return &message.Ready{}
}

func (m *mockConn) handle(version primitive.ProtocolVersion, keyspace string, req *wire.Request) *wire.Response {
	resp := &wire.Response{}
	if req.Tracing {
		id := primitive.UUID(md5.Sum([]byte(fmt.Sprintf("%p", req))))
		resp.TracingID = &id
	}
	cluster := m.host.cluster
	mreq := &MockRequest{Host: m.host.n, Version: version, Keyspace: keyspace, Tracing: req.Tracing, OpCode: req.Message.GetOpCode()}
	switch msg := req.Message.(type) {
	case *message.Options:
		resp.Message = &message.Supported{Options: map[string][]string{
			message.StartupOptionCqlVersion:  {"3.4.5"},
			message.StartupOptionCompression: {wire.Snappy, wire.LZ4},
		}}
		return resp
	case *message.AuthResponse:
		expected := makeMockToken(cluster.Username, cluster.Password)
		if bytes.Equal(msg.Token, expected) {
			resp.Message = &message.AuthSuccess{}
		} else {
			resp.Message = &message.AuthenticationError{ErrorMessage: "Provided username and/or password are incorrect"}
		}
		return resp
	case *message.Query:
		if rows := m.systemQuery(version, keyspace, msg.Query); rows != nil {
			resp.Message = rows
			return resp
		}
		mreq.Query = msg.Query
		mreq.Params = msg.Options
	case *message.Prepare:
		mreq.Query = msg.Query
		out := m.dispatch(mreq)
		prepared, ok := out.(*message.PreparedResult)
		if !ok {
			resp.Message = out
			return resp
		}
		id := md5.Sum([]byte(keyspace + "." + msg.Query))
		prepared.PreparedQueryId = id[:]
		m.host.mu.Lock()
		m.host.prepared[string(prepared.PreparedQueryId)] = msg.Query
		m.host.mu.Unlock()
		resp.Message = prepared
		return resp
	case *message.Execute:
		query, ok := m.lookup(msg.QueryId)
		if !ok {
			resp.Message = &message.Unprepared{ErrorMessage: "Prepared query with ID not found", Id: msg.QueryId}
			return resp
		}
		mreq.Query = query
		mreq.Params = msg.Options
	case *message.Batch:
		batch := &MockBatch{Type: msg.Type}
		for _, child := range msg.Children {
			var query string
			switch queryOrID := child.QueryOrId.(type) {
			case string:
				query = queryOrID
			case []byte:
				var ok bool
				if query, ok = m.lookup(queryOrID); !ok {
					resp.Message = &message.Unprepared{ErrorMessage: "Prepared query with ID not found", Id: queryOrID}
					return resp
				}
			}
			_, prepared := child.QueryOrId.([]byte)
			batch.Queries = append(batch.Queries, query)
			batch.Values = append(batch.Values, child.Values)
			batch.Prepared = append(batch.Prepared, prepared)
		}
		mreq.Batch = batch
		mreq.Params = &message.QueryOptions{
			Consistency:       msg.Consistency,
			SerialConsistency: msg.SerialConsistency,
			DefaultTimestamp:  msg.DefaultTimestamp,
		}
	default:
		resp.Message = &message.ProtocolError{ErrorMessage: fmt.Sprintf("unexpected %v", req.Message.GetOpCode())}
		return resp
	}
	resp.Message = m.dispatch(mreq)
	return resp
}

func (m *mockConn) dispatch(req *MockRequest) message.Message {
	if handler := m.host.cluster.Handler; handler != nil {
		if out := handler(req); out != nil {
			return out
		}
	}
	if req.OpCode == primitive.OpCodePrepare {
		return &message.PreparedResult{VariablesMetadata: &message.VariablesMetadata{}, ResultMetadata: &message.RowsMetadata{}}
	}
	return &message.VoidResult{}
}

func (m *mockConn) lookup(id []byte) (string, bool) {
	if m.host.cluster.UnpreparedAlways {
		return "", false
	}
	m.host.mu.Lock()
	defer m.host.mu.Unlock()
	query, ok := m.host.prepared[string(id)]
	return query, ok
}

func (m *mockConn) write(stream int16, resp *wire.Response) error {
	return m.writeVersion(primitive.ProtocolVersion4, stream, resp)
}

func (m *mockConn) writeVersion(version primitive.ProtocolVersion, stream int16, resp *wire.Response) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	raw, err := m.writer.EncodeResponse(resp, version, stream)
	if err != nil {
		return err
	}
	return m.writer.WriteFrame(raw, m.conn)
}

func makeMockToken(username, password string) []byte {
	return (&passwordAuth{username: username, password: password}).makeToken()
}

// systemQuery answers reads of system.local and system.peers from the mock
// topology. Other queries return nil and go to the handler.
func (m *mockConn) systemQuery(version primitive.ProtocolVersion, keyspace, query string) message.Message {
	handled, stmt, err := parser.IsQueryHandled(parser.IdentifierFromString(keyspace), query)
	if !handled {
		return nil
	}
	if err != nil {
		return &message.Invalid{ErrorMessage: err.Error()}
	}
	selectStmt, ok := stmt.(*parser.SelectStatement)
	if !ok {
		return nil
	}
	cluster := m.host.cluster
	table := selectStmt.Keyspace + "." + selectStmt.Table
	var hosts []int
	switch table {
	case "system.local":
		hosts = []int{m.host.n}
	case "system.peers":
		for _, h := range cluster.snapshot() {
			if h.n != m.host.n {
				hosts = append(hosts, h.n)
			}
		}
	default:
		return nil
	}
	projection, err := parser.NewProjection(selectStmt, parser.SystemColumnsByName[table])
	if err != nil {
		return &message.Invalid{ErrorMessage: err.Error()}
	}
	metadata := &message.RowsMetadata{ColumnCount: int32(len(projection.Columns)), Columns: projection.Columns}
	if projection.CountOnly() {
		count, _ := EncodeType(datatype.Int, version, int32(len(hosts)))
		return &message.RowsResult{Metadata: metadata, Data: message.RowSet{{count}}}
	}
	var rows message.RowSet
	for _, n := range hosts {
		values := m.systemValues(n, table)
		row, err := projection.Row(func(name string) (message.Column, error) {
			column := parser.FindColumnMetadata(parser.SystemColumnsByName[table], name)
			return EncodeType(column.Type, version, values[name])
		})
		if err != nil {
			return &message.Invalid{ErrorMessage: err.Error()}
		}
		rows = append(rows, row)
	}
	return &message.RowsResult{Metadata: metadata, Data: rows}
}

func (m *mockConn) systemValues(n int, table string) map[string]interface{} {
	cluster := m.host.cluster
	ip := cluster.ip(n)
	values := map[string]interface{}{
		"rpc_address":     ip,
		"data_center":     "dc1",
		"rack":            "rack1",
		"release_version": cluster.ReleaseVersion,
		"host_id":         mockHostID(n),
		"schema_version":  mockHostID(0),
	}
	if table == "system.local" {
		values["key"] = "local"
		values["cluster_name"] = "mock"
		values["partitioner"] = "org.apache.cassandra.dht.Murmur3Partitioner"
		values["cql_version"] = "3.4.5"
		values["native_protocol_version"] = strconv.Itoa(int(primitive.ProtocolVersion4))
	} else {
		values["peer"] = ip
	}
	return values
}

func mockHostID(n int) primitive.UUID {
	return primitive.UUID(md5.Sum([]byte("host" + strconv.Itoa(n))))
}

func mockColumn(keyspace, table, name string, dt datatype.DataType) *message.ColumnMetadata {
	return &message.ColumnMetadata{Keyspace: keyspace, Table: table, Name: name, Type: dt}
}

func mockRow(version primitive.ProtocolVersion, columns []*message.ColumnMetadata, values ...interface{}) message.Row {
	row := make(message.Row, len(columns))
	for i, col := range columns {
		b, err := EncodeType(col.Type, version, values[i])
		if err != nil {
			panic(errors.New("invalid mock row: " + err.Error()))
		}
		row[i] = b
	}
	return row
}

// MockRows builds a ROWS result for handlers.
func MockRows(version primitive.ProtocolVersion, columns []*message.ColumnMetadata, rows [][]interface{}, pagingState []byte) *message.RowsResult {
	data := make(message.RowSet, len(rows))
	for i, values := range rows {
		data[i] = mockRow(version, columns, values...)
	}
	return &message.RowsResult{
		Metadata: &message.RowsMetadata{ColumnCount: int32(len(columns)), Columns: columns, PagingState: pagingState},
		Data:     data,
	}
}

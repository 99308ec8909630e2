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
	"errors"
	"fmt"
	"net"

	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

var ColumnNameNotFound = errors.New("column name not found")

// AppliedColumn is the column a conditional statement adds to its result.
const AppliedColumn = "[applied]"

// Result is the outcome of one command.
type Result struct {
	Kind primitive.ResultType
	// Rows is set for ROWS results.
	Rows *ResultSet
	// Keyspace is set for SET_KEYSPACE results.
	Keyspace string
	// SchemaChange is set for SCHEMA_CHANGE results.
	SchemaChange *message.SchemaChangeResult
	// TracingID is set when the request asked for tracing.
	TracingID *primitive.UUID
	Warnings  []string
}

// PagingState is the opaque continuation of a ROWS result, nil on the last
// page.
func (r *Result) PagingState() []byte {
	if r == nil || r.Rows == nil {
		return nil
	}
	return r.Rows.PagingState()
}

// Applied reports the [applied] flag of a conditional statement.
func (r *Result) Applied() (bool, error) {
	if r == nil || r.Rows == nil {
		return false, errors.New("result has no rows")
	}
	return r.Rows.Applied()
}

func newResult(resp *wire.Response, version primitive.ProtocolVersion, columns []*message.ColumnMetadata) (*Result, error) {
	result := &Result{TracingID: resp.TracingID, Warnings: resp.Warnings}
	switch msg := resp.Message.(type) {
	case *message.VoidResult:
		result.Kind = primitive.ResultTypeVoid
	case *message.RowsResult:
		result.Kind = primitive.ResultTypeRows
		result.Rows = NewResultSet(msg, version)
		if len(result.Rows.columns) == 0 {
			// skip metadata was requested, fall back to the prepared metadata
			result.Rows.columns = columns
		}
	case *message.SetKeyspaceResult:
		result.Kind = primitive.ResultTypeSetKeyspace
		result.Keyspace = msg.Keyspace
	case *message.SchemaChangeResult:
		result.Kind = primitive.ResultTypeSchemaChange
		result.SchemaChange = msg
	default:
		return nil, &UnexpectedResponse{Expected: []string{"RESULT"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
	}
	return result, nil
}

type ResultSet struct {
	columns     []*message.ColumnMetadata
	rows        message.RowSet
	pagingState []byte
	version     primitive.ProtocolVersion
}

type Row struct {
	resultSet *ResultSet
	row       message.Row
}

func NewResultSet(rows *message.RowsResult, version primitive.ProtocolVersion) *ResultSet {
	rs := &ResultSet{rows: rows.Data, version: version}
	if rows.Metadata != nil {
		rs.columns = rows.Metadata.Columns
		rs.pagingState = rows.Metadata.PagingState
	}
	return rs
}

func (rs *ResultSet) Columns() []*message.ColumnMetadata {
	return rs.columns
}

func (rs *ResultSet) PagingState() []byte {
	return rs.pagingState
}

func (rs *ResultSet) RowCount() int {
	return len(rs.rows)
}

func (rs *ResultSet) Row(i int) Row {
	return Row{rs, rs.rows[i]}
}

// Applied reads [applied] from the first row. A conditional statement that
// did not apply also returns the existing values in the same row.
func (rs *ResultSet) Applied() (bool, error) {
	if rs.RowCount() == 0 {
		return false, errors.New("result has no rows")
	}
	val, err := rs.Row(0).ByName(AppliedColumn)
	if err != nil {
		return false, err
	}
	applied, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("%s is %T, not a boolean", AppliedColumn, val)
	}
	return applied, nil
}

func (r Row) ByPos(i int) (interface{}, error) {
	if i < 0 || i >= len(r.resultSet.columns) || i >= len(r.row) {
		return nil, fmt.Errorf("column position %d out of range", i)
	}
	return DecodeType(r.resultSet.columns[i].Type, r.resultSet.version, r.row[i])
}

func (r Row) ByName(n string) (interface{}, error) {
	if i := r.indexOf(n); i >= 0 {
		return r.ByPos(i)
	}
	return nil, ColumnNameNotFound
}

func (r Row) indexOf(n string) int {
	for i, column := range r.resultSet.columns {
		if column.Name == n {
			return i
		}
	}
	return -1
}

func (r Row) StringByName(n string) (string, error) {
	val, err := r.ByName(n)
	if err != nil {
		return "", err
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("unable to convert column %q to string", n)
}

func (r Row) InetByName(n string) (net.IP, error) {
	val, err := r.ByName(n)
	if err != nil {
		return nil, err
	}
	if ip, ok := val.(net.IP); ok {
		return ip, nil
	}
	return nil, fmt.Errorf("unable to convert column %q to inet", n)
}

func (r Row) UUIDByName(n string) (primitive.UUID, error) {
	val, err := r.ByName(n)
	if err != nil {
		return [16]byte{}, err
	}
	if u, ok := val.(primitive.UUID); ok {
		return u, nil
	}
	return [16]byte{}, fmt.Errorf("unable to convert column %q to uuid", n)
}

// Version is the protocol version the row was encoded with.
func (r Row) Version() primitive.ProtocolVersion {
	return r.resultSet.version
}

// Values decodes every column of the row.
func (r Row) Values() ([]interface{}, error) {
	values := make([]interface{}, len(r.resultSet.columns))
	for i := range r.resultSet.columns {
		val, err := r.ByPos(i)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", r.resultSet.columns[i].Name, err)
		}
		values[i] = val
	}
	return values, nil
}

// Visit hands each column's name, type and raw bytes to fn in column order,
// for materializers that decode into their own types. Nil raw means NULL.
func (r Row) Visit(fn func(name string, typ datatype.DataType, raw []byte) error) error {
	for i, column := range r.resultSet.columns {
		var raw []byte
		if i < len(r.row) {
			raw = r.row[i]
		}
		if err := fn(column.Name, column.Type, raw); err != nil {
			return err
		}
	}
	return nil
}

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

package runner

import (
	"bytes"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/cqlsharp/cqldriver/third_party/datastax/cqlcore"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var userColumns = []*message.ColumnMetadata{
	{Keyspace: "ks1", Table: "users", Name: "name", Index: 0, Type: datatype.Varchar},
	{Keyspace: "ks1", Table: "users", Name: "age", Index: 1, Type: datatype.Int},
	{Keyspace: "ks1", Table: "users", Name: "tags", Index: 2, Type: datatype.NewListType(datatype.Varchar)},
}

func userRows(t *testing.T) []cqlcore.Row {
	t.Helper()
	rows := cqlcore.MockRows(primitive.ProtocolVersion4, userColumns, [][]interface{}{
		{"ann", int32(42), []string{"a", "b"}},
		{"true", nil, nil},
	}, nil)
	rs := cqlcore.NewResultSet(rows, primitive.ProtocolVersion4)
	out := make([]cqlcore.Row, rs.RowCount())
	for i := range out {
		out[i] = rs.Row(i)
	}
	return out
}

func TestPrintPlain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRows(&buf, outputPlain, userColumns, userRows(t)))
	want := "name  age   tags\n" +
		"ann   42    [a, b]\n" +
		"true  null  null\n" +
		"\n" +
		"(2 rows)\n"
	assert.Equal(t, want, buf.String())
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRows(&buf, outputYAML, userColumns, userRows(t)))

	var decoded []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "ann", decoded[0]["name"])
	assert.Equal(t, 42, decoded[0]["age"])
	assert.Equal(t, []interface{}{"a", "b"}, decoded[0]["tags"])
	// a text value that looks like a bool stays a string
	assert.Equal(t, "true", decoded[1]["name"])
	assert.Nil(t, decoded[1]["age"])

	// columns keep their result order
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("name:")), bytes.Index(buf.Bytes(), []byte("age:")))
}

func TestPrintRowsUnknownFormat(t *testing.T) {
	assert.Error(t, printRows(&bytes.Buffer{}, "csv", userColumns, nil))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		value interface{}
		want  string
	}{
		{nil, "null"},
		{[]byte{0xca, 0xfe}, "0xcafe"},
		{time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "2024-01-02T03:04:05Z"},
		{net.ParseIP("10.0.0.1"), "10.0.0.1"},
		{big.NewInt(-5), "-5"},
		{[]interface{}{int32(1), int32(2)}, "[1, 2]"},
		{map[interface{}]interface{}{"b": int64(2), "a": int64(1)}, "{a: 1, b: 2}"},
		{cqlcore.Duration{Months: 1, Days: 2, Nanoseconds: 3}, "1mo2d3ns"},
		{3.5, "3.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatValue(tt.value))
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, outputPlain, &cqlcore.Result{Kind: primitive.ResultTypeSetKeyspace, Keyspace: "ks1"}))
	require.NoError(t, printResult(&buf, outputPlain, &cqlcore.Result{
		Kind:         primitive.ResultTypeSchemaChange,
		SchemaChange: &message.SchemaChangeResult{
			ChangeType: primitive.SchemaChangeTypeCreated,
			Target:     primitive.SchemaChangeTargetTable,
			Keyspace:   "ks1",
			Object:     "users",
		},
	}))
	require.NoError(t, printResult(&buf, outputPlain, &cqlcore.Result{Kind: primitive.ResultTypeVoid}))
	assert.Equal(t, "Now using keyspace ks1\nCREATED TABLE ks1.users\n", buf.String())
}

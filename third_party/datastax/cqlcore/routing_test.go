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
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		name    string
		types   []datatype.DataType
		values  []interface{}
		want    []byte
		wantErr bool
	}{
		{
			name:   "single component",
			types:  []datatype.DataType{datatype.Int},
			values: []interface{}{int32(1)},
			want:   []byte{0, 0, 0, 1},
		},
		{
			name:   "composite",
			types:  []datatype.DataType{datatype.Int, datatype.Varchar},
			values: []interface{}{int32(1), "ab"},
			want:   []byte{0, 4, 0, 0, 0, 1, 0, 0, 2, 'a', 'b', 0},
		},
		{
			name:    "null component",
			types:   []datatype.DataType{datatype.Int, datatype.Varchar},
			values:  []interface{}{int32(1), nil},
			wantErr: true,
		},
		{
			name:    "count mismatch",
			types:   []datatype.DataType{datatype.Int},
			values:  []interface{}{int32(1), int32(2)},
			wantErr: true,
		},
		{
			name:    "no components",
			wantErr: true,
		},
		{
			name:    "bad value",
			types:   []datatype.DataType{datatype.Int},
			values:  []interface{}{"one"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := RoutingKey(primitive.ProtocolVersion4, tt.types, tt.values)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestPreparedStatementRoutingKey(t *testing.T) {
	p := &PreparedStatement{
		Query: "SELECT * FROM ks1.events WHERE day = ? AND bucket = ? AND ts > ?",
		Variables: []*message.ColumnMetadata{
			mockColumn("ks1", "events", "day", datatype.Varchar),
			mockColumn("ks1", "events", "bucket", datatype.Int),
			mockColumn("ks1", "events", "ts", datatype.Timestamp),
		},
		PkIndices: []uint16{1, 0},
	}
	key, err := p.RoutingKey(primitive.ProtocolVersion4, []interface{}{"mon", int32(7), int64(0)})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 4, 0, 0, 0, 7, 0, 0, 3, 'm', 'o', 'n', 0}, key)

	_, err = p.RoutingKey(primitive.ProtocolVersion4, []interface{}{"mon"})
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)

	p.PkIndices = nil
	_, err = p.RoutingKey(primitive.ProtocolVersion4, []interface{}{"mon", int32(7), int64(0)})
	assert.ErrorAs(t, err, &argErr)
}

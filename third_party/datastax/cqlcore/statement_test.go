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
	"time"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ks1", "ks1"},
		{"_private", "_private"},
		{"Mixed", `"Mixed"`},
		{"1abc", `"1abc"`},
		{"with space", `"with space"`},
		{`say"hi"`, `"say""hi"""`},
		{"", `""`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuoteIdentifier(tt.name), "quoting %q", tt.name)
	}
}

func TestStatementOptions(t *testing.T) {
	quorum := primitive.ConsistencyLevelLocalQuorum
	defaults := &SessionConfig{Consistency: &quorum, PageSize: 500}

	stmt := NewStatement("SELECT * FROM t")
	options := stmt.options(defaults, nil)
	assert.Equal(t, primitive.ConsistencyLevelLocalQuorum, options.Consistency)
	assert.Equal(t, int32(500), options.PageSize)
	assert.Nil(t, options.PositionalValues)
	assert.Nil(t, options.SerialConsistency)
	assert.Nil(t, options.DefaultTimestamp)

	stmt = NewStatement("SELECT * FROM t WHERE k = ?").
		WithConsistency(primitive.ConsistencyLevelOne).
		WithPageSize(10).
		WithTracing(true)
	stmt.PagingState = []byte{1}
	stmt.DefaultTimestamp = 1234
	stmt.SerialConsistency = primitive.ConsistencyLevelLocalSerial
	value := primitive.NewValue([]byte{0, 0, 0, 1})
	options = stmt.options(defaults, []*primitive.Value{value})
	assert.Equal(t, primitive.ConsistencyLevelOne, options.Consistency)
	assert.Equal(t, int32(10), options.PageSize)
	assert.Equal(t, []byte{1}, options.PagingState)
	require.NotNil(t, options.DefaultTimestamp)
	assert.Equal(t, int64(1234), options.DefaultTimestamp.Value)
	require.NotNil(t, options.SerialConsistency)
	assert.Equal(t, primitive.ConsistencyLevelLocalSerial, options.SerialConsistency.Value)
	assert.Equal(t, []*primitive.Value{value}, options.PositionalValues)
	assert.True(t, stmt.Tracing)
	assert.Equal(t, "SELECT * FROM t WHERE k = ?", stmt.String())

	named := NewStatement("SELECT * FROM t WHERE k = :k")
	named.Names = []string{"k"}
	options = named.options(defaults, []*primitive.Value{value})
	assert.Nil(t, options.PositionalValues)
	assert.Equal(t, map[string]*primitive.Value{"k": value}, options.NamedValues)
}

// ANY is the zero consistency level and must still be requestable.
func TestStatementConsistencyAny(t *testing.T) {
	anyLevel := primitive.ConsistencyLevelAny
	quorum := primitive.ConsistencyLevelQuorum
	tests := []struct {
		name     string
		defaults *SessionConfig
		stmt     *Statement
		want     primitive.ConsistencyLevel
	}{
		{"unset everywhere", &SessionConfig{}, NewStatement("q"), primitive.ConsistencyLevelOne},
		{"any on statement", &SessionConfig{Consistency: &quorum}, NewStatement("q").WithConsistency(anyLevel), anyLevel},
		{"any as session default", &SessionConfig{Consistency: &anyLevel}, NewStatement("q"), anyLevel},
		{"statement overrides default", &SessionConfig{Consistency: &anyLevel},
			NewStatement("q").WithConsistency(quorum), quorum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stmt.options(tt.defaults, nil).Consistency)
		})
	}
}

func TestStatementQueryValues(t *testing.T) {
	stmt := NewStatement("INSERT INTO t (a, b, c, d, e) VALUES (?, ?, ?, ?, ?)",
		"text", 1, nil, Unset, Duration{Days: 1})
	values, err := stmt.queryValues(primitive.ProtocolVersion4)
	require.NoError(t, err)
	require.Len(t, values, 5)
	assert.Equal(t, []byte("text"), values[0].Contents)
	assert.Equal(t, []byte{0, 0, 0, 1}, values[1].Contents)
	assert.Equal(t, primitive.ValueTypeNull, values[2].Type)
	assert.Equal(t, primitive.ValueTypeUnset, values[3].Type)
	assert.Equal(t, []byte{0, 2, 0}, values[4].Contents)

	big := NewStatement("SELECT * FROM t WHERE id = ?", 1<<40)
	values, err = big.queryValues(primitive.ProtocolVersion4)
	require.NoError(t, err)
	assert.Len(t, values[0].Contents, 8)

	_, err = NewStatement("SELECT * FROM t WHERE id = ?", struct{}{}).queryValues(primitive.ProtocolVersion4)
	var invalid *InvalidQueryError
	assert.ErrorAs(t, err, &invalid)

	named := NewStatement("SELECT * FROM t WHERE a = :a", 1, 2)
	named.Names = []string{"a"}
	_, err = named.queryValues(primitive.ProtocolVersion4)
	assert.ErrorAs(t, err, &invalid)

	_, err = NewStatement("SELECT * FROM t WHERE d = ?", time.Minute).queryValues(primitive.ProtocolVersion4)
	assert.NoError(t, err)
}

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
	"fmt"
	"strings"
	"time"

	"github.com/cqlsharp/cqldriver/utilities"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// Statement is one CQL statement plus its execution options. Zero values
// fall back to the session defaults.
type Statement struct {
	Query  string
	Values []interface{}
	// Names binds Values by name instead of position (protocol v3+).
	Names []string
	// Consistency overrides SessionConfig.Consistency when set. A pointer
	// because ANY is the zero level.
	Consistency *primitive.ConsistencyLevel
	// SerialConsistency applies to conditional statements, SERIAL or
	// LOCAL_SERIAL. Zero leaves it to the server.
	SerialConsistency primitive.ConsistencyLevel
	PageSize          int32
	// PagingState resumes a previous page. It is opaque.
	PagingState []byte
	// DefaultTimestamp in microseconds since the epoch (protocol v3+).
	DefaultTimestamp int64
	Tracing          bool
	CustomPayload    map[string][]byte
	// Timeout overrides SessionConfig.RequestTimeout for this statement.
	Timeout time.Duration
}

func NewStatement(query string, values ...interface{}) *Statement {
	return &Statement{Query: query, Values: values}
}

func (s *Statement) WithConsistency(consistency primitive.ConsistencyLevel) *Statement {
	s.Consistency = &consistency
	return s
}

func (s *Statement) WithPageSize(pageSize int32) *Statement {
	s.PageSize = pageSize
	return s
}

func (s *Statement) WithTracing(tracing bool) *Statement {
	s.Tracing = tracing
	return s
}

func (s *Statement) String() string {
	return s.Query
}

// queryValues types each value from its Go type for the unprepared QUERY
// path, where the server supplies no variable metadata.
func (s *Statement) queryValues(version primitive.ProtocolVersion) ([]*primitive.Value, error) {
	if len(s.Names) > 0 && len(s.Names) != len(s.Values) {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("%d names for %d values", len(s.Names), len(s.Values))}
	}
	values := make([]*primitive.Value, len(s.Values))
	for i, value := range s.Values {
		if value == nil {
			values[i] = &primitive.Value{Type: primitive.ValueTypeNull}
			continue
		}
		if _, ok := value.(UnsetValue); ok {
			v, err := EncodeValue(nil, version, value)
			if err != nil {
				return nil, err
			}
			values[i] = v
			continue
		}
		dt, err := inferType(value)
		if err != nil {
			return nil, &InvalidQueryError{Message: fmt.Sprintf("value %d", i), Cause: err}
		}
		v, err := EncodeValue(dt, version, value)
		if err != nil {
			return nil, &InvalidQueryError{Message: fmt.Sprintf("value %d", i), Cause: err}
		}
		values[i] = v
	}
	return values, nil
}

// inferType adds the driver's own value types to utilities.InferType.
func inferType(value interface{}) (datatype.DataType, error) {
	if _, ok := value.(Duration); ok {
		return datatype.Duration, nil
	}
	return utilities.InferType(value)
}

// options builds the <query_parameters> of QUERY and EXECUTE. values are
// named by s.Names when it is set.
func (s *Statement) options(defaults *SessionConfig, values []*primitive.Value) *message.QueryOptions {
	options := &message.QueryOptions{
		Consistency: defaults.consistency(),
		PageSize:    s.PageSize,
	}
	if s.Consistency != nil {
		options.Consistency = *s.Consistency
	}
	if options.PageSize == 0 {
		options.PageSize = defaults.PageSize
	}
	if len(values) > 0 {
		if len(s.Names) > 0 {
			options.NamedValues = make(map[string]*primitive.Value, len(values))
			for i, name := range s.Names {
				options.NamedValues[name] = values[i]
			}
		} else {
			options.PositionalValues = values
		}
	}
	if len(s.PagingState) > 0 {
		options.PagingState = s.PagingState
	}
	if s.SerialConsistency != 0 {
		options.SerialConsistency = &primitive.NillableConsistencyLevel{Value: s.SerialConsistency}
	}
	if s.DefaultTimestamp != 0 {
		options.DefaultTimestamp = &primitive.NillableInt64{Value: s.DefaultTimestamp}
	}
	return options
}

// QuoteIdentifier quotes name unless it is already a lower case unquoted
// identifier.
func QuoteIdentifier(name string) string {
	if isLowerIdentifier(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isLowerIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

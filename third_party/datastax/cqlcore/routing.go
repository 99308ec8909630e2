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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// RoutingKey serializes partition key values the way the partitioner hashes
// them. A single component is its encoded value. A composite key is each
// component as a 2 byte length, the bytes, and a 0 byte.
func RoutingKey(version primitive.ProtocolVersion, types []datatype.DataType, values []interface{}) ([]byte, error) {
	if len(types) == 0 {
		return nil, &ArgumentError{Message: "routing key needs at least one component"}
	}
	if len(types) != len(values) {
		return nil, &ArgumentError{Message: fmt.Sprintf("routing key has %d types and %d values", len(types), len(values))}
	}
	components := make([][]byte, len(types))
	for i, dt := range types {
		if values[i] == nil {
			return nil, &ArgumentError{Message: fmt.Sprintf("routing key component %d is null", i)}
		}
		b, err := EncodeType(dt, version, values[i])
		if err != nil {
			return nil, err
		}
		components[i] = b
	}
	if len(components) == 1 {
		return components[0], nil
	}
	size := 0
	for i, c := range components {
		if len(c) > math.MaxUint16 {
			return nil, &ArgumentError{Message: fmt.Sprintf("routing key component %d is %d bytes", i, len(c))}
		}
		size += 2 + len(c) + 1
	}
	key := make([]byte, 0, size)
	for _, c := range components {
		key = binary.BigEndian.AppendUint16(key, uint16(len(c)))
		key = append(key, c...)
		key = append(key, 0)
	}
	return key, nil
}

// RoutingKey computes the routing key from bound values using the partition
// key indices the server returned at prepare time (protocol v4).
func (p *PreparedStatement) RoutingKey(version primitive.ProtocolVersion, values []interface{}) ([]byte, error) {
	if len(p.PkIndices) == 0 {
		return nil, &ArgumentError{Message: fmt.Sprintf("query %q has no partition key indices", p.Query)}
	}
	types := make([]datatype.DataType, len(p.PkIndices))
	pkValues := make([]interface{}, len(p.PkIndices))
	for i, idx := range p.PkIndices {
		if int(idx) >= len(p.Variables) || int(idx) >= len(values) {
			return nil, &ArgumentError{Message: fmt.Sprintf("partition key index %d out of range", idx)}
		}
		types[i] = p.Variables[idx].Type
		pkValues[i] = values[idx]
	}
	return RoutingKey(version, types, pkValues)
}

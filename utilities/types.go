/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package utilities

import (
	"fmt"
	"math"
	"math/big"
	"net"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/google/uuid"
	"gopkg.in/inf.v0"
)

var simpleTypes = map[string]datatype.DataType{
	"ascii":     datatype.Ascii,
	"bigint":    datatype.Bigint,
	"blob":      datatype.Blob,
	"boolean":   datatype.Boolean,
	"counter":   datatype.Counter,
	"date":      datatype.Date,
	"decimal":   datatype.Decimal,
	"double":    datatype.Double,
	"duration":  datatype.Duration,
	"float":     datatype.Float,
	"inet":      datatype.Inet,
	"int":       datatype.Int,
	"smallint":  datatype.Smallint,
	"text":      datatype.Varchar,
	"time":      datatype.Time,
	"timestamp": datatype.Timestamp,
	"timeuuid":  datatype.Timeuuid,
	"tinyint":   datatype.Tinyint,
	"uuid":      datatype.Uuid,
	"varchar":   datatype.Varchar,
	"varint":    datatype.Varint,
}

// GetCassandraColumnType parses a CQL type name such as "int",
// "list<text>" or "frozen<map<text, set<int>>>". Tuples and user defined
// types are not supported.
func GetCassandraColumnType(choice string) (datatype.DataType, error) {
	dt, rest, err := parseType(strings.ToLower(strings.TrimSpace(choice)))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, fmt.Errorf("unexpected %q after type in %q", rest, choice)
	}
	return dt, nil
}

func parseType(s string) (datatype.DataType, string, error) {
	s = strings.TrimSpace(s)
	end := strings.IndexAny(s, "<>,")
	if end < 0 {
		end = len(s)
	}
	name := strings.TrimSpace(s[:end])
	rest := s[end:]
	if dt, ok := simpleTypes[name]; ok {
		return dt, rest, nil
	}
	if !strings.HasPrefix(rest, "<") {
		return nil, "", fmt.Errorf("unsupported column type %q", name)
	}
	params, rest, err := parseTypeParams(rest[1:])
	if err != nil {
		return nil, "", err
	}
	switch {
	case name == "frozen" && len(params) == 1:
		return params[0], rest, nil
	case name == "list" && len(params) == 1:
		return datatype.NewListType(params[0]), rest, nil
	case name == "set" && len(params) == 1:
		return datatype.NewSetType(params[0]), rest, nil
	case name == "map" && len(params) == 2:
		return datatype.NewMapType(params[0], params[1]), rest, nil
	}
	return nil, "", fmt.Errorf("unsupported column type %s with %d parameters", name, len(params))
}

func parseTypeParams(s string) ([]datatype.DataType, string, error) {
	var params []datatype.DataType
	for {
		dt, rest, err := parseType(s)
		if err != nil {
			return nil, "", err
		}
		params = append(params, dt)
		rest = strings.TrimSpace(rest)
		switch {
		case strings.HasPrefix(rest, ","):
			s = rest[1:]
		case strings.HasPrefix(rest, ">"):
			return params, rest[1:], nil
		default:
			return nil, "", fmt.Errorf("unterminated type parameters at %q", rest)
		}
	}
}

// InferType picks the CQL type used to send a Go value on an unprepared
// query. A Go int is sent as int when it fits in 32 bits.
func InferType(value interface{}) (datatype.DataType, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("cannot infer the type of a null value")
	case string:
		return datatype.Varchar, nil
	case []byte:
		return datatype.Blob, nil
	case bool:
		return datatype.Boolean, nil
	case int8:
		return datatype.Tinyint, nil
	case int16:
		return datatype.Smallint, nil
	case int32:
		return datatype.Int, nil
	case int64:
		return datatype.Bigint, nil
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return datatype.Int, nil
		}
		return datatype.Bigint, nil
	case float32:
		return datatype.Float, nil
	case float64:
		return datatype.Double, nil
	case time.Time:
		return datatype.Timestamp, nil
	case time.Duration:
		return datatype.Duration, nil
	case civil.Date:
		return datatype.Date, nil
	case civil.Time:
		return datatype.Time, nil
	case primitive.UUID, *primitive.UUID, uuid.UUID:
		return datatype.Uuid, nil
	case net.IP:
		return datatype.Inet, nil
	case *big.Int, big.Int:
		return datatype.Varint, nil
	case *inf.Dec, inf.Dec:
		return datatype.Decimal, nil
	}
	return inferCollectionType(reflect.ValueOf(value))
}

func inferCollectionType(rv reflect.Value) (datatype.DataType, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elem, err := inferElemType(rv.Type().Elem(), func() (interface{}, bool) {
			for i := 0; i < rv.Len(); i++ {
				if v := rv.Index(i).Interface(); v != nil {
					return v, true
				}
			}
			return nil, false
		})
		if err != nil {
			return nil, err
		}
		return datatype.NewListType(elem), nil
	case reflect.Map:
		key, err := inferElemType(rv.Type().Key(), func() (interface{}, bool) {
			iter := rv.MapRange()
			for iter.Next() {
				if v := iter.Key().Interface(); v != nil {
					return v, true
				}
			}
			return nil, false
		})
		if err != nil {
			return nil, err
		}
		value, err := inferElemType(rv.Type().Elem(), func() (interface{}, bool) {
			iter := rv.MapRange()
			for iter.Next() {
				if v := iter.Value().Interface(); v != nil {
					return v, true
				}
			}
			return nil, false
		})
		if err != nil {
			return nil, err
		}
		return datatype.NewMapType(key, value), nil
	}
	return nil, fmt.Errorf("cannot infer a CQL type for %T", rv.Interface())
}

// inferElemType uses the static element type unless it is an interface, in
// which case the first non-null element decides.
func inferElemType(t reflect.Type, sample func() (interface{}, bool)) (datatype.DataType, error) {
	if t.Kind() != reflect.Interface {
		return InferType(reflect.Zero(t).Interface())
	}
	v, ok := sample()
	if !ok {
		return nil, fmt.Errorf("cannot infer the element type of an empty %v collection", t)
	}
	return InferType(v)
}

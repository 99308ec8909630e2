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
	"bytes"
	"fmt"
	"math"
	"math/big"
	"net"
	"reflect"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/datacodec"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/google/uuid"
	"gopkg.in/inf.v0"
)

// UnsetValue leaves a bound variable untouched (protocol v4+).
type UnsetValue struct{}

// Unset is bound in place of a value to leave the column unchanged.
var Unset = UnsetValue{}

// Duration is the CQL duration type. The three components are independent.
type Duration struct {
	Months      int32
	Days        int32
	Nanoseconds int64
}

// EncodeType encodes value as the CQL type dt. A nil value encodes to nil,
// which the protocol carries as NULL.
//
// Besides the types the datacodec package accepts, values may be *inf.Dec
// for decimal, Duration or time.Duration for duration, civil.Date for date,
// civil.Time for time, int64 milliseconds for timestamp and uuid.UUID for
// uuid and timeuuid.
func EncodeType(dt datatype.DataType, version primitive.ProtocolVersion, value interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	codec, err := newCodec(dt)
	if err != nil {
		return nil, err
	}
	source, err := toCodecValue(dt, value)
	if err != nil {
		return nil, err
	}
	data, err := codec.Encode(source, dataVersion(version))
	if err != nil {
		return nil, &ArgumentError{Message: fmt.Sprintf("cannot encode %T as %v", value, dt), Cause: err}
	}
	if version < primitive.ProtocolVersion3 {
		return reframeCollection(dt, data, true)
	}
	return data, nil
}

// DecodeType decodes bytes of CQL type dt. Nil bytes decode to nil, as do
// empty bytes of every type but text and blobs.
//
// Collections decode to []interface{} and map[interface{}]interface{},
// tuples to []interface{} and user types to map[string]interface{}. Decimals
// decode to *inf.Dec and durations to Duration.
func DecodeType(dt datatype.DataType, version primitive.ProtocolVersion, data []byte) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	codec, err := newCodec(dt)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		switch dt.GetDataTypeCode() {
		case primitive.DataTypeCodeAscii, primitive.DataTypeCodeVarchar, primitive.DataTypeCodeText:
			return "", nil
		case primitive.DataTypeCodeBlob, primitive.DataTypeCodeCustom:
			return []byte{}, nil
		}
		return nil, nil
	}
	if err = checkMapKeys(dt); err != nil {
		return nil, err
	}
	if version < primitive.ProtocolVersion3 {
		if data, err = reframeCollection(dt, data, false); err != nil {
			return nil, err
		}
	}
	var value interface{}
	if _, err = codec.Decode(data, &value, dataVersion(version)); err != nil {
		return nil, err
	}
	return fromCodecValue(dt, value)
}

// EncodeValue encodes value into a bound variable. Nil becomes NULL and Unset
// becomes an unset value.
func EncodeValue(dt datatype.DataType, version primitive.ProtocolVersion, value interface{}) (*primitive.Value, error) {
	switch value.(type) {
	case nil:
		return primitive.NewNullValue(), nil
	case UnsetValue, *UnsetValue:
		if !version.SupportsUnsetValues() {
			return nil, &ArgumentError{Message: fmt.Sprintf("unset values require protocol v4, have v%d", uint8(version))}
		}
		return primitive.NewUnsetValue(), nil
	}
	b, err := EncodeType(dt, version, value)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return primitive.NewNullValue(), nil
	}
	return primitive.NewValue(b), nil
}

// DecodeValue is the inverse of EncodeValue. NULL and unset decode to nil.
func DecodeValue(dt datatype.DataType, version primitive.ProtocolVersion, value *primitive.Value) (interface{}, error) {
	if value == nil || value.Type != primitive.ValueTypeRegular {
		return nil, nil
	}
	if value.Contents == nil {
		return DecodeType(dt, version, []byte{})
	}
	return DecodeType(dt, version, value.Contents)
}

func newCodec(dt datatype.DataType) (datacodec.Codec, error) {
	if dt == nil {
		return nil, &ArgumentError{Message: "missing data type"}
	}
	if dt.GetDataTypeCode() == primitive.DataTypeCodeText {
		return datacodec.Varchar, nil
	}
	codec, err := datacodec.NewCodec(dt)
	if err != nil {
		return nil, &wire.UnsupportedTypeError{Type: dt, Cause: err}
	}
	return codec, nil
}

// dataVersion is the version handed to datacodec. Value encodings are the
// same from v4 on but datacodec only accepts duration from v5. Before v3
// collections are coded in the v3 layout and converted by reframeCollection.
func dataVersion(version primitive.ProtocolVersion) primitive.ProtocolVersion {
	switch {
	case version < primitive.ProtocolVersion3:
		return primitive.ProtocolVersion3
	case version >= primitive.ProtocolVersion4:
		return primitive.ProtocolVersion5
	}
	return version
}

func mismatch(value interface{}, dt datatype.DataType) error {
	return &ArgumentError{Message: fmt.Sprintf("cannot encode %T as %v", value, dt)}
}

// toCodecValue converts the driver's own value types to the ones datacodec
// accepts and checks what datacodec does not: text encodings, time uuid
// versions and null collection elements.
func toCodecValue(dt datatype.DataType, value interface{}) (interface{}, error) {
	switch dt.GetDataTypeCode() {
	case primitive.DataTypeCodeAscii, primitive.DataTypeCodeVarchar, primitive.DataTypeCodeText:
		return value, checkText(dt, value)
	case primitive.DataTypeCodeUuid, primitive.DataTypeCodeTimeuuid:
		return toUUID(dt, value)
	case primitive.DataTypeCodeDecimal:
		switch v := value.(type) {
		case *inf.Dec:
			if v == nil {
				return nil, nil
			}
			return datacodec.CqlDecimal{Unscaled: v.UnscaledBig(), Scale: int32(v.Scale())}, nil
		case inf.Dec:
			return datacodec.CqlDecimal{Unscaled: v.UnscaledBig(), Scale: int32(v.Scale())}, nil
		}
	case primitive.DataTypeCodeDuration:
		switch v := value.(type) {
		case Duration:
			return datacodec.CqlDuration{Months: v.Months, Days: v.Days, Nanos: time.Duration(v.Nanoseconds)}, nil
		case time.Duration:
			return datacodec.CqlDuration{Nanos: v}, nil
		}
	case primitive.DataTypeCodeDate:
		if v, ok := value.(civil.Date); ok {
			return v.In(time.UTC), nil
		}
	case primitive.DataTypeCodeTime:
		if v, ok := value.(civil.Time); ok {
			return time.Duration(v.Hour)*time.Hour + time.Duration(v.Minute)*time.Minute +
				time.Duration(v.Second)*time.Second + time.Duration(v.Nanosecond), nil
		}
	case primitive.DataTypeCodeTimestamp:
		if v, ok := value.(int64); ok {
			return time.UnixMilli(v).UTC(), nil
		}
	case primitive.DataTypeCodeVarint:
		if v, ok := value.(big.Int); ok {
			return &v, nil
		}
	case primitive.DataTypeCodeList:
		return toCodecSlice(dt, value, []datatype.DataType{dt.(datatype.ListType).GetElementType()}, false)
	case primitive.DataTypeCodeSet:
		return toCodecSlice(dt, value, []datatype.DataType{dt.(datatype.SetType).GetElementType()}, false)
	case primitive.DataTypeCodeTuple:
		return toCodecSlice(dt, value, dt.(datatype.TupleType).GetFieldTypes(), true)
	case primitive.DataTypeCodeMap:
		return toCodecMap(dt.(datatype.MapType), value)
	case primitive.DataTypeCodeUdt:
		return toCodecFields(dt.(datatype.UserDefinedType), value)
	}
	return value, nil
}

func checkText(dt datatype.DataType, value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case string:
		b = []byte(v)
	case *string:
		if v != nil {
			b = []byte(*v)
		}
	case []byte:
		b = v
	default:
		return mismatch(value, dt)
	}
	if dt.GetDataTypeCode() == primitive.DataTypeCodeAscii {
		for _, ch := range b {
			if ch > 0x7F {
				return &ArgumentError{Message: fmt.Sprintf("non-ascii byte 0x%02x in ascii value", ch)}
			}
		}
		return nil
	}
	if !utf8.Valid(b) {
		return &ArgumentError{Message: "invalid utf-8 in varchar value"}
	}
	return nil
}

func toUUID(dt datatype.DataType, value interface{}) (interface{}, error) {
	var id primitive.UUID
	switch v := value.(type) {
	case primitive.UUID:
		id = v
	case *primitive.UUID:
		if v == nil {
			return nil, nil
		}
		id = *v
	case uuid.UUID:
		id = primitive.UUID(v)
	case [16]byte:
		id = v
	case string:
		parsed, err := uuid.Parse(v)
		if err != nil {
			return nil, &ArgumentError{Message: fmt.Sprintf("invalid uuid %q", v), Cause: err}
		}
		id = primitive.UUID(parsed)
	default:
		return nil, mismatch(value, dt)
	}
	if dt.GetDataTypeCode() == primitive.DataTypeCodeTimeuuid && id[6]>>4 != 1 {
		return nil, &ArgumentError{Message: fmt.Sprintf("uuid version %d is not a time uuid", id[6]>>4)}
	}
	return id, nil
}

// toCodecSlice converts list, set and tuple values. Lists and sets use one
// element type, tuples one type per field and may hold nulls.
func toCodecSlice(dt datatype.DataType, value interface{}, types []datatype.DataType, tuple bool) (interface{}, error) {
	if _, ok := value.([]byte); ok {
		return nil, mismatch(value, dt)
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		if tuple && rv.Kind() == reflect.Struct {
			return value, nil
		}
		return nil, mismatch(value, dt)
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return nil, nil
	}
	if tuple && rv.Len() != len(types) {
		return nil, &ArgumentError{Message: fmt.Sprintf("%d values for %v", rv.Len(), dt)}
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		typ := types[0]
		if tuple {
			typ = types[i]
		}
		elem := rv.Index(i).Interface()
		if isNil(elem) {
			if !tuple {
				return nil, &ArgumentError{Message: "collections cannot contain null elements"}
			}
			continue
		}
		converted, err := toCodecValue(typ, elem)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

func toCodecMap(dt datatype.MapType, value interface{}) (interface{}, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map {
		return nil, mismatch(value, dt)
	}
	if rv.IsNil() {
		return nil, nil
	}
	out := make(map[interface{}]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, v := iter.Key().Interface(), iter.Value().Interface()
		if isNil(k) || isNil(v) {
			return nil, &ArgumentError{Message: "collections cannot contain null elements"}
		}
		key, err := toCodecValue(dt.GetKeyType(), k)
		if err != nil {
			return nil, err
		}
		if !reflect.TypeOf(key).Comparable() {
			return nil, &ArgumentError{Message: fmt.Sprintf("map keys of type %T cannot be encoded as %v", k, dt)}
		}
		if out[key], err = toCodecValue(dt.GetValueType(), v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// toCodecFields converts the fields of a user type given as a
// map[string]interface{}. Structs go to datacodec unchanged.
func toCodecFields(dt datatype.UserDefinedType, value interface{}) (interface{}, error) {
	fields, ok := value.(map[string]interface{})
	if !ok {
		return value, nil
	}
	out := make(map[string]interface{}, len(fields))
	for i, name := range dt.GetFieldNames() {
		v, ok := fields[name]
		if !ok || isNil(v) {
			continue
		}
		converted, err := toCodecValue(dt.GetFieldTypes()[i], v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = converted
	}
	return out, nil
}

func isNil(value interface{}) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// checkMapKeys rejects maps whose keys datacodec would decode to a type Go
// cannot use as a map key, e.g. map<inet, int>.
func checkMapKeys(dt datatype.DataType) error {
	switch typ := dt.(type) {
	case datatype.MapType:
		keyType, err := datacodec.PreferredGoType(typ.GetKeyType())
		if err != nil {
			return &wire.UnsupportedTypeError{Type: dt, Cause: err}
		}
		if !keyType.Comparable() {
			return &wire.UnsupportedTypeError{Type: dt, Cause: fmt.Errorf("keys decode to %v", keyType)}
		}
		if err = checkMapKeys(typ.GetKeyType()); err != nil {
			return err
		}
		return checkMapKeys(typ.GetValueType())
	case datatype.ListType:
		return checkMapKeys(typ.GetElementType())
	case datatype.SetType:
		return checkMapKeys(typ.GetElementType())
	case datatype.TupleType:
		for _, field := range typ.GetFieldTypes() {
			if err := checkMapKeys(field); err != nil {
				return err
			}
		}
	case datatype.UserDefinedType:
		for _, field := range typ.GetFieldTypes() {
			if err := checkMapKeys(field); err != nil {
				return err
			}
		}
	}
	return nil
}

// fromCodecValue turns what datacodec decodes into an interface{} into the
// driver's value types and copies anything that may alias the frame.
func fromCodecValue(dt datatype.DataType, value interface{}) (interface{}, error) {
	value = deref(value)
	if value == nil {
		return nil, nil
	}
	switch dt.GetDataTypeCode() {
	case primitive.DataTypeCodeDecimal:
		if d, ok := value.(datacodec.CqlDecimal); ok {
			return inf.NewDecBig(d.Unscaled, inf.Scale(d.Scale)), nil
		}
	case primitive.DataTypeCodeDuration:
		if d, ok := value.(datacodec.CqlDuration); ok {
			return Duration{Months: d.Months, Days: d.Days, Nanoseconds: int64(d.Nanos)}, nil
		}
	case primitive.DataTypeCodeBlob, primitive.DataTypeCodeCustom:
		if b, ok := value.([]byte); ok {
			return append([]byte{}, b...), nil
		}
	case primitive.DataTypeCodeInet:
		if ip, ok := value.(net.IP); ok {
			return append(net.IP{}, ip...), nil
		}
	case primitive.DataTypeCodeList:
		return fromCodecSlice(value, func(int) datatype.DataType { return dt.(datatype.ListType).GetElementType() })
	case primitive.DataTypeCodeSet:
		return fromCodecSlice(value, func(int) datatype.DataType { return dt.(datatype.SetType).GetElementType() })
	case primitive.DataTypeCodeTuple:
		fields := dt.(datatype.TupleType).GetFieldTypes()
		return fromCodecSlice(value, func(i int) datatype.DataType { return fields[i] })
	case primitive.DataTypeCodeMap:
		return fromCodecMap(dt.(datatype.MapType), value)
	case primitive.DataTypeCodeUdt:
		return fromCodecFields(dt.(datatype.UserDefinedType), value)
	}
	return value, nil
}

func fromCodecSlice(value interface{}, typeOf func(int) datatype.DataType) (interface{}, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return value, nil
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		elem, err := fromCodecValue(typeOf(i), rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func fromCodecMap(dt datatype.MapType, value interface{}) (interface{}, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map {
		return value, nil
	}
	out := make(map[interface{}]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := fromCodecValue(dt.GetKeyType(), iter.Key().Interface())
		if err != nil {
			return nil, err
		}
		v, err := fromCodecValue(dt.GetValueType(), iter.Value().Interface())
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func fromCodecFields(dt datatype.UserDefinedType, value interface{}) (interface{}, error) {
	fields, ok := value.(map[string]interface{})
	if !ok {
		return value, nil
	}
	out := make(map[string]interface{}, len(fields))
	for i, name := range dt.GetFieldNames() {
		v, err := fromCodecValue(dt.GetFieldTypes()[i], fields[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// deref unwraps the pointers datacodec uses for collection elements. Varints
// are *big.Int throughout.
func deref(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if _, ok := value.(*big.Int); ok {
		return value
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Ptr {
		return value
	}
	if rv.IsNil() {
		return nil
	}
	return rv.Elem().Interface()
}

// reframeCollection converts the framing of a collection between the v3
// layout, where the element count and each element length are [int], and the
// v2 layout, where both are [short]. Nested collections are converted too.
// Other types are returned unchanged.
func reframeCollection(dt datatype.DataType, data []byte, toV2 bool) ([]byte, error) {
	var elements []datatype.DataType
	switch typ := dt.(type) {
	case datatype.ListType:
		elements = []datatype.DataType{typ.GetElementType()}
	case datatype.SetType:
		elements = []datatype.DataType{typ.GetElementType()}
	case datatype.MapType:
		elements = []datatype.DataType{typ.GetKeyType(), typ.GetValueType()}
	default:
		return data, nil
	}
	if len(data) == 0 {
		return data, nil
	}
	src := bytes.NewReader(data)
	dst := &bytes.Buffer{}
	var count int
	if toV2 {
		n, err := primitive.ReadInt(src)
		if err != nil {
			return nil, fmt.Errorf("cannot read %v size: %w", dt, err)
		}
		if n > math.MaxUint16 {
			return nil, &ArgumentError{Message: fmt.Sprintf("%d elements do not fit a protocol v2 %v", n, dt)}
		}
		count = int(n)
		_ = primitive.WriteShort(uint16(count), dst)
	} else {
		n, err := primitive.ReadShort(src)
		if err != nil {
			return nil, fmt.Errorf("cannot read %v size: %w", dt, err)
		}
		count = int(n)
		_ = primitive.WriteInt(int32(count), dst)
	}
	for i := 0; i < count; i++ {
		for _, typ := range elements {
			var elem []byte
			var err error
			if toV2 {
				elem, err = primitive.ReadBytes(src)
			} else {
				elem, err = primitive.ReadShortBytes(src)
			}
			if err != nil {
				return nil, fmt.Errorf("cannot read %v element %d: %w", dt, i, err)
			}
			if elem, err = reframeCollection(typ, elem, toV2); err != nil {
				return nil, err
			}
			if toV2 {
				if len(elem) > math.MaxUint16 {
					return nil, &ArgumentError{Message: fmt.Sprintf("element of %d bytes does not fit a protocol v2 %v", len(elem), dt)}
				}
				_ = primitive.WriteShortBytes(elem, dst)
			} else {
				_ = primitive.WriteBytes(elem, dst)
			}
		}
	}
	if src.Len() > 0 {
		return nil, fmt.Errorf("cannot decode %v: %d trailing bytes", dt, src.Len())
	}
	return dst.Bytes(), nil
}

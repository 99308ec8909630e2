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
	"math"
	"math/big"
	"net"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/gocql/gocql"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/inf.v0"
)

func TestCodecRoundTrip(t *testing.T) {
	id := uuid.MustParse("f3b4958c-52a1-11e7-802a-010203040506")
	ts := time.Date(2021, 3, 14, 15, 9, 26, 535000000, time.UTC)
	address, err := datatype.NewUserDefinedType("ks1", "address",
		[]string{"street", "zip"}, []datatype.DataType{datatype.Varchar, datatype.Int})
	require.NoError(t, err)

	v3 := primitive.ProtocolVersion3
	v4 := primitive.ProtocolVersion4
	tests := []struct {
		name  string
		dt    datatype.DataType
		value interface{}
		want  interface{}
		// since is the first protocol version carrying the type
		since primitive.ProtocolVersion
	}{
		{name: "ascii", dt: datatype.Ascii, value: "hello", want: "hello"},
		{name: "varchar", dt: datatype.Varchar, value: "héllo", want: "héllo"},
		{name: "varchar bytes", dt: datatype.Varchar, value: []byte("raw"), want: "raw"},
		{name: "empty varchar", dt: datatype.Varchar, value: "", want: ""},
		{name: "blob", dt: datatype.Blob, value: []byte{0xca, 0xfe}, want: []byte{0xca, 0xfe}},
		{name: "boolean", dt: datatype.Boolean, value: true, want: true},
		{name: "tinyint", dt: datatype.Tinyint, value: int8(-7), want: int8(-7), since: v4},
		{name: "smallint", dt: datatype.Smallint, value: int16(math.MaxInt16), want: int16(math.MaxInt16), since: v4},
		{name: "int", dt: datatype.Int, value: int32(math.MinInt32), want: int32(math.MinInt32)},
		{name: "int from int", dt: datatype.Int, value: 42, want: int32(42)},
		{name: "bigint", dt: datatype.Bigint, value: int64(math.MaxInt64), want: int64(math.MaxInt64)},
		{name: "counter", dt: datatype.Counter, value: int64(-1), want: int64(-1)},
		{name: "float", dt: datatype.Float, value: float32(1.5), want: float32(1.5)},
		{name: "double", dt: datatype.Double, value: math.Pi, want: math.Pi},
		{name: "timestamp", dt: datatype.Timestamp, value: ts, want: ts},
		{name: "timestamp millis", dt: datatype.Timestamp, value: ts.UnixMilli(), want: ts},
		{name: "uuid", dt: datatype.Uuid, value: id, want: primitive.UUID(id)},
		{name: "uuid string", dt: datatype.Uuid, value: id.String(), want: primitive.UUID(id)},
		{name: "timeuuid", dt: datatype.Timeuuid, value: primitive.UUID(id), want: primitive.UUID(id)},
		{name: "varint", dt: datatype.Varint, value: big.NewInt(-129), want: big.NewInt(-129)},
		{name: "varint from int", dt: datatype.Varint, value: 1 << 40, want: big.NewInt(1 << 40)},
		{name: "decimal", dt: datatype.Decimal, value: inf.NewDec(-31415, 4), want: inf.NewDec(-31415, 4)},
		{name: "inet v4", dt: datatype.Inet, value: net.ParseIP("10.0.0.1"), want: net.IP{10, 0, 0, 1}},
		{name: "inet v6", dt: datatype.Inet, value: "::1", want: net.ParseIP("::1")},
		{name: "date", dt: datatype.Date, value: civil.Date{Year: 1969, Month: 7, Day: 20},
			want: time.Date(1969, 7, 20, 0, 0, 0, 0, time.UTC), since: v4},
		{name: "time", dt: datatype.Time, value: civil.Time{Hour: 13, Minute: 30, Second: 1},
			want: 13*time.Hour + 30*time.Minute + time.Second, since: v4},
		{name: "duration", dt: datatype.Duration, value: Duration{Months: 1, Days: -2, Nanoseconds: 3},
			want: Duration{Months: 1, Days: -2, Nanoseconds: 3}, since: v4},
		{name: "duration from go", dt: datatype.Duration, value: 90 * time.Minute,
			want: Duration{Nanoseconds: int64(90 * time.Minute)}, since: v4},
		{name: "list", dt: datatype.NewListType(datatype.Int), value: []int32{1, 2, 3},
			want: []interface{}{int32(1), int32(2), int32(3)}},
		{name: "set", dt: datatype.NewSetType(datatype.Varchar), value: [2]string{"a", "b"},
			want: []interface{}{"a", "b"}},
		{name: "empty list", dt: datatype.NewListType(datatype.Int), value: []int32{}, want: []interface{}{}},
		{name: "list of decimals", dt: datatype.NewListType(datatype.Decimal), value: []*inf.Dec{inf.NewDec(15, 1)},
			want: []interface{}{inf.NewDec(15, 1)}},
		{name: "map", dt: datatype.NewMapType(datatype.Varchar, datatype.Bigint), value: map[string]int64{"a": 1, "b": 2},
			want: map[interface{}]interface{}{"a": int64(1), "b": int64(2)}},
		{name: "nested", dt: datatype.NewListType(datatype.NewSetType(datatype.Int)), value: [][]int32{{1}, {2, 3}},
			want: []interface{}{[]interface{}{int32(1)}, []interface{}{int32(2), int32(3)}}},
		{name: "map of lists", dt: datatype.NewMapType(datatype.Int, datatype.NewListType(datatype.Varchar)),
			value: map[int32][]string{7: {"x", "y"}},
			want:  map[interface{}]interface{}{int32(7): []interface{}{"x", "y"}}},
		{name: "tuple", dt: datatype.NewTupleType(datatype.Int, datatype.Varchar, datatype.Boolean),
			value: []interface{}{1, "a", nil}, want: []interface{}{int32(1), "a", nil}, since: v3},
		{name: "user type", dt: address, value: map[string]interface{}{"street": "Main St", "zip": 12345},
			want: map[string]interface{}{"street": "Main St", "zip": int32(12345)}, since: v3},
	}
	opts := []cmp.Option{
		cmp.Comparer(func(a, b *big.Int) bool { return a.Cmp(b) == 0 }),
		cmp.Comparer(func(a, b *inf.Dec) bool { return a.Cmp(b) == 0 }),
	}
	for _, version := range []primitive.ProtocolVersion{primitive.ProtocolVersion2, v3, v4} {
		for _, tt := range tests {
			if version < tt.since {
				continue
			}
			t.Run(tt.name+"/"+version.String(), func(t *testing.T) {
				encoded, err := EncodeType(tt.dt, version, tt.value)
				require.NoError(t, err)
				decoded, err := DecodeType(tt.dt, version, encoded)
				require.NoError(t, err)
				if diff := cmp.Diff(tt.want, decoded, opts...); diff != "" {
					t.Errorf("decoded value mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestCodecVersionGates(t *testing.T) {
	tests := []struct {
		name  string
		dt    datatype.DataType
		value interface{}
	}{
		{"date before v4", datatype.Date, civil.Date{Year: 2020, Month: 1, Day: 1}},
		{"smallint before v4", datatype.Smallint, int16(1)},
		{"duration before v4", datatype.Duration, Duration{Days: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeType(tt.dt, primitive.ProtocolVersion3, tt.value)
			var argErr *ArgumentError
			assert.ErrorAs(t, err, &argErr)
		})
	}
}

func TestCodecNull(t *testing.T) {
	encoded, err := EncodeType(datatype.Int, primitive.ProtocolVersion4, nil)
	assert.NoError(t, err)
	assert.Nil(t, encoded)

	decoded, err := DecodeType(datatype.Int, primitive.ProtocolVersion4, nil)
	assert.NoError(t, err)
	assert.Nil(t, decoded)

	// zero length values of fixed width types read as null, text stays empty
	decoded, err = DecodeType(datatype.Bigint, primitive.ProtocolVersion4, []byte{})
	assert.NoError(t, err)
	assert.Nil(t, decoded)
	decoded, err = DecodeType(datatype.Varchar, primitive.ProtocolVersion4, []byte{})
	assert.NoError(t, err)
	assert.Equal(t, "", decoded)

	value, err := EncodeValue(datatype.Int, primitive.ProtocolVersion4, nil)
	require.NoError(t, err)
	assert.Equal(t, primitive.ValueTypeNull, value.Type)
	decoded, err = DecodeValue(datatype.Int, primitive.ProtocolVersion4, value)
	assert.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestCodecUnset(t *testing.T) {
	value, err := EncodeValue(datatype.Int, primitive.ProtocolVersion4, Unset)
	require.NoError(t, err)
	assert.Equal(t, primitive.ValueTypeUnset, value.Type)

	_, err = EncodeValue(datatype.Int, primitive.ProtocolVersion3, Unset)
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)
}

func TestCodecErrors(t *testing.T) {
	tests := []struct {
		name  string
		dt    datatype.DataType
		value interface{}
	}{
		{"int overflow", datatype.Smallint, 1 << 16},
		{"bigint overflows int", datatype.Int, int64(1) << 40},
		{"wrong type", datatype.Boolean, "true"},
		{"non ascii", datatype.Ascii, "héllo"},
		{"invalid utf8", datatype.Varchar, []byte{0xff, 0xfe}},
		{"invalid uuid", datatype.Uuid, "not-a-uuid"},
		{"random timeuuid", datatype.Timeuuid, uuid.MustParse("1c0b3c6e-1f5d-4d1a-9a4e-0b3c6e1f5d4d")},
		{"invalid inet", datatype.Inet, "300.1.1.1"},
		{"time out of range", datatype.Time, 25 * time.Hour},
		{"null element", datatype.NewListType(datatype.Int), []interface{}{int32(1), nil}},
		{"bytes as list", datatype.NewListType(datatype.Tinyint), []byte{1, 2}},
		{"map as list", datatype.NewListType(datatype.Int), map[int32]int32{}},
		{"null map value", datatype.NewMapType(datatype.Varchar, datatype.Int), map[string]interface{}{"a": nil}},
		{"tuple arity", datatype.NewTupleType(datatype.Int, datatype.Int), []interface{}{1}},
		{"decimal from float", datatype.Decimal, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeType(tt.dt, primitive.ProtocolVersion4, tt.value)
			var argErr *ArgumentError
			assert.ErrorAs(t, err, &argErr)
			assert.Equal(t, KindInvalidRequest, Classify(err))
		})
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		dt   datatype.DataType
		data []byte
	}{
		{"short int", datatype.Int, []byte{0, 1}},
		{"long boolean", datatype.Boolean, []byte{0, 1}},
		{"short uuid", datatype.Uuid, make([]byte, 15)},
		{"bad inet", datatype.Inet, []byte{1, 2, 3}},
		{"short decimal", datatype.Decimal, []byte{0, 0, 0, 1}},
		{"truncated list", datatype.NewListType(datatype.Int), []byte{0, 0, 0, 2, 0, 0, 0, 4, 0, 0, 0, 1}},
		{"trailing list bytes", datatype.NewListType(datatype.Int), []byte{0, 0, 0, 0, 9}},
		{"truncated duration", datatype.Duration, []byte{0x02, 0x04, 0xc0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeType(tt.dt, primitive.ProtocolVersion4, tt.data)
			assert.Error(t, err)
		})
	}
}

func TestCodecMapKeys(t *testing.T) {
	dt := datatype.NewMapType(datatype.Inet, datatype.Int)
	encoded, err := EncodeType(dt, primitive.ProtocolVersion4, map[string]int32{"10.0.0.1": 1})
	require.NoError(t, err)

	_, err = DecodeType(dt, primitive.ProtocolVersion4, encoded)
	var unsupported *wire.UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, dt, unsupported.Type)
	assert.Equal(t, KindInvalidRequest, Classify(err))

	_, err = EncodeType(nil, primitive.ProtocolVersion4, 1)
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)
}

func TestCollectionLengthsByVersion(t *testing.T) {
	list := datatype.NewListType(datatype.Int)
	v2, err := EncodeType(list, primitive.ProtocolVersion2, []int32{7})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 4, 0, 0, 0, 7}, v2)

	v3, err := EncodeType(list, primitive.ProtocolVersion3, []int32{7})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 4, 0, 0, 0, 7}, v3)

	m := datatype.NewMapType(datatype.Varchar, datatype.NewListType(datatype.Boolean))
	v2, err = EncodeType(m, primitive.ProtocolVersion2, map[string][]bool{"k": {true}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 1, 'k', 0, 5, 0, 1, 0, 1, 1}, v2)
	decoded, err := DecodeType(m, primitive.ProtocolVersion2, v2)
	require.NoError(t, err)
	assert.Equal(t, map[interface{}]interface{}{"k": []interface{}{true}}, decoded)

	_, err = DecodeType(list, primitive.ProtocolVersion2, []byte{0, 1, 0, 4, 0, 0})
	assert.Error(t, err)
}

func TestDurationEncoding(t *testing.T) {
	tests := []struct {
		value Duration
		want  []byte
	}{
		{Duration{}, []byte{0x00, 0x00, 0x00}},
		{Duration{Days: 1}, []byte{0x00, 0x02, 0x00}},
		{Duration{Months: -1}, []byte{0x01, 0x00, 0x00}},
		{Duration{Days: 64}, []byte{0x00, 0x80, 0x80, 0x00}},
		{Duration{Nanoseconds: -65}, []byte{0x00, 0x00, 0x80, 0x81}},
	}
	for _, tt := range tests {
		encoded, err := EncodeType(datatype.Duration, primitive.ProtocolVersion4, tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, encoded, "encoding %+v", tt.value)
	}
}

// The encodings must match what other drivers put on the wire.
func TestCodecMatchesGocql(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC)
	tests := []struct {
		name  string
		dt    datatype.DataType
		typ   gocql.Type
		value interface{}
	}{
		{"int", datatype.Int, gocql.TypeInt, int32(-123456)},
		{"bigint", datatype.Bigint, gocql.TypeBigInt, int64(1) << 50},
		{"smallint", datatype.Smallint, gocql.TypeSmallInt, int16(-2)},
		{"boolean", datatype.Boolean, gocql.TypeBoolean, true},
		{"double", datatype.Double, gocql.TypeDouble, 2.5},
		{"varchar", datatype.Varchar, gocql.TypeVarchar, "cassandra"},
		{"timestamp", datatype.Timestamp, gocql.TypeTimestamp, ts},
		{"varint", datatype.Varint, gocql.TypeVarint, big.NewInt(-129)},
		{"varint boundary", datatype.Varint, gocql.TypeVarint, big.NewInt(128)},
		{"inet", datatype.Inet, gocql.TypeInet, net.ParseIP("192.168.1.10")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := gocql.Marshal(gocql.NewNativeType(4, tt.typ, ""), tt.value)
			require.NoError(t, err)
			got, err := EncodeType(tt.dt, primitive.ProtocolVersion4, tt.value)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

// Decoded blobs and addresses must stay valid after the frame buffer is
// reused.
func TestDecodeCopiesBytes(t *testing.T) {
	frame := []byte{1, 2, 3}
	decoded, err := DecodeType(datatype.Blob, primitive.ProtocolVersion4, frame)
	require.NoError(t, err)
	frame[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, decoded)

	frame = net.ParseIP("::1")
	decoded, err = DecodeType(datatype.Inet, primitive.ProtocolVersion4, frame)
	require.NoError(t, err)
	frame[15] = 2
	assert.Equal(t, net.ParseIP("::1"), decoded)

	decoded, err = DecodeType(datatype.Blob, primitive.ProtocolVersion4, []byte{})
	require.NoError(t, err)
	assert.Equal(t, []byte{}, decoded)
}

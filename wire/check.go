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

package wire

import (
	"fmt"

	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// checkRequest rejects request features the negotiated version cannot carry.
// The library encoder drops some of them silently instead.
func checkRequest(req *Request, version primitive.ProtocolVersion) error {
	if len(req.CustomPayload) > 0 && version < primitive.ProtocolVersion4 {
		return &EncodingError{Message: "custom payloads require protocol v4"}
	}
	switch msg := req.Message.(type) {
	case *message.Query:
		return checkQueryOptions(msg.Options, version)
	case *message.Execute:
		return checkQueryOptions(msg.Options, version)
	case *message.Batch:
		if version < primitive.ProtocolVersion3 && (msg.SerialConsistency != nil || msg.DefaultTimestamp != nil) {
			return &EncodingError{Message: "batch serial consistency and timestamps require protocol v3"}
		}
		for i, child := range msg.Children {
			if err := checkValues(child.Values, version); err != nil {
				return &EncodingError{Message: fmt.Sprintf("batch child %d", i), Cause: err}
			}
		}
	}
	return nil
}

func checkQueryOptions(options *message.QueryOptions, version primitive.ProtocolVersion) error {
	if options == nil {
		return nil
	}
	if version < primitive.ProtocolVersion3 {
		if len(options.NamedValues) > 0 {
			return &EncodingError{Message: "named values require protocol v3"}
		}
		if options.DefaultTimestamp != nil {
			return &EncodingError{Message: "default timestamps require protocol v3"}
		}
	}
	if options.Keyspace != "" || options.NowInSeconds != nil {
		return &EncodingError{Message: "per-request keyspace and now_in_seconds require protocol v5"}
	}
	if err := checkValues(options.PositionalValues, version); err != nil {
		return err
	}
	for _, value := range options.NamedValues {
		if err := checkValues([]*primitive.Value{value}, version); err != nil {
			return err
		}
	}
	return nil
}

func checkValues(values []*primitive.Value, version primitive.ProtocolVersion) error {
	for _, value := range values {
		if value == nil {
			return &EncodingError{Message: "nil value, use a null value instead"}
		}
		if value.Type == primitive.ValueTypeUnset && !version.SupportsUnsetValues() {
			return &EncodingError{Message: fmt.Sprintf("unset values require protocol v4, connection uses v%d", uint8(version))}
		}
	}
	return nil
}

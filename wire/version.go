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

import "github.com/datastax/go-cassandra-native-protocol/primitive"

const (
	// MinProtocolVersion is the oldest protocol revision a connection may use.
	MinProtocolVersion = primitive.ProtocolVersion2
	// MaxProtocolVersion is the newest protocol revision spoken without segment framing.
	MaxProtocolVersion = primitive.ProtocolVersion4

	// MaxFrameSize is the largest body the protocol allows (256 MiB).
	MaxFrameSize int32 = 256 * 1024 * 1024

	// DefaultCQLVersion is sent as CQL_VERSION in STARTUP.
	DefaultCQLVersion = "3.0.0"
)

// IsSupported reports whether version can be used on a connection.
func IsSupported(version primitive.ProtocolVersion) bool {
	return version >= MinProtocolVersion && version <= MaxProtocolVersion
}

// MaxStreams is the number of usable (non-negative) stream ids for version.
func MaxStreams(version primitive.ProtocolVersion) int {
	if version > primitive.ProtocolVersion2 {
		return 32768
	}
	return 128
}

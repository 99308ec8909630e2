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

package parser

import (
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
)

type columnDef struct {
	name string
	typ  datatype.DataType
}

func tableColumns(keyspace, table string, defs ...columnDef) []*message.ColumnMetadata {
	columns := make([]*message.ColumnMetadata, len(defs))
	for i, def := range defs {
		columns[i] = &message.ColumnMetadata{Keyspace: keyspace, Table: table, Name: def.name, Type: def.typ}
	}
	return columns
}

var tokensType = datatype.NewSetType(datatype.Varchar)

var (
	// SystemLocalColumns carries dse_version, which Apache Cassandra leaves
	// null.
	SystemLocalColumns = tableColumns("system", "local",
		columnDef{"key", datatype.Varchar},
		columnDef{"rpc_address", datatype.Inet},
		columnDef{"data_center", datatype.Varchar},
		columnDef{"dse_version", datatype.Varchar},
		columnDef{"rack", datatype.Varchar},
		columnDef{"tokens", tokensType},
		columnDef{"release_version", datatype.Varchar},
		columnDef{"partitioner", datatype.Varchar},
		columnDef{"cluster_name", datatype.Varchar},
		columnDef{"cql_version", datatype.Varchar},
		columnDef{"schema_version", datatype.Uuid},
		columnDef{"native_protocol_version", datatype.Varchar},
		columnDef{"host_id", datatype.Uuid},
	)

	SystemPeersColumns = tableColumns("system", "peers",
		columnDef{"peer", datatype.Inet},
		columnDef{"rpc_address", datatype.Inet},
		columnDef{"data_center", datatype.Varchar},
		columnDef{"dse_version", datatype.Varchar},
		columnDef{"rack", datatype.Varchar},
		columnDef{"tokens", tokensType},
		columnDef{"release_version", datatype.Varchar},
		columnDef{"schema_version", datatype.Uuid},
		columnDef{"host_id", datatype.Uuid},
	)

	SystemTracesSessionsColumns = tableColumns("system_traces", "sessions",
		columnDef{"session_id", datatype.Uuid},
		columnDef{"client", datatype.Inet},
		columnDef{"command", datatype.Varchar},
		columnDef{"coordinator", datatype.Inet},
		columnDef{"duration", datatype.Int},
		columnDef{"parameters", datatype.NewMapType(datatype.Varchar, datatype.Varchar)},
		columnDef{"request", datatype.Varchar},
		columnDef{"started_at", datatype.Timestamp},
	)

	SystemTracesEventsColumns = tableColumns("system_traces", "events",
		columnDef{"session_id", datatype.Uuid},
		columnDef{"event_id", datatype.Timeuuid},
		columnDef{"activity", datatype.Varchar},
		columnDef{"source", datatype.Inet},
		columnDef{"source_elapsed", datatype.Int},
		columnDef{"thread", datatype.Varchar},
	)
)

// SystemColumnsByName holds the columns of the system tables the driver reads,
// keyed by keyspace and table.
var SystemColumnsByName = map[string][]*message.ColumnMetadata{
	"system.local":           SystemLocalColumns,
	"system.peers":           SystemPeersColumns,
	"system_traces.sessions": SystemTracesSessionsColumns,
	"system_traces.events":   SystemTracesEventsColumns,
}

var (
	systemKeyspaces = map[string]bool{"system": true, "system_schema": true, "system_traces": true}
	systemTables    = map[string]bool{
		"local": true, "peers": true, "peers_v2": true,
		"schema_keyspaces": true, "schema_columnfamilies": true, "schema_columns": true, "schema_usertypes": true,
		"keyspaces": true, "tables": true, "columns": true, "functions": true, "aggregates": true,
		"triggers": true, "indexes": true, "views": true, "types": true,
		"sessions": true, "events": true,
	}
)

func isSystemKeyspace(name Identifier) bool {
	return systemKeyspaces[name.ID()]
}

func isSystemTable(name Identifier) bool {
	return systemTables[name.ID()]
}

// FindColumnMetadata returns the column called name, or nil.
func FindColumnMetadata(columns []*message.ColumnMetadata, name string) *message.ColumnMetadata {
	for _, column := range columns {
		if column.Name == name {
			return column
		}
	}
	return nil
}

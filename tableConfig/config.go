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

package tableConfig

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cqlsharp/cqldriver/third_party/datastax/cqlcore"
	"github.com/cqlsharp/cqldriver/utilities"
	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.uber.org/zap"
)

type ColumnKind int

const (
	Regular ColumnKind = iota
	PartitionKey
	ClusteringKey
)

func (k ColumnKind) String() string {
	switch k {
	case PartitionKey:
		return "partition_key"
	case ClusteringKey:
		return "clustering"
	}
	return "regular"
}

// Column maps one CQL column to a field of the caller's type. Get reads the
// field from an object, Set writes a decoded value into one.
type Column struct {
	Name     string
	CQLType  string
	Kind     ColumnKind
	Get      func(obj interface{}) (interface{}, error)
	Set      func(obj interface{}, value interface{}) error
	Metadata message.ColumnMetadata
}

// TableMapping is an explicitly registered table. Columns are listed with the
// partition key first, then clustering columns, then the rest.
type TableMapping struct {
	Keyspace string
	Table    string
	Columns  []*Column
	// New returns an empty object for Materialize.
	New func() interface{}

	byName map[string]*Column
}

type ColumnType struct {
	CQLType      string
	DataType     datatype.DataType
	IsPrimaryKey bool
}

// TableConfig holds the registered table mappings. It is owned by the caller,
// there is no global registry.
type TableConfig struct {
	Logger *zap.Logger

	mu             sync.RWMutex
	TablesMetaData map[string]*TableMapping
}

func NewTableConfig(logger *zap.Logger) *TableConfig {
	return &TableConfig{
		Logger:         cqlcore.GetOrCreateNopLogger(logger),
		TablesMetaData: make(map[string]*TableMapping),
	}
}

func tableKey(keyspace, table string) string {
	return strings.ToLower(keyspace) + "." + strings.ToLower(table)
}

// Validate checks the mapping and resolves its column types. The partition key
// must come before any clustering column.
func (m *TableMapping) Validate() error {
	if m.Keyspace == "" || m.Table == "" {
		return fmt.Errorf("table mapping needs a keyspace and a table name")
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("table %s.%s has no columns", m.Keyspace, m.Table)
	}
	byName := make(map[string]*Column, len(m.Columns))
	partitionKeys := 0
	seenClustering, seenRegular := false, false
	for i, column := range m.Columns {
		if column.Name == "" {
			return fmt.Errorf("table %s.%s column %d has no name", m.Keyspace, m.Table, i)
		}
		if _, ok := byName[column.Name]; ok {
			return fmt.Errorf("table %s.%s has duplicate column %s", m.Keyspace, m.Table, column.Name)
		}
		switch column.Kind {
		case PartitionKey:
			if seenClustering || seenRegular {
				return fmt.Errorf("table %s.%s partition key column %s must come before clustering and regular columns", m.Keyspace, m.Table, column.Name)
			}
			partitionKeys++
		case ClusteringKey:
			if partitionKeys == 0 {
				return fmt.Errorf("table %s.%s clustering column %s is declared before the partition key", m.Keyspace, m.Table, column.Name)
			}
			if seenRegular {
				return fmt.Errorf("table %s.%s clustering column %s must come before regular columns", m.Keyspace, m.Table, column.Name)
			}
			seenClustering = true
		default:
			seenRegular = true
		}
		dt, err := utilities.GetCassandraColumnType(column.CQLType)
		if err != nil {
			return fmt.Errorf("table %s.%s column %s: %w", m.Keyspace, m.Table, column.Name, err)
		}
		column.Metadata = message.ColumnMetadata{
			Keyspace: m.Keyspace,
			Table:    m.Table,
			Name:     column.Name,
			Index:    int32(i),
			Type:     dt,
		}
		byName[column.Name] = column
	}
	if partitionKeys == 0 {
		return fmt.Errorf("table %s.%s has no partition key", m.Keyspace, m.Table)
	}
	m.byName = byName
	return nil
}

// Register validates m and adds it, replacing an earlier mapping of the same
// table.
func (c *TableConfig) Register(m *TableMapping) error {
	if err := m.Validate(); err != nil {
		c.Logger.Error("invalid table mapping", zap.Error(err))
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TablesMetaData[tableKey(m.Keyspace, m.Table)] = m
	c.Logger.Debug("registered table mapping", zap.String("keyspace", m.Keyspace), zap.String("table", m.Table),
		zap.Int("columns", len(m.Columns)))
	return nil
}

func (c *TableConfig) GetTable(keyspace, table string) (*TableMapping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.TablesMetaData[tableKey(keyspace, table)]
	if !ok {
		return nil, fmt.Errorf("could not find table(%s.%s) mapping. Register the table before using it", keyspace, table)
	}
	return m, nil
}

// GetPkByTableName returns the partition key and clustering columns in
// declaration order.
func (c *TableConfig) GetPkByTableName(keyspace, table string) ([]*Column, error) {
	m, err := c.GetTable(keyspace, table)
	if err != nil {
		return nil, err
	}
	var pk []*Column
	for _, column := range m.Columns {
		if column.Kind != Regular {
			pk = append(pk, column)
		}
	}
	return pk, nil
}

// GetColumnType returns the type of one column.
func (c *TableConfig) GetColumnType(keyspace, table, columnName string) (*ColumnType, error) {
	m, err := c.GetTable(keyspace, table)
	if err != nil {
		return nil, err
	}
	column, ok := m.byName[columnName]
	if !ok {
		return nil, fmt.Errorf("could not find column(%s) in table(%s.%s)", columnName, keyspace, table)
	}
	return &ColumnType{
		CQLType:      column.CQLType,
		DataType:     column.Metadata.Type,
		IsPrimaryKey: column.Kind != Regular,
	}, nil
}

// GetMetadataForColumns returns the metadata of the named columns, or of all
// columns when columnNames is empty. Indices follow the requested order.
func (c *TableConfig) GetMetadataForColumns(keyspace, table string, columnNames []string) ([]*message.ColumnMetadata, error) {
	m, err := c.GetTable(keyspace, table)
	if err != nil {
		return nil, err
	}
	if len(columnNames) == 0 {
		columns := make([]*message.ColumnMetadata, len(m.Columns))
		for i, column := range m.Columns {
			columns[i] = cloneColumnMetadata(&column.Metadata, int32(i))
		}
		return columns, nil
	}
	columns := make([]*message.ColumnMetadata, 0, len(columnNames))
	for i, name := range columnNames {
		column, ok := m.byName[name]
		if !ok {
			err := fmt.Errorf("table = `%s.%s` column name = `%s` not found", keyspace, table, name)
			c.Logger.Error(err.Error())
			return nil, err
		}
		columns = append(columns, cloneColumnMetadata(&column.Metadata, int32(i)))
	}
	return columns, nil
}

func cloneColumnMetadata(metadata *message.ColumnMetadata, index int32) *message.ColumnMetadata {
	columnMd := metadata.Clone()
	columnMd.Index = index
	return columnMd
}

// Values reads every mapped column from obj.
func (m *TableMapping) Values(obj interface{}) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(m.Columns))
	for _, column := range m.Columns {
		if column.Get == nil {
			continue
		}
		value, err := column.Get(obj)
		if err != nil {
			return nil, fmt.Errorf("reading column %s: %w", column.Name, err)
		}
		values[column.Name] = value
	}
	return values, nil
}

// PartitionKeyTypes returns the partition key column types in key order.
func (m *TableMapping) PartitionKeyTypes() []datatype.DataType {
	var types []datatype.DataType
	for _, column := range m.Columns {
		if column.Kind == PartitionKey {
			types = append(types, column.Metadata.Type)
		}
	}
	return types
}

// RoutingKey computes the routing key of obj from its partition key columns.
func (m *TableMapping) RoutingKey(version primitive.ProtocolVersion, obj interface{}) ([]byte, error) {
	var values []interface{}
	for _, column := range m.Columns {
		if column.Kind != PartitionKey {
			continue
		}
		if column.Get == nil {
			return nil, fmt.Errorf("partition key column %s has no accessor", column.Name)
		}
		value, err := column.Get(obj)
		if err != nil {
			return nil, fmt.Errorf("reading column %s: %w", column.Name, err)
		}
		values = append(values, value)
	}
	return cqlcore.RoutingKey(version, m.PartitionKeyTypes(), values)
}

// Materialize decodes row into a new object. Columns without a mapping or a
// setter are skipped.
func (m *TableMapping) Materialize(row cqlcore.Row) (interface{}, error) {
	if m.New == nil {
		return nil, fmt.Errorf("table %s.%s mapping has no constructor", m.Keyspace, m.Table)
	}
	obj := m.New()
	err := row.Visit(func(name string, typ datatype.DataType, raw []byte) error {
		column, ok := m.byName[name]
		if !ok || column.Set == nil {
			return nil
		}
		value, err := cqlcore.DecodeType(typ, row.Version(), raw)
		if err != nil {
			return fmt.Errorf("decoding column %s: %w", name, err)
		}
		return column.Set(obj, value)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

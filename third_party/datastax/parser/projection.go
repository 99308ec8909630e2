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
	"errors"
	"fmt"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
)

// CountValueName is the column a count(*) selector reads and is returned as.
const CountValueName = "count(*)"

// ValueLookupFunc returns the encoded value of a source column for one row.
type ValueLookupFunc func(name string) (message.Column, error)

// Projection is the shape of a SELECT's result over a table whose columns are
// known up front.
type Projection struct {
	// Columns describe the result, with aliases applied.
	Columns []*message.ColumnMetadata
	// sources name the table column each result column is read from.
	sources   []string
	countOnly bool
}

// NewProjection resolves the selectors of stmt against the table's columns.
func NewProjection(stmt *SelectStatement, table []*message.ColumnMetadata) (*Projection, error) {
	if len(stmt.Selectors) == 0 {
		return nil, errors.New("select statement has no selectors")
	}
	p := &Projection{}
	if _, ok := stmt.Selectors[0].(*StarSelector); ok {
		p.Columns = table
		for _, column := range table {
			p.sources = append(p.sources, column.Name)
		}
		return p, nil
	}
	for _, selector := range stmt.Selectors {
		column, source, err := resolveSelector(selector, table, stmt.Keyspace, stmt.Table)
		if err != nil {
			return nil, err
		}
		p.Columns = append(p.Columns, column)
		p.sources = append(p.sources, source)
	}
	p.countOnly = len(stmt.Selectors) == 1 && p.sources[0] == CountValueName
	return p, nil
}

// CountOnly reports a lone count(*) selector, possibly aliased.
func (p *Projection) CountOnly() bool {
	return p.countOnly
}

// Row builds one result row from the values lookup returns.
func (p *Projection) Row(lookup ValueLookupFunc) ([]message.Column, error) {
	row := make([]message.Column, 0, len(p.sources))
	for _, source := range p.sources {
		value, err := lookup(source)
		if err != nil {
			return nil, err
		}
		row = append(row, value)
	}
	return row, nil
}

func resolveSelector(selector Selector, table []*message.ColumnMetadata, keyspace, tableName string) (*message.ColumnMetadata, string, error) {
	switch s := selector.(type) {
	case *CountStarSelector:
		return &message.ColumnMetadata{Keyspace: keyspace, Table: tableName, Name: s.Name, Type: datatype.Int}, CountValueName, nil
	case *IDSelector:
		column := FindColumnMetadata(table, s.Name)
		if column == nil {
			return nil, "", fmt.Errorf("invalid column %s", s.Name)
		}
		return column, s.Name, nil
	case *AliasSelector:
		column, source, err := resolveSelector(s.Selector, table, keyspace, tableName)
		if err != nil {
			return nil, "", err
		}
		alias := *column
		alias.Name = s.Alias
		return &alias, source, nil
	}
	return nil, "", errors.New("unhandled selector type")
}

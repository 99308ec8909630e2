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

package runner

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cqlsharp/cqldriver/third_party/datastax/cqlcore"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"gopkg.in/yaml.v3"
)

const (
	outputPlain = "plain"
	outputYAML  = "yaml"
)

// printRows writes rows in the requested format. Columns keep their result
// order in both formats.
func printRows(w io.Writer, format string, columns []*message.ColumnMetadata, rows []cqlcore.Row) error {
	switch format {
	case outputYAML:
		return printYAML(w, columns, rows)
	case outputPlain:
		return printPlain(w, columns, rows)
	}
	return fmt.Errorf("unsupported output format %q", format)
}

func printPlain(w io.Writer, columns []*message.ColumnMetadata, rows []cqlcore.Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	fmt.Fprintln(tw, strings.Join(names, "\t"))
	for _, row := range rows {
		values, err := row.Values()
		if err != nil {
			return err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(tw, "\n(%d rows)\n", len(rows))
	return tw.Flush()
}

func printYAML(w io.Writer, columns []*message.ColumnMetadata, rows []cqlcore.Row) error {
	doc := &yaml.Node{Kind: yaml.SequenceNode}
	for _, row := range rows {
		values, err := row.Values()
		if err != nil {
			return err
		}
		entry := &yaml.Node{Kind: yaml.MappingNode}
		for i, v := range values {
			entry.Content = append(entry.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: columns[i].Name},
				yamlValue(v))
		}
		doc.Content = append(doc.Content, entry)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func yamlValue(v interface{}) *yaml.Node {
	switch val := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	case []interface{}:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, elem := range val {
			seq.Content = append(seq.Content, yamlValue(elem))
		}
		return seq
	case map[interface{}]interface{}:
		m := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
		for _, k := range sortedKeys(val) {
			m.Content = append(m.Content, yamlValue(k), yamlValue(val[k]))
		}
		return m
	case bool, int8, int16, int32, int64, float32, float64:
		node := &yaml.Node{}
		_ = node.Encode(val)
		return node
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: formatValue(v)}
}

// formatValue renders a decoded CQL value the way cqlsh does.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case []byte:
		return "0x" + hex.EncodeToString(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case net.IP:
		return val.String()
	case fmt.Stringer:
		return val.String()
	case []interface{}:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[interface{}]interface{}:
		parts := make([]string, 0, len(val))
		for _, k := range sortedKeys(val) {
			parts = append(parts, formatValue(k)+": "+formatValue(val[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case cqlcore.Duration:
		return fmt.Sprintf("%dmo%dd%dns", val.Months, val.Days, val.Nanoseconds)
	}
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[interface{}]interface{}) []interface{} {
	keys := make([]interface{}, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return formatValue(keys[i]) < formatValue(keys[j])
	})
	return keys
}

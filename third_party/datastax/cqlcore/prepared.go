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
	"fmt"
	"sync"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	lru "github.com/hashicorp/golang-lru"
)

// PreparedStatement is the server side handle for a prepared query. ID is
// opaque and only ever sent back to the server.
type PreparedStatement struct {
	ID             []byte
	Query          string
	Keyspace       string
	Variables      []*message.ColumnMetadata
	PkIndices      []uint16
	ResultMetadata *message.RowsMetadata
	// Idempotent is set when running the statement twice is safe.
	Idempotent bool
	// FromCache is set when Prepare was answered without a round-trip.
	FromCache bool
}

// Types returns the data types of the bind variables in order.
func (p *PreparedStatement) Types() []datatype.DataType {
	types := make([]datatype.DataType, len(p.Variables))
	for i, v := range p.Variables {
		types[i] = v.Type
	}
	return types
}

// BindValues encodes values against the bind variables. Count and type
// mismatches are reported as *InvalidQueryError.
func (p *PreparedStatement) BindValues(version primitive.ProtocolVersion, values []interface{}) ([]*primitive.Value, error) {
	if len(values) != len(p.Variables) {
		return nil, &InvalidQueryError{Message: fmt.Sprintf("query %q expects %d values, got %d", p.Query, len(p.Variables), len(values))}
	}
	bound := make([]*primitive.Value, len(values))
	for i, value := range values {
		v, err := EncodeValue(p.Variables[i].Type, version, value)
		if err != nil {
			return nil, &InvalidQueryError{Message: fmt.Sprintf("invalid value for %q", p.Variables[i].Name), Cause: err}
		}
		bound[i] = v
	}
	return bound, nil
}

func (p *PreparedStatement) variable(name string) *message.ColumnMetadata {
	for _, v := range p.Variables {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p *PreparedStatement) cached() *PreparedStatement {
	c := *p
	c.FromCache = true
	return &c
}

// PreparedCache holds prepared statements by query text and keyspace. Store
// replaces any existing entry for the key.
type PreparedCache interface {
	Load(query, keyspace string) (*PreparedStatement, bool)
	Store(query, keyspace string, prepared *PreparedStatement)
}

func preparedKey(query, keyspace string) string {
	return keyspace + "\x00" + query
}

type mapPreparedCache struct {
	mu      sync.RWMutex
	entries map[string]*PreparedStatement
}

// NewPreparedCache returns a cache that never evicts. Entries live as long as
// the owning session.
func NewPreparedCache() PreparedCache {
	return &mapPreparedCache{entries: make(map[string]*PreparedStatement)}
}

func (c *mapPreparedCache) Load(query, keyspace string) (*PreparedStatement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[preparedKey(query, keyspace)]
	return p, ok
}

func (c *mapPreparedCache) Store(query, keyspace string, prepared *PreparedStatement) {
	c.mu.Lock()
	c.entries[preparedKey(query, keyspace)] = prepared
	c.mu.Unlock()
}

type lruPreparedCache struct {
	cache *lru.Cache
}

// NewLRUPreparedCache bounds the cache to size entries. An evicted statement
// is simply prepared again on next use.
func NewLRUPreparedCache(size int) (PreparedCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &lruPreparedCache{cache: cache}, nil
}

func (c *lruPreparedCache) Load(query, keyspace string) (*PreparedStatement, bool) {
	if val, ok := c.cache.Get(preparedKey(query, keyspace)); ok {
		return val.(*PreparedStatement), true
	}
	return nil, false
}

func (c *lruPreparedCache) Store(query, keyspace string, prepared *PreparedStatement) {
	c.cache.Add(preparedKey(query, keyspace), prepared)
}

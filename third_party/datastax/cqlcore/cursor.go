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
	"context"
	"errors"
)

// Cursor pages through the rows of a statement. Each page re-sends the
// statement with the paging state of the previous one.
//
//	cur := session.Iter(stmt)
//	for cur.Next(ctx) {
//		page := cur.Page()
//		...
//	}
//	if err := cur.Err(); err != nil {
//		...
//	}
type Cursor struct {
	session   *Session
	stmt      Statement
	prepare   bool
	page      *ResultSet
	result    *Result
	started   bool
	exhausted bool
	err       error
}

// Iter returns a cursor over stmt executed as a prepared statement.
// stmt.PagingState, if set, resumes from that page.
func (s *Session) Iter(stmt *Statement) *Cursor {
	return &Cursor{session: s, stmt: *stmt, prepare: true}
}

// IterQuery is Iter over the unprepared QUERY path.
func (s *Session) IterQuery(stmt *Statement) *Cursor {
	return &Cursor{session: s, stmt: *stmt}
}

// Next fetches the next page. It returns false when the previous page was the
// last one or the fetch failed.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.exhausted || c.err != nil {
		return false
	}
	if c.started && len(c.stmt.PagingState) == 0 {
		c.exhausted = true
		return false
	}
	c.started = true

	stmt := c.stmt
	var result *Result
	var err error
	if c.prepare {
		result, err = c.session.Execute(ctx, &stmt)
	} else {
		result, err = c.session.Query(ctx, &stmt)
	}
	if err != nil {
		c.err = err
		return false
	}
	if result.Rows == nil {
		c.err = errors.New("statement did not return rows")
		return false
	}
	c.result = result
	c.page = result.Rows
	c.stmt.PagingState = result.Rows.PagingState()
	if len(c.stmt.PagingState) == 0 {
		// nothing follows this page
		c.exhausted = true
	}
	return true
}

// Page is the page fetched by the last successful Next.
func (c *Cursor) Page() *ResultSet {
	return c.page
}

// Result is the full result of the last successful Next.
func (c *Cursor) Result() *Result {
	return c.result
}

// Exhausted reports that the last page has been fetched.
func (c *Cursor) Exhausted() bool {
	return c.exhausted
}

// PagingState resumes this cursor later through Statement.PagingState. It is
// nil once the cursor is exhausted.
func (c *Cursor) PagingState() []byte {
	return c.stmt.PagingState
}

func (c *Cursor) Err() error {
	return c.err
}

// All drains the cursor.
func (c *Cursor) All(ctx context.Context) ([]Row, error) {
	var rows []Row
	for c.Next(ctx) {
		for i := 0; i < c.page.RowCount(); i++ {
			rows = append(rows, c.page.Row(i))
		}
	}
	return rows, c.err
}

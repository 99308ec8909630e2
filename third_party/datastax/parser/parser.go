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
)

// StatementKind is the coarse type of a CQL statement, taken from its
// leading keyword.
type StatementKind int

const (
	KindOther StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindBatch
	KindUse
	KindDDL
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindBatch:
		return "batch"
	case KindUse:
		return "use"
	case KindDDL:
		return "ddl"
	}
	return "other"
}

// IsModification reports kinds allowed inside a BATCH.
func (k StatementKind) IsModification() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// Classify returns the kind of query without parsing past its first keyword.
func Classify(query string) StatementKind {
	var l lexer
	l.init(query)
	switch l.next() {
	case tkSelect:
		return KindSelect
	case tkInsert:
		return KindInsert
	case tkUpdate:
		return KindUpdate
	case tkDelete:
		return KindDelete
	case tkBegin:
		return KindBatch
	case tkUse:
		return KindUse
	case tkCreate, tkAlter, tkDrop, tkTruncate, tkGrant, tkRevoke:
		return KindDDL
	}
	return KindOther
}

type Statement interface {
	isStatement()
}

type Selector interface {
	isSelector()
}

type StarSelector struct{}

type IDSelector struct {
	Name string
}

type AliasSelector struct {
	Selector Selector
	Alias    string
}

type CountStarSelector struct {
	Name string
}

func (*StarSelector) isSelector()      {}
func (*IDSelector) isSelector()        {}
func (*AliasSelector) isSelector()     {}
func (*CountStarSelector) isSelector() {}

type SelectStatement struct {
	Keyspace  string
	Table     string
	Selectors []Selector
}

type UseStatement struct {
	Keyspace string
}

func (*SelectStatement) isStatement() {}
func (*UseStatement) isStatement()    {}

// IsQueryHandled reports whether query is a read of a system table (or a USE)
// that can be answered from local metadata. Handled queries that use
// unsupported syntax return an error.
func IsQueryHandled(keyspace Identifier, query string) (handled bool, stmt Statement, err error) {
	handled, stmt, _, err = IsQueryHandledWithQueryType(keyspace, query)
	return handled, stmt, err
}

func isHandledUseStmt(l *lexer) (handled bool, stmt Statement, err error) {
	if l.next() != tkIdentifier {
		return true, nil, errors.New("expected identifier after 'USE' in use statement")
	}
	keyspace := l.identifier()
	if t := skipToken(l, l.next(), tkEOS); t != tkEOF {
		return true, nil, errors.New("unexpected token after keyspace in use statement")
	}
	return true, &UseStatement{Keyspace: keyspace.ID()}, nil
}

func isHandledSelectStmt(l *lexer, keyspace Identifier) (handled bool, stmt Statement, err error) {
	// Find the target table before looking at the selectors so that
	// unsupported selectors on user tables are not reported as errors.
	var ahead lexer
	ahead.init(l.data[l.pos:])
	var t token
	depth := 0
	for t = ahead.next(); tkEOF != t && tkInvalid != t; t = ahead.next() {
		if tkLparen == t {
			depth++
		} else if tkRparen == t {
			depth--
		} else if tkFrom == t && depth == 0 {
			break
		}
	}
	if tkFrom != t || tkIdentifier != ahead.next() {
		return false, nil, nil
	}
	ks, table, _, err := parseQualifiedIdentifier(&ahead)
	if err != nil {
		return false, nil, nil
	}
	if ks.isEmpty() {
		ks = keyspace
	}
	if !isSystemKeyspace(ks) || !isSystemTable(table) {
		return false, nil, nil
	}

	selectStmt := &SelectStatement{Keyspace: ks.ID(), Table: table.ID()}
	t = l.next()
	if tkJson == t || tkDistinct == t {
		return true, nil, errors.New("unsupported select modifier on system table")
	}
	for tkFrom != t {
		var selector Selector
		if selector, t, err = parseSelector(l, t); err != nil {
			return true, nil, err
		}
		selectStmt.Selectors = append(selectStmt.Selectors, selector)
		if tkComma == t {
			t = l.next()
		} else if tkFrom != t {
			return true, nil, errors.New("expected ',' or 'FROM' after selector")
		}
	}
	if len(selectStmt.Selectors) == 0 {
		return true, nil, errors.New("select statement has no selectors")
	}
	return true, selectStmt, nil
}

func parseSelector(l *lexer, t token) (selector Selector, next token, err error) {
	switch t {
	case tkStar:
		return &StarSelector{}, l.next(), nil
	case tkIdentifier:
		name := l.identifier()
		next = l.next()
		if tkLparen == next {
			if !name.equal("count") {
				return nil, tkInvalid, errors.New("unsupported function call in selector")
			}
			if l.next() != tkStar || l.next() != tkRparen {
				return nil, tkInvalid, errors.New("expected 'count(*)'")
			}
			selector = &CountStarSelector{Name: CountValueName}
			next = l.next()
		} else {
			selector = &IDSelector{Name: name.ID()}
		}
	default:
		return nil, tkInvalid, errors.New("unsupported selector")
	}
	if tkAs == next {
		if l.next() != tkIdentifier {
			return nil, tkInvalid, errors.New("expected identifier after 'AS'")
		}
		selector = &AliasSelector{Selector: selector, Alias: l.identifier().ID()}
		next = l.next()
	}
	return selector, next, nil
}

// IsQueryHandledWithQueryType is IsQueryHandled that also returns the
// statement kind used to label metrics.
func IsQueryHandledWithQueryType(keyspace Identifier, query string) (handled bool, stmt Statement, queryType string, err error) {
	var l lexer
	l.init(query)
	switch l.next() {
	case tkSelect:
		handled, stmt, err = isHandledSelectStmt(&l, keyspace)
		return handled, stmt, KindSelect.String(), err
	case tkUse:
		handled, stmt, err = isHandledUseStmt(&l)
		return handled, stmt, KindUse.String(), err
	}
	return false, nil, Classify(query).String(), nil
}

// parseQualifiedIdentifier reads [keyspace.]name, the current token being
// the first identifier.
func parseQualifiedIdentifier(l *lexer) (keyspace, target Identifier, t token, err error) {
	first := l.identifier()
	if t = l.next(); tkDot != t {
		return Identifier{}, first, t, nil
	}
	if t = l.next(); tkIdentifier != t {
		return Identifier{}, Identifier{}, tkInvalid, errors.New("expected another identifier after '.' for qualified identifier")
	}
	return first, l.identifier(), l.next(), nil
}

func skipToken(l *lexer, t token, toSkip token) token {
	if t == toSkip {
		return l.next()
	}
	return t
}

// UseKeyspace returns the keyspace named by a USE statement.
func UseKeyspace(query string) (string, bool) {
	var l lexer
	l.init(query)
	if l.next() != tkUse {
		return "", false
	}
	_, stmt, err := isHandledUseStmt(&l)
	if err != nil {
		return "", false
	}
	return stmt.(*UseStatement).Keyspace, true
}

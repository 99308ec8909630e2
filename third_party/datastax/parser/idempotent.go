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

// lexeme is a token with the identifier it carried, if any.
type lexeme struct {
	t  token
	id Identifier
}

// IsQueryIdempotent reports whether running query more than once has the same
// effect as running it once. Reads are idempotent. Writes are not when they
// are conditional, call uuid() or now(), update counters, append or prepend
// to lists, or delete a list element by index.
func IsQueryIdempotent(query string) (idempotent bool, err error) {
	var l lexer
	l.init(query)
	t := l.next()
	switch t {
	case tkSelect:
		return true, nil
	case tkInsert, tkUpdate, tkDelete:
		idempotent, _, err = isIdempotentStmt(&l, t)
		return idempotent, err
	case tkBegin:
		return isIdempotentBatchStmt(&l)
	}
	return false, nil
}

// IsConditional reports whether query is a lightweight transaction, or a
// batch containing one.
func IsConditional(query string) bool {
	var l lexer
	l.init(query)
	t := l.next()
	if tkBegin == t {
		t = untilModification(&l)
	}
	for t == tkInsert || t == tkUpdate || t == tkDelete {
		lexemes, next, err := collectStmt(&l)
		if err != nil {
			return false
		}
		if hasTopLevel(lexemes, tkIf) {
			return true
		}
		t = skipToken(&l, next, tkEOS)
	}
	return false
}

func isIdempotentBatchStmt(l *lexer) (idempotent bool, err error) {
	t := l.next()
	if tkCounter == t {
		return false, nil
	}
	if tkUnlogged == t {
		t = l.next()
	}
	if tkBatch != t {
		return false, errors.New("expected 'BATCH' after 'BEGIN'")
	}
	t = untilModification(l)
	idempotent = true
	for t == tkInsert || t == tkUpdate || t == tkDelete {
		var stmtIdempotent bool
		if stmtIdempotent, t, err = isIdempotentStmt(l, t); err != nil {
			return false, err
		}
		idempotent = idempotent && stmtIdempotent
		t = skipToken(l, t, tkEOS)
	}
	if tkApply != t {
		return false, errors.New("expected 'APPLY BATCH' at the end of batch")
	}
	return idempotent, nil
}

// untilModification skips a batch header up to its first statement.
func untilModification(l *lexer) token {
	t := l.next()
	for t != tkInsert && t != tkUpdate && t != tkDelete && t != tkApply && t != tkEOF && t != tkInvalid {
		t = l.next()
	}
	return t
}

func isIdempotentStmt(l *lexer, t token) (idempotent bool, next token, err error) {
	lexemes, next, err := collectStmt(l)
	if err != nil {
		return false, tkInvalid, err
	}
	if hasTopLevel(lexemes, tkIf) || hasNonIdempotentFunc(lexemes) {
		return false, next, nil
	}
	switch t {
	case tkUpdate:
		return isIdempotentAssignments(lexemes), next, nil
	case tkDelete:
		return isIdempotentDeleteSelection(lexemes), next, nil
	}
	return true, next, nil
}

// collectStmt reads the rest of a statement up to its terminator.
func collectStmt(l *lexer) (lexemes []lexeme, next token, err error) {
	depth := 0
	for {
		t := l.next()
		switch t {
		case tkInvalid:
			return nil, tkInvalid, errors.New("invalid token in statement")
		case tkLparen, tkLsquare, tkLcurly:
			depth++
		case tkRparen, tkRsquare, tkRcurly:
			depth--
		}
		if depth == 0 && isDMLTerminator(t) {
			return lexemes, t, nil
		}
		lx := lexeme{t: t}
		if tkIdentifier == t {
			lx.id = l.identifier()
		}
		lexemes = append(lexemes, lx)
	}
}

func hasTopLevel(lexemes []lexeme, t token) bool {
	depth := 0
	for _, lx := range lexemes {
		switch lx.t {
		case tkLparen, tkLsquare, tkLcurly:
			depth++
		case tkRparen, tkRsquare, tkRcurly:
			depth--
		}
		if depth == 0 && lx.t == t {
			return true
		}
	}
	return false
}

func hasNonIdempotentFunc(lexemes []lexeme) bool {
	for i := 0; i+1 < len(lexemes); i++ {
		if lexemes[i].t == tkIdentifier && lexemes[i+1].t == tkLparen && isNonIdempotentFunc(lexemes[i].id) {
			return true
		}
	}
	return false
}

// isIdempotentAssignments checks the SET clause of an UPDATE. Adding to or
// removing from a set or map is idempotent, any other arithmetic is a counter
// or list operation.
func isIdempotentAssignments(lexemes []lexeme) bool {
	i := 0
	for i < len(lexemes) && lexemes[i].t != tkSet {
		i++
	}
	i++
	for i < len(lexemes) && lexemes[i].t != tkWhere {
		// assignee
		for i < len(lexemes) && !isAssignOp(lexemes[i].t) {
			i++
		}
		if i >= len(lexemes) {
			return true
		}
		op := lexemes[i].t
		i++
		var operands [][]lexeme
		var current []lexeme
		depth := 0
		for ; i < len(lexemes); i++ {
			lx := lexemes[i]
			switch lx.t {
			case tkLparen, tkLsquare, tkLcurly:
				depth++
			case tkRparen, tkRsquare, tkRcurly:
				depth--
			}
			if depth == 0 && (lx.t == tkComma || lx.t == tkWhere) {
				break
			}
			if depth == 0 && (lx.t == tkAdd || lx.t == tkSub) {
				if len(current) > 0 {
					operands = append(operands, current)
				}
				current = nil
				continue
			}
			current = append(current, lx)
		}
		if len(current) > 0 {
			operands = append(operands, current)
		}
		if op != tkEqual {
			if len(operands) == 0 || operands[0][0].t != tkLcurly {
				return false
			}
		} else if len(operands) > 1 {
			collection := false
			for _, operand := range operands {
				if operand[0].t == tkLcurly {
					collection = true
				}
			}
			if !collection {
				return false
			}
		}
		if i < len(lexemes) && lexemes[i].t == tkComma {
			i++
		}
	}
	return true
}

var nonIdempotentFuncs = map[string]bool{"uuid": true, "now": true}

func isNonIdempotentFunc(name Identifier) bool {
	return nonIdempotentFuncs[name.ID()]
}

// isDMLTerminator ends a statement inside a batch or a script.
func isDMLTerminator(t token) bool {
	switch t {
	case tkEOF, tkEOS, tkInsert, tkUpdate, tkDelete, tkApply:
		return true
	}
	return false
}

func isAssignOp(t token) bool {
	return t == tkEqual || t == tkAddEqual || t == tkSubEqual
}

// isIdempotentDeleteSelection rejects deleting a list element by index.
func isIdempotentDeleteSelection(lexemes []lexeme) bool {
	for i := 0; i+2 < len(lexemes) && lexemes[i].t != tkFrom; i++ {
		if lexemes[i].t == tkLsquare && lexemes[i+1].t == tkInteger && lexemes[i+2].t == tkRsquare {
			return false
		}
	}
	return true
}

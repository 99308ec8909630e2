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
	"strings"
)

type token int

const (
	tkInvalid token = iota
	tkEOF
	tkEOS
	tkIdentifier
	tkStringLiteral
	tkInteger
	tkFloat
	tkBool
	tkNull
	tkNan
	tkInfinity
	tkHexNumber
	tkUuid
	tkDuration
	tkDot
	tkComma
	tkColon
	tkStar
	tkLparen
	tkRparen
	tkLsquare
	tkRsquare
	tkLcurly
	tkRcurly
	tkAdd
	tkSub
	tkAddEqual
	tkSubEqual
	tkEqual
	tkNotEqual
	tkLt
	tkLte
	tkGt
	tkGte
	tkQMark
	tkNamedMarker

	// reserved keywords
	tkSelect
	tkInsert
	tkUpdate
	tkDelete
	tkBegin
	tkBatch
	tkApply
	tkUse
	tkCreate
	tkAlter
	tkDrop
	tkTruncate
	tkGrant
	tkRevoke
	tkFrom
	tkInto
	tkWhere
	tkIf
	tkNot
	tkIn
	tkSet
	tkValues
	tkAs
	tkAnd
	tkUsing
	tkUnlogged
	tkCounter
	tkJson
	tkDistinct
)

var keywords = map[string]token{
	"select":   tkSelect,
	"insert":   tkInsert,
	"update":   tkUpdate,
	"delete":   tkDelete,
	"begin":    tkBegin,
	"batch":    tkBatch,
	"apply":    tkApply,
	"use":      tkUse,
	"create":   tkCreate,
	"alter":    tkAlter,
	"drop":     tkDrop,
	"truncate": tkTruncate,
	"grant":    tkGrant,
	"revoke":   tkRevoke,
	"from":     tkFrom,
	"into":     tkInto,
	"where":    tkWhere,
	"if":       tkIf,
	"not":      tkNot,
	"in":       tkIn,
	"set":      tkSet,
	"values":   tkValues,
	"as":       tkAs,
	"and":      tkAnd,
	"using":    tkUsing,
	"unlogged": tkUnlogged,
	"counter":  tkCounter,
	"json":     tkJson,
	"distinct": tkDistinct,
	"true":     tkBool,
	"false":    tkBool,
	"null":     tkNull,
	"nan":      tkNan,
	"infinity": tkInfinity,
}

// lexer splits a CQL string into tokens. It only needs to be precise enough
// to find statement boundaries, identifiers and the literal kinds that matter
// for classification.
type lexer struct {
	data  string
	pos   int
	start int
	id    Identifier
}

func (l *lexer) init(data string) {
	l.data = data
	l.pos = 0
	l.start = 0
	l.id = Identifier{}
}

// identifier is the last identifier (or unreserved keyword) returned by next.
func (l *lexer) identifier() Identifier {
	return l.id
}

// literal is the raw text of the last token.
func (l *lexer) literal() string {
	return l.data[l.start:l.pos]
}

func (l *lexer) peekByte(offset int) byte {
	if l.pos+offset < len(l.data) {
		return l.data[l.pos+offset]
	}
	return 0
}

func (l *lexer) next() token {
	if !l.skipSpace() {
		l.start = l.pos
		return tkInvalid
	}
	l.start = l.pos
	if l.pos >= len(l.data) {
		return tkEOF
	}

	if isUUID(l.data[l.pos:]) {
		l.pos += 36
		return tkUuid
	}

	c := l.data[l.pos]
	switch {
	case isIdentStart(c):
		return l.word()
	case isDigit(c):
		return l.number()
	}

	l.pos++
	switch c {
	case '"':
		return l.quotedIdentifier()
	case '\'':
		return l.stringLiteral('\'')
	case '$':
		if l.peekByte(0) == '$' {
			l.pos++
			if end := strings.Index(l.data[l.pos:], "$$"); end >= 0 {
				l.pos += end + 2
				return tkStringLiteral
			}
		}
		return tkInvalid
	case ';':
		return tkEOS
	case '.':
		return tkDot
	case ',':
		return tkComma
	case '*':
		return tkStar
	case '(':
		return tkLparen
	case ')':
		return tkRparen
	case '[':
		return tkLsquare
	case ']':
		return tkRsquare
	case '{':
		return tkLcurly
	case '}':
		return tkRcurly
	case '?':
		return tkQMark
	case ':':
		if isIdentStart(l.peekByte(0)) {
			for l.pos < len(l.data) && isIdentPart(l.data[l.pos]) {
				l.pos++
			}
			return tkNamedMarker
		}
		return tkColon
	case '+':
		if l.peekByte(0) == '=' {
			l.pos++
			return tkAddEqual
		}
		return tkAdd
	case '-':
		if l.peekByte(0) == '=' {
			l.pos++
			return tkSubEqual
		}
		return tkSub
	case '=':
		return tkEqual
	case '!':
		if l.peekByte(0) == '=' {
			l.pos++
			return tkNotEqual
		}
		return tkInvalid
	case '<':
		if l.peekByte(0) == '=' {
			l.pos++
			return tkLte
		}
		return tkLt
	case '>':
		if l.peekByte(0) == '=' {
			l.pos++
			return tkGte
		}
		return tkGt
	}
	return tkInvalid
}

// skipSpace skips whitespace and comments. It returns false on an
// unterminated block comment.
func (l *lexer) skipSpace() bool {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '-' && l.peekByte(1) == '-', c == '/' && l.peekByte(1) == '/':
			if end := strings.IndexByte(l.data[l.pos:], '\n'); end >= 0 {
				l.pos += end + 1
			} else {
				l.pos = len(l.data)
			}
		case c == '/' && l.peekByte(1) == '*':
			end := strings.Index(l.data[l.pos+2:], "*/")
			if end < 0 {
				return false
			}
			l.pos += end + 4
		default:
			return true
		}
	}
	return true
}

func (l *lexer) word() token {
	for l.pos < len(l.data) && isIdentPart(l.data[l.pos]) {
		l.pos++
	}
	text := l.literal()
	if t, ok := keywords[strings.ToLower(text)]; ok {
		return t
	}
	l.id = Identifier{id: text, ignoreCase: true}
	return tkIdentifier
}

func (l *lexer) number() token {
	if l.data[l.pos] == '0' && (l.peekByte(1) == 'x' || l.peekByte(1) == 'X') {
		l.pos += 2
		for l.pos < len(l.data) && isHexDigit(l.data[l.pos]) {
			l.pos++
		}
		return tkHexNumber
	}
	for l.pos < len(l.data) && isDigit(l.data[l.pos]) {
		l.pos++
	}
	t := tkInteger
	if l.peekByte(0) == '.' && isDigit(l.peekByte(1)) {
		t = tkFloat
		l.pos++
		for l.pos < len(l.data) && isDigit(l.data[l.pos]) {
			l.pos++
		}
	}
	if c := l.peekByte(0); c == 'e' || c == 'E' {
		n := l.peekByte(1)
		if isDigit(n) || ((n == '+' || n == '-') && isDigit(l.peekByte(2))) {
			l.pos += 2
			for l.pos < len(l.data) && isDigit(l.data[l.pos]) {
				l.pos++
			}
			return tkFloat
		}
	}
	if t == tkInteger && isIdentStart(l.peekByte(0)) {
		// durations like 1h30m or 2021Y12M03D
		for l.pos < len(l.data) && isIdentPart(l.data[l.pos]) {
			l.pos++
		}
		return tkDuration
	}
	return t
}

func (l *lexer) quotedIdentifier() token {
	var b strings.Builder
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		if c == '"' {
			if l.peekByte(0) == '"' {
				b.WriteByte('"')
				l.pos++
				continue
			}
			l.id = Identifier{id: b.String()}
			return tkIdentifier
		}
		b.WriteByte(c)
	}
	return tkInvalid
}

func (l *lexer) stringLiteral(quote byte) token {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		if c == quote {
			if l.peekByte(0) == quote {
				l.pos++
				continue
			}
			return tkStringLiteral
		}
	}
	return tkInvalid
}

func isUUID(s string) bool {
	if len(s) < 36 {
		return false
	}
	for i := 0; i < 36; i++ {
		switch i {
		case 8, 13, 18, 23:
			if s[i] != '-' {
				return false
			}
		default:
			if !isHexDigit(s[i]) {
				return false
			}
		}
	}
	return len(s) == 36 || !isIdentPart(s[36])
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

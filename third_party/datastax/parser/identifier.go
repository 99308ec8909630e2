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

import "strings"

// Identifier is a CQL name. Unquoted identifiers compare case-insensitively,
// quoted ones exactly.
type Identifier struct {
	id         string
	ignoreCase bool
}

// IdentifierFromString parses a possibly quoted name.
func IdentifierFromString(name string) Identifier {
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		return Identifier{id: strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)}
	}
	return Identifier{id: name, ignoreCase: true}
}

func (i Identifier) isEmpty() bool {
	return len(i.id) == 0
}

func (i Identifier) equal(id string) bool {
	if i.ignoreCase {
		return strings.EqualFold(i.id, id)
	}
	return i.id == id
}

// ID returns the name as the server stores it: unquoted names are folded to
// lower case.
func (i Identifier) ID() string {
	if i.ignoreCase {
		return strings.ToLower(i.id)
	}
	return i.id
}

func (i Identifier) String() string {
	return i.id
}

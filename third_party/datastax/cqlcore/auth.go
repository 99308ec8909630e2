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
	"bytes"
	"errors"
	"fmt"
)

// Authenticator drives the SASL exchange that follows an AUTHENTICATE
// response.
type Authenticator interface {
	// InitialResponse is sent in the first AUTH_RESPONSE. authenticator is the
	// server side class name from AUTHENTICATE.
	InitialResponse(authenticator string) ([]byte, error)
	EvaluateChallenge(token []byte) ([]byte, error)
	Success(token []byte) error
}

const dseAuthenticator = "com.datastax.bdp.cassandra.auth.DseAuthenticator"

var (
	dsePlainMechanism = []byte("PLAIN")
	dsePlainStart     = []byte("PLAIN-START")
)

type passwordAuth struct {
	authId   string
	username string
	password string
}

// NewPasswordAuth authenticates with the PLAIN mechanism used by
// PasswordAuthenticator. The response is "\x00username\x00password".
func NewPasswordAuth(username string, password string) Authenticator {
	return &passwordAuth{username: username, password: password}
}

// NewPasswordAuthAs is NewPasswordAuth acting on behalf of authId, for
// servers that support proxy authorization.
func NewPasswordAuthAs(authId string, username string, password string) Authenticator {
	return &passwordAuth{authId: authId, username: username, password: password}
}

func (d *passwordAuth) InitialResponse(authenticator string) ([]byte, error) {
	if authenticator == dseAuthenticator {
		return dsePlainMechanism, nil
	}
	return d.makeToken(), nil
}

func (d *passwordAuth) EvaluateChallenge(token []byte) ([]byte, error) {
	if token == nil || !bytes.Equal(token, dsePlainStart) {
		return nil, fmt.Errorf("incorrect SASL challenge from server, expecting PLAIN-START, got: %v", string(token))
	}
	return d.makeToken(), nil
}

func (d *passwordAuth) makeToken() []byte {
	token := bytes.NewBuffer(make([]byte, 0, len(d.authId)+len(d.username)+len(d.password)+2))
	token.WriteString(d.authId)
	token.WriteByte(0)
	token.WriteString(d.username)
	token.WriteByte(0)
	token.WriteString(d.password)
	return token.Bytes()
}

func (d *passwordAuth) Success(_ []byte) error {
	return nil
}

type saslAuth struct {
	token []byte
}

// NewSaslAuth sends a pre-built SASL response for mechanisms the driver does
// not implement. Challenges are not supported.
func NewSaslAuth(token []byte) Authenticator {
	return &saslAuth{token: token}
}

func (s *saslAuth) InitialResponse(string) ([]byte, error) {
	return s.token, nil
}

func (s *saslAuth) EvaluateChallenge(token []byte) ([]byte, error) {
	return nil, errors.New("unexpected SASL challenge for a pre-built response")
}

func (s *saslAuth) Success([]byte) error {
	return nil
}

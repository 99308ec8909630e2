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
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
)

const DefaultPort = 9042

type Endpoint interface {
	fmt.Stringer
	Addr() string
	TLSConfig() *tls.Config
	// Key identifies the endpoint in maps and host pools.
	Key() string
}

type defaultEndpoint struct {
	addr      string
	tlsConfig *tls.Config
}

func (e *defaultEndpoint) String() string {
	return e.addr
}

func (e *defaultEndpoint) Addr() string {
	return e.addr
}

func (e *defaultEndpoint) TLSConfig() *tls.Config {
	return e.tlsConfig
}

func (e *defaultEndpoint) Key() string {
	return e.addr
}

// EndpointResolver turns contact points into endpoints, and peers discovered
// in system tables into endpoints with the same transport settings.
type EndpointResolver interface {
	Resolve(ctx context.Context) ([]Endpoint, error)
	NewEndpoint(ip net.IP, port int) Endpoint
}

type defaultResolver struct {
	contactPoints []string
	tlsConfig     *tls.Config
	resolver      *net.Resolver
}

// NewResolver resolves "host[:port]" contact points. The port defaults to
// 9042.
func NewResolver(contactPoints ...string) EndpointResolver {
	return &defaultResolver{contactPoints: contactPoints, resolver: net.DefaultResolver}
}

// NewResolverWithTLS is NewResolver for endpoints that require TLS.
func NewResolverWithTLS(tlsConfig *tls.Config, contactPoints ...string) EndpointResolver {
	return &defaultResolver{contactPoints: contactPoints, tlsConfig: tlsConfig, resolver: net.DefaultResolver}
}

func (r *defaultResolver) Resolve(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, cp := range r.contactPoints {
		host, port, err := splitHostPort(cp)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); ip != nil {
			endpoints = append(endpoints, r.NewEndpoint(ip, port))
			continue
		}
		addrs, err := r.resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("unable to resolve contact point %q: %w", cp, err)
		}
		for _, addr := range addrs {
			endpoints = append(endpoints, r.NewEndpoint(net.ParseIP(addr), port))
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints resolved from %v", r.contactPoints)
	}
	return endpoints, nil
}

func (r *defaultResolver) NewEndpoint(ip net.IP, port int) Endpoint {
	return &defaultEndpoint{addr: net.JoinHostPort(ip.String(), strconv.Itoa(port)), tlsConfig: r.tlsConfig}
}

func splitHostPort(contactPoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(contactPoint)
	if err != nil {
		// no port
		return contactPoint, DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in contact point %q", contactPoint)
	}
	return host, port, nil
}

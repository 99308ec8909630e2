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
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cqlsharp/cqldriver/wire"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"go.uber.org/zap"
)

const (
	DefaultRefreshWindow  = 10 * time.Second
	DefaultRefreshTimeout = 5 * time.Second
)

type Event interface {
	isEvent() // Marker method for the event interface
}

type AddEvent struct {
	Host *Host
}

func (a AddEvent) isEvent() {
	panic("do not call")
}

type RemoveEvent struct {
	Host *Host
}

func (r RemoveEvent) isEvent() {
	panic("do not call")
}

type UpEvent struct {
	Host *Host
}

func (a UpEvent) isEvent() {
	panic("do not call")
}

type DownEvent struct {
	Host *Host
}

func (d DownEvent) isEvent() {
	panic("do not call")
}

type BootstrapEvent struct {
	Hosts []*Host
}

func (b BootstrapEvent) isEvent() {
	panic("do not call")
}

type SchemaChangeEvent struct {
	Message *message.SchemaChangeEvent
}

func (s SchemaChangeEvent) isEvent() {
	panic("do not call")
}

type ReconnectEvent struct {
	Endpoint
}

func (r ReconnectEvent) isEvent() {
	panic("do not call")
}

type ClusterListener interface {
	OnEvent(event Event)
}

type ClusterListenerFunc func(event Event)

func (f ClusterListenerFunc) OnEvent(event Event) {
	f(event)
}

// Host is a node discovered from system.local or system.peers.
type Host struct {
	Endpoint
	DC             string
	Rack           string
	HostID         *primitive.UUID
	ReleaseVersion string
}

type ClusterConfig struct {
	Version           primitive.ProtocolVersion
	Auth              Authenticator
	Resolver          EndpointResolver
	Compression       string
	RefreshWindow     time.Duration
	HeartBeatInterval time.Duration
	ConnectTimeout    time.Duration
	RefreshTimeout    time.Duration
	IdleTimeout       time.Duration
	Logger            *zap.Logger
}

type ClusterInfo struct {
	ClusterName    string
	Partitioner    string
	ReleaseVersion string
	CQLVersion     string
	LocalDC        string
	DSEVersion     string
}

// Cluster keeps a control connection to one node, tracks the cluster's hosts
// from the system tables and forwards server events to listeners.
type Cluster struct {
	ctx               context.Context
	cancel            context.CancelFunc
	config            ClusterConfig
	logger            *zap.Logger
	controlConn       *ClientConn
	mu                sync.Mutex
	hosts             map[string]*Host
	currentHostIndex  int
	listeners         []ClusterListener
	addListener       chan ClusterListener
	events            chan Event
	refresh           chan struct{}
	done              chan struct{}
	NegotiatedVersion primitive.ProtocolVersion
	Info              ClusterInfo
}

// ConnectCluster opens the control connection, negotiating the protocol
// version downwards when a node rejects the requested one, and loads the
// initial host list.
func ConnectCluster(ctx context.Context, config ClusterConfig) (*Cluster, error) {
	if config.Resolver == nil {
		return nil, errors.New("cluster config requires an endpoint resolver")
	}
	if config.Version == 0 {
		config.Version = wire.MaxProtocolVersion
	}
	if config.RefreshWindow <= 0 {
		config.RefreshWindow = DefaultRefreshWindow
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = DefaultRefreshTimeout
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		ctx:              runCtx,
		cancel:           cancel,
		config:           config,
		logger:           GetOrCreateNopLogger(config.Logger),
		controlConn:      nil,
		hosts:            make(map[string]*Host),
		currentHostIndex: 0,
		events:           make(chan Event, eventQueueSize),
		addListener:      make(chan ClusterListener),
		refresh:          make(chan struct{}, 1),
		done:             make(chan struct{}),
		listeners:        make([]ClusterListener, 0),
	}

	endpoints, err := config.Resolver.Resolve(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if err = c.connect(ctx, endpoints); err != nil {
		cancel()
		return nil, err
	}
	go c.run()
	return c, nil
}

func (c *Cluster) connect(ctx context.Context, endpoints []Endpoint) error {
	var lastErr error
	for i := 0; i < len(endpoints); i++ {
		endpoint := endpoints[(c.currentHostIndex+i)%len(endpoints)]
		conn, version, err := c.connectControl(ctx, endpoint)
		if err != nil {
			c.logger.Warn("unable to connect control connection", zap.Stringer("endpoint", endpoint), zap.Error(err))
			lastErr = err
			continue
		}
		hosts, err := c.queryHosts(ctx, conn)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		if _, err = conn.SendAndReceive(ctx, &message.Register{EventTypes: []primitive.EventType{
			primitive.EventTypeTopologyChange, primitive.EventTypeStatusChange, primitive.EventTypeSchemaChange,
		}}); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		c.currentHostIndex = (c.currentHostIndex + i + 1) % len(endpoints)
		c.mu.Lock()
		c.controlConn = conn
		c.NegotiatedVersion = version
		c.hosts = hosts
		c.mu.Unlock()
		c.logger.Info("control connection established",
			zap.Stringer("endpoint", endpoint),
			zap.Uint8("version", uint8(version)),
			zap.Int("hosts", len(hosts)))
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoHosts
	}
	return fmt.Errorf("unable to connect to any contact point: %w", lastErr)
}

func (c *Cluster) connectControl(ctx context.Context, endpoint Endpoint) (*ClientConn, primitive.ProtocolVersion, error) {
	version := c.config.Version
	for {
		conn, err := ConnectClient(ctx, endpoint, ClientConnConfig{
			Version:           version,
			Auth:              c.config.Auth,
			Compression:       c.config.Compression,
			ConnectTimeout:    c.config.ConnectTimeout,
			HeartBeatInterval: c.config.HeartBeatInterval,
			IdleTimeout:       c.config.IdleTimeout,
			EventHandler: EventHandlerFunc(func(_ *ClientConn, event message.Message) {
				c.onServerEvent(event)
			}),
			Logger: c.logger,
		})
		if err == nil {
			return conn, version, nil
		}
		var protocolErr *wire.ProtocolError
		if errors.As(err, &protocolErr) && version > wire.MinProtocolVersion {
			c.logger.Info("protocol version rejected, downgrading",
				zap.Stringer("endpoint", endpoint), zap.Uint8("version", uint8(version)), zap.Error(err))
			version--
			continue
		}
		return nil, version, err
	}
}

// Hosts returns a snapshot of the known hosts.
func (c *Cluster) Hosts() []*Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts := make([]*Host, 0, len(c.hosts))
	for _, h := range c.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

// Version is the protocol version negotiated by the control connection.
func (c *Cluster) Version() primitive.ProtocolVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.NegotiatedVersion
}

// Listen registers l. The listener first receives a BootstrapEvent with the
// current hosts, then every subsequent event in order.
func (c *Cluster) Listen(l ClusterListener) error {
	select {
	case c.addListener <- l:
		return nil
	case <-c.done:
		return errors.New("cluster is closed")
	}
}

func (c *Cluster) Close() error {
	c.cancel()
	<-c.done
	c.mu.Lock()
	conn := c.controlConn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Cluster) onServerEvent(msg message.Message) {
	switch event := msg.(type) {
	case *message.SchemaChangeEvent:
		c.sendEvent(SchemaChangeEvent{Message: event})
	case *message.TopologyChangeEvent:
		c.logger.Debug("topology change", zap.String("change", string(event.ChangeType)), zap.Stringer("address", event.Address))
		c.scheduleRefresh()
	case *message.StatusChangeEvent:
		var host *Host
		if event.Address != nil {
			host = c.hostFor(event.Address.Addr)
		}
		if host == nil {
			c.scheduleRefresh()
			return
		}
		switch event.ChangeType {
		case primitive.StatusChangeTypeUp:
			c.sendEvent(UpEvent{Host: host})
		case primitive.StatusChangeTypeDown:
			c.sendEvent(DownEvent{Host: host})
		}
	}
}

func (c *Cluster) sendEvent(event Event) {
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	}
}

func (c *Cluster) scheduleRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

func (c *Cluster) hostFor(ip net.IP) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hosts {
		host, _, err := net.SplitHostPort(h.Addr())
		if err == nil && net.ParseIP(host).Equal(ip) {
			return h
		}
	}
	return nil
}

func (c *Cluster) run() {
	defer close(c.done)
	var refreshTimer <-chan time.Time
	for {
		c.mu.Lock()
		closed := c.controlConn.Closed()
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return
		case l := <-c.addListener:
			c.listeners = append(c.listeners, l)
			l.OnEvent(BootstrapEvent{Hosts: c.Hosts()})
		case event := <-c.events:
			c.notify(event)
		case <-c.refresh:
			if refreshTimer == nil {
				refreshTimer = time.After(c.config.RefreshWindow)
			}
		case <-refreshTimer:
			refreshTimer = nil
			c.refreshHosts()
		case <-closed:
			c.reconnect()
		}
	}
}

func (c *Cluster) notify(event Event) {
	for _, l := range c.listeners {
		l.OnEvent(event)
	}
}

func (c *Cluster) refreshHosts() {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.RefreshTimeout)
	defer cancel()
	c.mu.Lock()
	conn := c.controlConn
	c.mu.Unlock()

	hosts, err := c.queryHosts(ctx, conn)
	if err != nil {
		c.logger.Warn("unable to refresh hosts", zap.Error(err))
		return
	}
	c.mu.Lock()
	old := c.hosts
	c.hosts = hosts
	c.mu.Unlock()

	for key, h := range hosts {
		if _, ok := old[key]; !ok {
			c.notify(AddEvent{Host: h})
		}
	}
	for key, h := range old {
		if _, ok := hosts[key]; !ok {
			c.notify(RemoveEvent{Host: h})
		}
	}
}

func (c *Cluster) reconnect() {
	c.mu.Lock()
	endpoint := c.controlConn.Endpoint()
	c.mu.Unlock()
	c.logger.Warn("control connection closed, reconnecting", zap.Stringer("endpoint", endpoint))

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		endpoints := make([]Endpoint, 0)
		for _, h := range c.Hosts() {
			endpoints = append(endpoints, h.Endpoint)
		}
		if resolved, err := c.config.Resolver.Resolve(c.ctx); err == nil {
			endpoints = append(endpoints, resolved...)
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.config.RefreshTimeout)
		defer cancel()
		return c.connect(ctx, endpoints)
	}, backoff.WithContext(policy, c.ctx))
	if err != nil {
		return
	}
	c.mu.Lock()
	endpoint = c.controlConn.Endpoint()
	c.mu.Unlock()
	c.notify(ReconnectEvent{Endpoint: endpoint})
}

const (
	localQuery = "SELECT cluster_name, data_center, rack, host_id, release_version, partitioner, cql_version, dse_version FROM system.local"
	peersQuery = "SELECT peer, rpc_address, data_center, rack, host_id, release_version FROM system.peers"
)

func (c *Cluster) queryHosts(ctx context.Context, conn *ClientConn) (map[string]*Host, error) {
	local, err := querySystem(ctx, conn, localQuery)
	if err != nil {
		return nil, fmt.Errorf("unable to query system.local: %w", err)
	}
	if local.RowCount() == 0 {
		return nil, errors.New("system.local returned no rows")
	}
	row := local.Row(0)
	info := ClusterInfo{}
	info.ClusterName, _ = row.StringByName("cluster_name")
	info.LocalDC, _ = row.StringByName("data_center")
	info.ReleaseVersion, _ = row.StringByName("release_version")
	info.Partitioner, _ = row.StringByName("partitioner")
	info.CQLVersion, _ = row.StringByName("cql_version")
	info.DSEVersion, _ = row.StringByName("dse_version")

	hosts := make(map[string]*Host)
	localHost := hostFromRow(conn.Endpoint(), row)
	hosts[localHost.Key()] = localHost

	peers, err := querySystem(ctx, conn, peersQuery)
	if err != nil {
		return nil, fmt.Errorf("unable to query system.peers: %w", err)
	}
	port := endpointPort(conn.Endpoint())
	for i := 0; i < peers.RowCount(); i++ {
		row := peers.Row(i)
		ip, err := row.InetByName("rpc_address")
		if err != nil || ip.IsUnspecified() {
			if ip, err = row.InetByName("peer"); err != nil {
				c.logger.Warn("ignoring peer without an address", zap.Error(err))
				continue
			}
		}
		host := hostFromRow(c.config.Resolver.NewEndpoint(ip, port), row)
		hosts[host.Key()] = host
	}

	c.mu.Lock()
	c.Info = info
	c.mu.Unlock()
	return hosts, nil
}

func hostFromRow(endpoint Endpoint, row Row) *Host {
	host := &Host{Endpoint: endpoint}
	host.DC, _ = row.StringByName("data_center")
	host.Rack, _ = row.StringByName("rack")
	host.ReleaseVersion, _ = row.StringByName("release_version")
	if id, err := row.UUIDByName("host_id"); err == nil {
		host.HostID = &id
	}
	return host
}

func querySystem(ctx context.Context, conn *ClientConn, query string) (*ResultSet, error) {
	resp, err := conn.SendAndReceive(ctx, &message.Query{
		Query:   query,
		Options: &message.QueryOptions{Consistency: primitive.ConsistencyLevelOne},
	})
	if err != nil {
		return nil, err
	}
	rows, ok := resp.Message.(*message.RowsResult)
	if !ok {
		return nil, &UnexpectedResponse{Expected: []string{"ROWS"}, Received: fmt.Sprintf("%v", resp.Message.GetOpCode())}
	}
	return NewResultSet(rows, conn.Version()), nil
}

func endpointPort(endpoint Endpoint) int {
	_, portStr, err := net.SplitHostPort(endpoint.Addr())
	if err != nil {
		return DefaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return DefaultPort
	}
	return port
}

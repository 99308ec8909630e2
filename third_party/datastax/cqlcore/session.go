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
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	otelgo "github.com/cqlsharp/cqldriver/otel"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/hailocab/go-hostpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultNumConns              = 1
	DefaultMaxConcurrentRequests = 1024
	DefaultRequestTimeout        = 12 * time.Second

	maxConcurrentConnects = 16
)

type SessionConfig struct {
	// Version defaults to the version negotiated by the cluster.
	Version     primitive.ProtocolVersion
	Auth        Authenticator
	Compression string
	// Keyspace is set on every connection before its first request.
	Keyspace string
	// NumConns is the number of connections kept per host.
	NumConns int
	// MaxConcurrentRequests bounds in-flight requests across the session.
	MaxConcurrentRequests int64
	ConnectTimeout        time.Duration
	HeartBeatInterval     time.Duration
	IdleTimeout           time.Duration
	// RequestTimeout applies to statements without their own Timeout.
	RequestTimeout time.Duration
	// Consistency defaults to ONE when nil. ANY is the zero level, hence the
	// pointer.
	Consistency *primitive.ConsistencyLevel
	PageSize    int32
	// PreparedCache defaults to NewPreparedCache.
	PreparedCache PreparedCache
	// Telemetry is optional, nil disables spans and metrics.
	Telemetry *otelgo.OpenTelemetry
	Logger    *zap.Logger
}

func (c *SessionConfig) consistency() primitive.ConsistencyLevel {
	if c.Consistency == nil {
		return primitive.ConsistencyLevelOne
	}
	return *c.Consistency
}

// Session pools connections to every host of a cluster and executes
// statements over them.
type Session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cluster   *Cluster
	config    SessionConfig
	logger    *zap.Logger
	version   primitive.ProtocolVersion
	telemetry *otelgo.OpenTelemetry

	mu       sync.RWMutex
	pools    map[string]*connPool
	hostPool hostpool.HostPool

	sem          *semaphore.Weighted
	prepared     PreparedCache
	prepareGroup singleflight.Group
	keyspace     atomic.String
	closed       atomic.Bool
	wg           sync.WaitGroup
}

// ConnectSession opens NumConns connections to each known host. It fails only
// when no host could be reached.
func ConnectSession(ctx context.Context, cluster *Cluster, config SessionConfig) (*Session, error) {
	if config.Version == 0 {
		config.Version = cluster.Version()
	}
	if config.NumConns <= 0 {
		config.NumConns = DefaultNumConns
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.PreparedCache == nil {
		config.PreparedCache = NewPreparedCache()
	}
	if config.Auth == nil {
		config.Auth = cluster.config.Auth
	}
	telemetry := config.Telemetry
	if telemetry == nil {
		telemetry = &otelgo.OpenTelemetry{Config: &otelgo.OTelConfig{OTELEnabled: false}}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ctx:       sessionCtx,
		cancel:    cancel,
		cluster:   cluster,
		config:    config,
		logger:    GetOrCreateNopLogger(config.Logger),
		version:   config.Version,
		telemetry: telemetry,
		pools:     make(map[string]*connPool),
		hostPool:  hostpool.New(nil),
		sem:       semaphore.NewWeighted(config.MaxConcurrentRequests),
		prepared:  config.PreparedCache,
	}
	s.keyspace.Store(config.Keyspace)

	hosts := cluster.Hosts()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentConnects)
	var connected atomic.Int32
	var lastErr atomic.Error
	for _, host := range hosts {
		pool := newConnPool(s, host)
		s.pools[host.Key()] = pool
		g.Go(func() error {
			if err := pool.connect(gctx); err != nil {
				s.logger.Warn("unable to connect pool", zap.Stringer("host", host), zap.Error(err))
				lastErr.Store(err)
				return nil
			}
			connected.Inc()
			return nil
		})
	}
	_ = g.Wait()
	if connected.Load() == 0 {
		s.closePools()
		cancel()
		if err := lastErr.Load(); err != nil {
			return nil, err
		}
		return nil, ErrNoHosts
	}
	s.resetHostPool()

	if err := cluster.Listen(ClusterListenerFunc(s.onClusterEvent)); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info("session connected",
		zap.Int("hosts", len(hosts)),
		zap.Int32("connectedHosts", connected.Load()),
		zap.Uint8("version", uint8(s.version)))
	return s, nil
}

// Keyspace is the keyspace statements currently run against.
func (s *Session) Keyspace() string {
	return s.keyspace.Load()
}

func (s *Session) Version() primitive.ProtocolVersion {
	return s.version
}

func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.closePools()
	s.wg.Wait()
	return nil
}

func (s *Session) closePools() {
	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[string]*connPool)
	s.mu.Unlock()
	for _, p := range pools {
		p.close()
	}
}

func (s *Session) resetHostPool() {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pools))
	for key := range s.pools {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	s.hostPool.SetHosts(keys)
}

func (s *Session) onClusterEvent(event Event) {
	switch evt := event.(type) {
	case AddEvent:
		s.addHost(evt.Host)
	case UpEvent:
		s.addHost(evt.Host)
		s.hostPool.ResetAll()
	case RemoveEvent:
		s.mu.Lock()
		pool := s.pools[evt.Host.Key()]
		delete(s.pools, evt.Host.Key())
		s.mu.Unlock()
		if pool != nil {
			pool.close()
			s.resetHostPool()
		}
	case SchemaChangeEvent:
		s.logger.Debug("schema changed",
			zap.String("change", string(evt.Message.ChangeType)),
			zap.String("keyspace", evt.Message.Keyspace),
			zap.String("object", evt.Message.Object))
	}
}

func (s *Session) addHost(host *Host) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	if _, ok := s.pools[host.Key()]; ok {
		s.mu.Unlock()
		return
	}
	pool := newConnPool(s, host)
	s.pools[host.Key()] = pool
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout())
		defer cancel()
		if err := pool.connect(ctx); err != nil {
			s.logger.Warn("unable to connect new host", zap.Stringer("host", host), zap.Error(err))
		}
		s.resetHostPool()
	}()
}

func (s *Session) connectTimeout() time.Duration {
	if s.config.ConnectTimeout > 0 {
		return s.config.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// borrow picks a host round robin and its least loaded connection, switching
// the connection to the session keyspace first.
func (s *Session) borrow(ctx context.Context) (*ClientConn, hostpool.HostPoolResponse, error) {
	s.mu.RLock()
	attempts := len(s.pools)
	s.mu.RUnlock()
	if attempts == 0 {
		return nil, nil, ErrNoHosts
	}
	var lastErr error = ErrNoHosts
	for i := 0; i < attempts; i++ {
		hr := s.hostPool.Get()
		s.mu.RLock()
		pool := s.pools[hr.Host()]
		s.mu.RUnlock()
		if pool == nil {
			hr.Mark(ErrNoHosts)
			continue
		}
		conn := pool.leastBusy()
		if conn == nil {
			hr.Mark(ErrNoHosts)
			continue
		}
		if err := conn.SetKeyspace(ctx, s.keyspace.Load()); err != nil {
			var closedErr *ConnectionClosedError
			if errors.As(err, &closedErr) {
				hr.Mark(err)
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		return conn, hr, nil
	}
	return nil, nil, lastErr
}

// acquire applies session wide backpressure.
func (s *Session) acquire(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return contextError(ctx, "waiting for a request slot", 0)
	}
	s.telemetry.AddInFlight(ctx, 1)
	return nil
}

func (s *Session) release() {
	s.telemetry.AddInFlight(context.Background(), -1)
	s.sem.Release(1)
}

func (s *Session) requestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	if timeout <= 0 {
		timeout = s.config.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, timeout
}

type connPool struct {
	session *Session
	host    *Host
	mu      sync.Mutex
	conns   []*ClientConn
	closed  bool
}

func newConnPool(s *Session, host *Host) *connPool {
	return &connPool{session: s, host: host, conns: make([]*ClientConn, s.config.NumConns)}
}

func (p *connPool) dial(ctx context.Context) (*ClientConn, error) {
	s := p.session
	return ConnectClient(ctx, p.host.Endpoint, ClientConnConfig{
		Version:           s.version,
		Auth:              s.config.Auth,
		Compression:       s.config.Compression,
		Keyspace:          s.keyspace.Load(),
		ConnectTimeout:    s.config.ConnectTimeout,
		HeartBeatInterval: s.config.HeartBeatInterval,
		IdleTimeout:       s.config.IdleTimeout,
		Logger:            s.logger,
	})
}

// connect fills every slot. It succeeds when at least one connection opened.
func (p *connPool) connect(ctx context.Context) error {
	var firstErr error
	opened := 0
	for i := range p.conns {
		conn, err := p.dial(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.session.wg.Add(1)
			go p.reconnect(i)
			continue
		}
		if !p.set(i, conn) {
			return ErrSessionClosed
		}
		opened++
	}
	if opened == 0 {
		return firstErr
	}
	return nil
}

func (p *connPool) set(slot int, conn *ClientConn) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return false
	}
	p.conns[slot] = conn
	p.mu.Unlock()
	p.session.wg.Add(1)
	go p.watch(slot, conn)
	return true
}

func (p *connPool) watch(slot int, conn *ClientConn) {
	defer p.session.wg.Done()
	select {
	case <-conn.Closed():
	case <-p.session.ctx.Done():
		return
	}
	p.mu.Lock()
	if p.closed || p.conns[slot] != conn {
		p.mu.Unlock()
		return
	}
	p.conns[slot] = nil
	p.mu.Unlock()
	p.session.logger.Info("connection lost, reconnecting",
		zap.Stringer("host", p.host), zap.Int("slot", slot), zap.Error(conn.Err()))
	p.session.wg.Add(1)
	go p.reconnect(slot)
}

func (p *connPool) reconnect(slot int) {
	defer p.session.wg.Done()
	ctx := p.session.ctx
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	var conn *ClientConn
	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.session.connectTimeout())
		defer cancel()
		var err error
		conn, err = p.dial(dialCtx)
		if err != nil {
			p.session.logger.Debug("reconnect failed", zap.Stringer("host", p.host), zap.Error(err))
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return
	}
	p.set(slot, conn)
}

// leastBusy returns the open connection with the fewest requests in flight.
func (p *connPool) leastBusy() *ClientConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *ClientConn
	for _, conn := range p.conns {
		if conn == nil || conn.State() != StateReady {
			continue
		}
		if best == nil || conn.InFlight() < best.InFlight() {
			best = conn
		}
	}
	return best
}

func (p *connPool) close() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make([]*ClientConn, len(conns))
	p.mu.Unlock()
	for _, conn := range conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

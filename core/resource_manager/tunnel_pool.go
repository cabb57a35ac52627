package resource_manager

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"workflow-orchestrator/core/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Target describes the remote end of a port forward
type Target struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
	RemotePort   int
}

// Key identifies pooled tunnels; two targets with the same key share one forward
func (t Target) Key() string {
	return fmt.Sprintf("%s@%s:%d->%d", t.User, t.Host, t.Port, t.RemotePort)
}

// Process is a running forwarder
type Process interface {
	Alive() bool
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

// Forwarder starts a process forwarding 127.0.0.1:localPort to the target
type Forwarder interface {
	Start(ctx context.Context, target Target, localPort int) (Process, error)
}

// Tunnel is a live local endpoint owned by the pool
type Tunnel struct {
	Target    Target
	LocalPort int
	CreatedAt time.Time

	lastUsedAt time.Time
	process    Process
}

// Endpoint returns the local host:port of the tunnel
func (t *Tunnel) Endpoint() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.LocalPort))
}

// PoolConfig holds tunnel timing settings
type PoolConfig struct {
	EstablishTimeout time.Duration
	StopGracePeriod  time.Duration
	ProbeInterval    time.Duration
	DialTimeout      time.Duration
}

// DefaultPoolConfig returns the default tunnel timings
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		EstablishTimeout: 10 * time.Second,
		StopGracePeriod:  5 * time.Second,
		ProbeInterval:    100 * time.Millisecond,
		DialTimeout:      time.Second,
	}
}

// TunnelPool keeps reusable port forwards keyed by target
type TunnelPool struct {
	tunnels   map[string]*Tunnel
	mu        sync.Mutex
	group     singleflight.Group
	forwarder Forwarder
	cfg       PoolConfig
	log       *zap.Logger
	freePort  func() (int, error)

	// ctx bounds shared establishments; Shutdown cancels it
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTunnelPool creates a new tunnel pool
func NewTunnelPool(forwarder Forwarder, cfg PoolConfig, log *zap.Logger) *TunnelPool {
	defaults := DefaultPoolConfig()
	if cfg.EstablishTimeout <= 0 {
		cfg.EstablishTimeout = defaults.EstablishTimeout
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = defaults.StopGracePeriod
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TunnelPool{
		tunnels:   make(map[string]*Tunnel),
		forwarder: forwarder,
		cfg:       cfg,
		log:       log,
		freePort:  freeLocalPort,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Acquire returns a tunnel to the target that has just passed a liveness probe.
// A pooled tunnel is reused when alive; otherwise a new forward is established.
// Concurrent calls for the same target share one establishment, which runs on the
// pool's context: a caller giving up only stops its own wait.
func (tp *TunnelPool) Acquire(ctx context.Context, target Target) (*Tunnel, error) {
	key := target.Key()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: establishing %s: %w", models.ErrTunnel, key, err)
	}
	ch := tp.group.DoChan(key, func() (interface{}, error) {
		return tp.acquire(target)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Tunnel), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: establishing %s: %w", models.ErrTunnel, key, ctx.Err())
	}
}

func (tp *TunnelPool) acquire(target Target) (*Tunnel, error) {
	key := target.Key()
	if t := tp.lookup(key); t != nil {
		if tp.alive(t) {
			tp.mu.Lock()
			t.lastUsedAt = time.Now()
			tp.mu.Unlock()
			return t, nil
		}
		tp.log.Info("Pooled tunnel failed liveness probe", zap.String("tunnel", key))
		tp.evict(key, t)
	}

	t, err := tp.establish(tp.ctx, target)
	if err != nil {
		return nil, err
	}
	tp.mu.Lock()
	if tp.ctx.Err() != nil {
		tp.mu.Unlock()
		tp.stop(t)
		return nil, fmt.Errorf("%w: pool shut down while establishing %s", models.ErrTunnel, key)
	}
	tp.tunnels[key] = t
	tp.mu.Unlock()
	tp.log.Info("Tunnel established", zap.String("tunnel", key), zap.Int("local_port", t.LocalPort))
	return t, nil
}

func (tp *TunnelPool) lookup(key string) *Tunnel {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.tunnels[key]
}

func (tp *TunnelPool) establish(ctx context.Context, target Target) (*Tunnel, error) {
	key := target.Key()
	port, err := tp.freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate local port: %v", models.ErrTunnel, err)
	}
	proc, err := tp.forwarder.Start(ctx, target, port)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start forwarder for %s: %v", models.ErrTunnel, key, err)
	}
	now := time.Now()
	t := &Tunnel{Target: target, LocalPort: port, CreatedAt: now, lastUsedAt: now, process: proc}

	deadline := time.NewTimer(tp.cfg.EstablishTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(tp.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		if tp.dial(t) == nil {
			return t, nil
		}
		select {
		case <-proc.Done():
			return nil, fmt.Errorf("%w: forwarder for %s exited before port %d opened", models.ErrTunnel, key, port)
		case <-ctx.Done():
			tp.stop(t)
			return nil, fmt.Errorf("%w: establishing %s: %w", models.ErrTunnel, key, ctx.Err())
		case <-deadline.C:
			tp.stop(t)
			return nil, fmt.Errorf("%w: port %d for %s not ready after %s", models.ErrTunnel, port, key, tp.cfg.EstablishTimeout)
		case <-ticker.C:
		}
	}
}

func (tp *TunnelPool) dial(t *Tunnel) error {
	conn, err := net.DialTimeout("tcp", t.Endpoint(), tp.cfg.DialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// alive is the liveness probe: the process is running and the local port accepts
func (tp *TunnelPool) alive(t *Tunnel) bool {
	return t.process.Alive() && tp.dial(t) == nil
}

// evict removes t if it is still the pooled entry for key, then stops it
func (tp *TunnelPool) evict(key string, t *Tunnel) {
	tp.mu.Lock()
	if tp.tunnels[key] == t {
		delete(tp.tunnels, key)
	}
	tp.mu.Unlock()
	tp.stop(t)
}

// stop terminates gracefully and force-kills after the grace period
func (tp *TunnelPool) stop(t *Tunnel) {
	if !t.process.Alive() {
		return
	}
	key := t.Target.Key()
	if err := t.process.Terminate(); err != nil {
		tp.log.Warn("Failed to terminate forwarder", zap.String("tunnel", key), zap.Error(err))
	}
	timer := time.NewTimer(tp.cfg.StopGracePeriod)
	defer timer.Stop()
	select {
	case <-t.process.Done():
		return
	case <-timer.C:
	}
	tp.log.Warn("Forwarder ignored terminate, killing", zap.String("tunnel", key))
	if err := t.process.Kill(); err != nil {
		tp.log.Error("Failed to kill forwarder", zap.String("tunnel", key), zap.Error(err))
	}
}

// Close stops the tunnel for key; it reports whether one was pooled
func (tp *TunnelPool) Close(key string) bool {
	tp.mu.Lock()
	t, ok := tp.tunnels[key]
	delete(tp.tunnels, key)
	tp.mu.Unlock()
	if !ok {
		return false
	}
	tp.stop(t)
	tp.log.Info("Tunnel closed", zap.String("tunnel", key))
	return true
}

// Sweep evicts tunnels failing the liveness probe and returns how many were removed
func (tp *TunnelPool) Sweep() int {
	tp.mu.Lock()
	entries := make(map[string]*Tunnel, len(tp.tunnels))
	for k, t := range tp.tunnels {
		entries[k] = t
	}
	tp.mu.Unlock()

	evicted := 0
	for key, t := range entries {
		if tp.alive(t) {
			continue
		}
		tp.evict(key, t)
		evicted++
		tp.log.Info("Swept dead tunnel", zap.String("tunnel", key))
	}
	return evicted
}

// Shutdown aborts pending establishments and closes every pooled tunnel
func (tp *TunnelPool) Shutdown() {
	tp.cancel()
	tp.mu.Lock()
	entries := tp.tunnels
	tp.tunnels = make(map[string]*Tunnel)
	tp.mu.Unlock()

	var g errgroup.Group
	for _, t := range entries {
		t := t
		g.Go(func() error {
			tp.stop(t)
			return nil
		})
	}
	_ = g.Wait()
	tp.log.Info("Tunnel pool shut down", zap.Int("closed", len(entries)))
}

// TunnelInfo describes one pooled tunnel
type TunnelInfo struct {
	Key        string
	LocalPort  int
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Stats returns the pooled tunnels ordered by key
func (tp *TunnelPool) Stats() []TunnelInfo {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	infos := make([]TunnelInfo, 0, len(tp.tunnels))
	for key, t := range tp.tunnels {
		infos = append(infos, TunnelInfo{
			Key:        key,
			LocalPort:  t.LocalPort,
			CreatedAt:  t.CreatedAt,
			LastUsedAt: t.lastUsedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

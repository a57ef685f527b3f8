// Package zkclient is the Coordination Client: a thin, recoverable wrapper
// over a hierarchical key-value store with ZooKeeper-class semantics
// (sequenced creates, conditional updates with version, ephemeral nodes,
// one-shot watches), per spec.md §4.1. It bridges go-zookeeper/zk's
// synchronous-call API to the asynchronous, retry-budgeted, callback-driven
// contract the Split-Log Manager depends on.
package zkclient

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/walsplit/splitlog/internal/circuit"
	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/health"
	"github.com/walsplit/splitlog/pkg/recovery"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

// Config configures a Client's connection to the coordination store.
type Config struct {
	Servers        []string
	SessionTimeout time.Duration

	// DefaultRetries is the retry budget handed to callers that don't
	// specify one of their own (splitlog.zk.retries).
	DefaultRetries int

	// BaseBackoff and MaxBackoff bound the delay between retried async
	// calls. Doubled per attempt, capped at MaxBackoff, with jitter.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Breaker circuit.Config
	Logger  *utils.StructuredLogger
}

// DefaultConfig returns sensible defaults for a Client.
func DefaultConfig() Config {
	return Config{
		Servers:        []string{"localhost:2181"},
		SessionTimeout: 10 * time.Second,
		DefaultRetries: 3,
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Breaker:        circuit.Config{},
	}
}

// Client is the production Coordination Client, implementing
// types.CoordinationStore over a live *zk.Conn.
type Client struct {
	config Config
	logger *utils.StructuredLogger

	mu   sync.RWMutex
	conn *zk.Conn

	breaker *circuit.CircuitBreaker

	// recovery wraps every blocking call (SetDataCAS, GetData,
	// ListChildren, Exists, CreateEphemeralSequential, EnsurePath) in the
	// same retry/circuit-breaker composition the async callback path gets
	// from breaker+retryAsync, so a blocking caller also backs off instead
	// of hammering a struggling ensemble.
	recovery *recovery.RecoveryManager

	sessionExpired atomic.Bool
	expiredCh      chan struct{}
	expiredOnce    sync.Once

	stopCh chan struct{}
}

// New dials the coordination store and returns a connected Client. The
// returned Client owns the connection's event loop for session-expiry
// detection until Close is called.
func New(config Config) (*Client, error) {
	if len(config.Servers) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "zkclient: no servers configured").
			WithComponent("zkclient")
	}
	if config.DefaultRetries <= 0 {
		config.DefaultRetries = 3
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.Logger == nil {
		l, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		config.Logger = l
	}

	conn, events, err := zk.Connect(config.Servers, config.SessionTimeout)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "zkclient: connect failed").
			WithComponent("zkclient").
			WithCause(err)
	}

	logger := config.Logger.WithComponent("zkclient")
	c := &Client{
		config:    config,
		logger:    logger,
		conn:      conn,
		breaker:   circuit.NewCircuitBreaker("zkclient", config.Breaker),
		recovery:  newRecoveryManager(config, logger),
		expiredCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}

	go c.watchSession(events)
	return c, nil
}

// newRecoveryManager builds the RecoveryManager used to wrap a Client's
// blocking calls, tuning its retry budget off the same BaseBackoff/
// MaxBackoff/DefaultRetries the async retryAsync path uses.
func newRecoveryManager(config Config, logger *utils.StructuredLogger) *recovery.RecoveryManager {
	rc := recovery.DefaultRecoveryConfig()
	rc.RetryConfig.MaxAttempts = config.DefaultRetries + 1
	rc.RetryConfig.InitialDelay = config.BaseBackoff
	rc.RetryConfig.MaxDelay = config.MaxBackoff
	rc.CircuitBreakerConfig = config.Breaker
	rc.Logger = logger
	return recovery.NewRecoveryManager(rc)
}

// NewFromConn wraps an already-connected *zk.Conn, for tests and for
// callers that manage the connection's lifecycle themselves.
func NewFromConn(conn *zk.Conn, events <-chan zk.Event, config Config) *Client {
	if config.DefaultRetries <= 0 {
		config.DefaultRetries = 3
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.Logger == nil {
		l, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		config.Logger = l
	}
	logger := config.Logger.WithComponent("zkclient")
	c := &Client{
		config:    config,
		logger:    logger,
		conn:      conn,
		breaker:   circuit.NewCircuitBreaker("zkclient", config.Breaker),
		recovery:  newRecoveryManager(config, logger),
		expiredCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	if events != nil {
		go c.watchSession(events)
	}
	return c
}

func (c *Client) watchSession(events <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.State == zk.StateExpired {
				c.markSessionExpired()
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) markSessionExpired() {
	if c.sessionExpired.CompareAndSwap(false, true) {
		c.logger.Error("coordination session expired; master must shut down", nil)
		c.expiredOnce.Do(func() { close(c.expiredCh) })
	}
}

// SessionExpired returns a channel that is closed the moment the
// coordination session is declared expired. Per spec.md §7, this is fatal
// for the holder of the session: the master is expected to shut down.
func (c *Client) SessionExpired() <-chan struct{} {
	return c.expiredCh
}

// Close releases the underlying connection.
func (c *Client) Close() {
	close(c.stopCh)
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) getConn() *zk.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// backoff computes the delay before retry attempt n (1-indexed), doubling
// from BaseBackoff up to MaxBackoff, with up to 20% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > c.config.MaxBackoff {
			d = c.config.MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}

// HealthCheck implements pkg/health.HealthyComponent.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.sessionExpired.Load() {
		return errors.NewError(errors.ErrCodeSessionExpired, "coordination session expired").
			WithComponent("zkclient")
	}
	_, err := c.Exists(ctx, "/")
	return err
}

// GetComponentName implements pkg/health.HealthyComponent.
func (c *Client) GetComponentName() string { return "zkclient" }

// GetComponentType implements pkg/health.HealthyComponent.
func (c *Client) GetComponentType() string { return "coordination" }

var _ types.CoordinationStore = (*Client)(nil)
var _ health.HealthyComponent = (*Client)(nil)

// retryAsync runs call through the breaker and reports the outcome to
// onDone, backing off and retrying transient failures while retries remain.
// A session expiry is reported at once; with retries < 0 every failure is
// reported to onDone as nil.
func (c *Client) retryAsync(op, path string, retries int, attempt int, call func() error, onDone func(err error)) {
	err := c.breaker.Execute(call)
	if err == nil {
		onDone(nil)
		return
	}

	slErr := classify(op, path, err)

	if isSessionExpired(slErr) {
		c.markSessionExpired()
		onDone(slErr)
		return
	}

	if retries < 0 {
		// Best-effort: swallow all errors, used to probe liveness
		// without affecting state.
		onDone(nil)
		return
	}

	if !isTransient(slErr) {
		onDone(slErr)
		return
	}

	if retries == 0 {
		onDone(slErr)
		return
	}

	delay := c.backoff(attempt)
	c.logger.Debug("retrying coordination call", map[string]interface{}{
		"op": op, "path": path, "retries_left": retries - 1, "delay": delay.String(),
	})
	time.Sleep(delay)
	c.retryAsync(op, path, retries-1, attempt+1, call, onDone)
}

// AsyncCreate implements types.CoordinationStore.
func (c *Client) AsyncCreate(path string, data []byte, retries int, cb types.CreateCallback) {
	go c.retryAsync("create", path, retries, 1, func() error {
		_, err := c.getConn().Create(path, data, 0, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists {
			return nil
		}
		return err
	}, func(err error) {
		cb(err, path)
	})
}

// AsyncDelete implements types.CoordinationStore.
func (c *Client) AsyncDelete(path string, retries int, cb types.DeleteCallback) {
	go c.retryAsync("delete", path, retries, 1, func() error {
		err := c.getConn().Delete(path, -1)
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}, func(err error) {
		cb(err, path)
	})
}

// AsyncGetData implements types.CoordinationStore. When watch is true, the
// one-shot watch is transparently re-armed after every delivery so cb
// keeps receiving subsequent changes until the caller stops caring (the
// Manager never unregisters; a deleted task simply stops changing).
func (c *Client) AsyncGetData(path string, watch bool, cb types.DataCallback) {
	go c.getDataOnce(path, watch, cb)
}

func (c *Client) getDataOnce(path string, watch bool, cb types.DataCallback) {
	var data []byte
	var stat *zk.Stat
	var evCh <-chan zk.Event
	var err error

	if watch {
		data, stat, evCh, err = c.getConn().GetW(path)
	} else {
		data, stat, err = c.getConn().Get(path)
	}

	if err != nil {
		slErr := classify("getData", path, err)
		if slErr.Code == errors.ErrCodeNoNode {
			cb(nil, path, nil, types.VersionDeleted)
			return
		}
		if isSessionExpired(slErr) {
			c.markSessionExpired()
		}
		cb(slErr, path, nil, 0)
		return
	}

	cb(nil, path, data, stat.Version)

	if !watch || evCh == nil {
		return
	}

	select {
	case ev := <-evCh:
		switch ev.Type {
		case zk.EventNodeDeleted:
			cb(nil, path, nil, types.VersionDeleted)
		case zk.EventNodeDataChanged, zk.EventNodeCreated:
			c.getDataOnce(path, true, cb)
		default:
			// Session/connection events: re-arm and keep waiting.
			c.getDataOnce(path, true, cb)
		}
	case <-c.stopCh:
		return
	}
}

// SetDataCAS implements types.CoordinationStore.
func (c *Client) SetDataCAS(ctx context.Context, path string, data []byte, expectedVersion int32) (bool, error) {
	var ok bool
	err := c.recovery.Execute(ctx, "zkclient", "setDataCAS", func() error {
		_, err := c.getConn().Set(path, data, expectedVersion)
		if err == zk.ErrBadVersion {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, classify("setDataCAS", path, err)
	}
	return ok, nil
}

// GetData implements types.CoordinationStore.
func (c *Client) GetData(ctx context.Context, path string) ([]byte, int32, error) {
	var data []byte
	var version int32
	err := c.recovery.Execute(ctx, "zkclient", "getData", func() error {
		d, stat, err := c.getConn().Get(path)
		if err != nil {
			return err
		}
		data = d
		version = stat.Version
		return nil
	})
	if err != nil {
		return nil, 0, classify("getData", path, err)
	}
	return data, version, nil
}

// ListChildren implements types.CoordinationStore.
func (c *Client) ListChildren(ctx context.Context, path string) ([]string, error) {
	var children []string
	err := c.recovery.Execute(ctx, "zkclient", "listChildren", func() error {
		ch, _, err := c.getConn().Children(path)
		if err == zk.ErrNoNode {
			children = nil
			return nil
		}
		if err != nil {
			return err
		}
		children = ch
		return nil
	})
	if err != nil {
		return nil, classify("listChildren", path, err)
	}
	return children, nil
}

// ChildrenWatch implements types.CoordinationStore: blocks until path's
// children change or ctx is canceled.
func (c *Client) ChildrenWatch(ctx context.Context, path string) ([]string, error) {
	children, _, evCh, err := c.getConn().ChildrenW(path)
	if err != nil {
		return nil, classify("childrenWatch", path, err)
	}

	select {
	case ev := <-evCh:
		if ev.Type == zk.EventNodeChildrenChanged {
			return c.ListChildren(ctx, path)
		}
		return children, nil
	case <-ctx.Done():
		return children, nil
	case <-c.stopCh:
		return children, nil
	}
}

// CreateEphemeralSequential implements types.CoordinationStore.
func (c *Client) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	var full string
	err := c.recovery.Execute(ctx, "zkclient", "createEphemeralSequential", func() error {
		p, err := c.getConn().Create(
			fmt.Sprintf("%s/%s", parent, prefix),
			data,
			zk.FlagEphemeral|zk.FlagSequence,
			zk.WorldACL(zk.PermAll),
		)
		if err != nil {
			return err
		}
		full = p
		return nil
	})
	if err != nil {
		return "", classify("createEphemeralSequential", parent, err)
	}
	return full, nil
}

// Exists implements types.CoordinationStore.
func (c *Client) Exists(ctx context.Context, path string) (int32, error) {
	var version int32 = -1
	err := c.recovery.Execute(ctx, "zkclient", "exists", func() error {
		exists, stat, err := c.getConn().Exists(path)
		if err != nil {
			return err
		}
		if exists {
			version = stat.Version
		} else {
			version = -1
		}
		return nil
	})
	if err != nil {
		return -1, classify("exists", path, err)
	}
	return version, nil
}

// EnsurePath implements types.CoordinationStore, creating every missing
// persistent ancestor of path (but not path's ACL-protected siblings).
func (c *Client) EnsurePath(ctx context.Context, path string) error {
	if path == "" || path == "/" {
		return nil
	}

	var segments []string
	for i, r := range path {
		if r == '/' && i > 0 {
			segments = append(segments, path[:i])
		}
	}
	segments = append(segments, path)

	for _, p := range segments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		version, err := c.Exists(ctx, p)
		if err != nil {
			return err
		}
		if version >= 0 {
			continue
		}
		err = c.recovery.Execute(ctx, "zkclient", "ensurePath", func() error {
			_, err := c.getConn().Create(p, nil, 0, zk.WorldACL(zk.PermAll))
			if err == zk.ErrNodeExists {
				return nil
			}
			return err
		})
		if err != nil {
			return classify("ensurePath", p, err)
		}
	}
	return nil
}

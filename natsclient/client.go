package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/health"
)

// ConnectionStatus is the state of the broker connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client owns one NATS connection. Repeated connection or publish failures
// open a circuit breaker that rejects work until a backoff has passed.
type Client struct {
	url    string
	logger *slog.Logger
	status atomic.Int32

	conn *nats.Conn
	subs []*nats.Subscription
	mu   sync.RWMutex

	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Int64
	maxBackoff       time.Duration
	lastFailure      atomic.Int64

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username  string
	password  string
	token     string
	credsFile string

	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	onHealthChange func(bool)
	onDisconnect   func(error)
	onReconnect    func()

	healthInterval time.Duration
	healthDone     chan struct{}
	healthWG       sync.WaitGroup

	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates an unconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)
	c.setStatus(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// Status returns the connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
}

// IsHealthy reports whether the client is connected.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failures recorded since the last successful connect.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff is how long the breaker stays open the next time it opens.
func (c *Client) Backoff() time.Duration {
	return time.Duration(c.backoff.Load())
}

// Health reports the connection as a health status.
func (c *Client) Health() health.Status {
	switch c.Status() {
	case StatusConnected:
		st := health.NewHealthy("nats", "connected to "+c.url)
		if rtt, err := c.RTT(); err == nil {
			st.Message = fmt.Sprintf("connected to %s, rtt %v", c.url, rtt)
		}
		return st
	case StatusConnecting, StatusReconnecting:
		return health.NewDegraded("nats", c.Status().String())
	default:
		return health.NewUnhealthy("nats", c.Status().String())
	}
}

// recordFailure counts a failure and opens the breaker at the threshold.
func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	c.lastFailure.Store(time.Now().UnixNano())
	round := c.circuitFailures.Add(1)
	c.logger.Debug("failure recorded", "failures", total, "round", round)

	if round < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	current := c.Backoff()
	c.backoff.Store(int64(min(current*2, c.maxBackoff)))

	prev := c.Status()
	if prev == StatusCircuitOpen {
		c.logger.Warn("circuit breaker still open", "backoff", c.Backoff())
		return
	}
	if c.status.CompareAndSwap(int32(prev), int32(StatusCircuitOpen)) {
		c.logger.Warn("circuit breaker opened", "failures", total, "backoff", current)
		time.AfterFunc(current, c.testCircuit)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(int64(time.Second))
	c.lastFailure.Store(0)
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the breaker so the next Connect may try again.
func (c *Client) testCircuit() {
	if c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
		c.logger.Debug("circuit breaker half open")
	}
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.credsFile != "" {
		opts = append(opts, nats.UserCredentials(c.credsFile))
	}
	if c.tlsCertFile != "" && c.tlsKeyFile != "" {
		opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
	}
	if c.tlsCAFile != "" {
		opts = append(opts, nats.RootCAs(c.tlsCAFile))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server. It fails fast with ErrCircuitOpen while the
// breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(ErrNotConnected, "Client", "Connect", "client closed")
	}
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	opts := c.connectionOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// A connection that completes after the caller gave up is closed.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		res.err = ctx.Err()
	}
	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "server", res.conn.ConnectedUrlRedacted())

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

// Close drains the connection, bounded by the drain timeout and ctx.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+sub.Subject))
		}
	}
	c.subs = nil

	if c.conn != nil {
		wait := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, max(time.Until(deadline), 0))
		}
		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		timer := time.NewTimer(wait)
		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-timer.C:
			errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", wait),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		timer.Stop()
		conn.Close()
		c.conn = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)
	if len(errs) > 0 {
		c.logger.Warn("close finished with errors", "errors", len(errs))
	}
	return stderrors.Join(errs...)
}

func (c *Client) connection() (*nats.Conn, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "connection", "check connection")
	}
	return conn, nil
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connection()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Publish sends data on subject. A failed publish counts towards the breaker.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Subscribe calls handler for every message on subject until the client is
// closed.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "Client", "Subscribe", "subscribe to "+subject)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush connection")
	}
	return nil
}

// EnsureStream creates or updates a JetStream stream capturing subjects, so
// messages published on them are retained for maxAge.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string, maxAge time.Duration) (jetstream.Stream, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "EnsureStream", "open jetstream")
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
		MaxAge:   maxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+name)
	}
	c.logger.Info("stream ready", "stream", name, "subjects", subjects)
	return stream, nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("disconnected from NATS", "error", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
	if c.onHealthChange != nil {
		c.onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("reconnected to NATS", "server", conn.ConnectedUrlRedacted())
	if c.onReconnect != nil {
		c.onReconnect()
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.logger.Debug("connection closed")
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Warn("async NATS error", "subject", subject, "error", err)
}

// startHealthMonitoring watches for connection loss the handlers miss.
func (c *Client) startHealthMonitoring() {
	c.healthDone = make(chan struct{})
	c.healthWG.Add(1)
	go func() {
		defer c.healthWG.Done()
		ticker := time.NewTicker(c.healthInterval)
		defer ticker.Stop()
		healthy := true
		for {
			select {
			case <-c.healthDone:
				return
			case <-ticker.C:
				c.mu.RLock()
				now := c.conn != nil && c.conn.IsConnected()
				c.mu.RUnlock()
				if now != healthy {
					healthy = now
					c.logger.Info("connection health changed", "healthy", now)
					if c.onHealthChange != nil {
						c.onHealthChange(now)
					}
				}
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	if c.healthDone == nil {
		return
	}
	close(c.healthDone)
	c.healthWG.Wait()
	c.healthDone = nil
}

package natsclient

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv enables tests that start containers when set to "1".
const IntegrationEnv = "INTEGRATION_TESTS"

// TestServer is a NATS server in a container with a connected Client.
type TestServer struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

type testConfig struct {
	jetstream    bool
	version      string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures NewTestServer.
type TestOption func(*testConfig)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) { cfg.version = version }
}

func WithStartTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) { cfg.startTimeout = d }
}

// NewTestServer starts a NATS container and connects a Client to it. The
// test is skipped unless IntegrationEnv is "1"; both are torn down by
// t.Cleanup.
func NewTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run container tests", IntegrationEnv)
	}

	cfg := &testConfig{
		version:      "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.version,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	ts := &TestServer{container: container}
	t.Cleanup(ts.terminate)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	ts.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(ts.URL,
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	ts.Client = client

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatalf("connect to %s: %v", ts.URL, err)
	}
	return ts
}

func (ts *TestServer) terminate() {
	if ts.Client != nil {
		_ = ts.Client.Close(context.Background())
	}
	_ = ts.container.Terminate(context.Background())
}

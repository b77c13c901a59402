// Package natsclient manages the NATS connection used to publish link
// events.
//
// A Client tracks its connection status and wraps nats.go with a circuit
// breaker: after a configurable number of consecutive connect or publish
// failures the breaker opens and Connect and Publish fail with ErrCircuitOpen
// until a doubling backoff has passed. A successful connect or reconnect
// resets it.
//
//	client, err := natsclient.NewClient(cfg.URL,
//	    natsclient.WithLogger(logger),
//	    natsclient.WithName("mediagraphd"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// EnsureStream creates a JetStream stream over the event subjects so a
// history of link state changes survives subscribers coming and going.
//
// NewTestServer starts a NATS container with testcontainers for integration
// tests. It skips the test unless INTEGRATION_TESTS=1.
package natsclient

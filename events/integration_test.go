package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/natsclient"
)

func TestIntegration_PublishOverNATS(t *testing.T) {
	ts := natsclient.NewTestServer(t)

	got := make(chan LinkEvent, 4)
	require.NoError(t, ts.Client.Subscribe("it.link.>", func(_ string, data []byte) {
		var ev LinkEvent
		if json.Unmarshal(data, &ev) == nil {
			got <- ev
		}
	}))
	require.NoError(t, ts.Client.Flush(context.Background()))

	cfg := testConfig()
	cfg.SubjectPrefix = "it"
	e, err := NewEmitter(ts.Client, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	e.Emit(LinkEvent{Type: TypeState, Link: "link 5.1", Serial: 5, Old: "paused", State: "running"})

	select {
	case ev := <-got:
		assert.Equal(t, TypeState, ev.Type)
		assert.Equal(t, uint32(5), ev.Serial)
		assert.Equal(t, "running", ev.State)
	case <-time.After(3 * time.Second):
		t.Fatal("event not received")
	}
}

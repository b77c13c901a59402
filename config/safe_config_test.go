package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mgerrors "github.com/c360/mediagraph/errors"
)

func TestSafeConfig_GetReturnsCopy(t *testing.T) {
	sc := NewSafeConfig(nil)
	cfg := sc.Get()
	cfg.Log.Level = "debug"
	cfg.Events.URLs[0] = "nats://changed:4222"

	again := sc.Get()
	assert.Equal(t, "info", again.Log.Level)
	assert.Equal(t, "nats://localhost:4222", again.Events.URLs[0])
}

func TestSafeConfig_Update(t *testing.T) {
	sc := NewSafeConfig(Default())

	bad := Default()
	bad.Graph.DataLoops = 0
	err := sc.Update(bad)
	assert.ErrorIs(t, err, mgerrors.ErrInvalidConfig)
	assert.Equal(t, 1, sc.Get().Graph.DataLoops)

	err = sc.Update(nil)
	assert.ErrorIs(t, err, mgerrors.ErrMissingConfig)

	good := Default()
	good.Graph.DataLoops = 4
	require.NoError(t, sc.Update(good))
	good.Graph.DataLoops = 9
	assert.Equal(t, 4, sc.Get().Graph.DataLoops)
}

func TestSafeConfig_Concurrent(t *testing.T) {
	sc := NewSafeConfig(Default())
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 200 {
				level := sc.Get().Log.Level
				if level != "info" && level != "debug" {
					t.Errorf("unexpected level %q", level)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			cfg := Default()
			if i%2 == 0 {
				cfg.Log.Level = "debug"
			}
			if err := sc.Update(cfg); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
}

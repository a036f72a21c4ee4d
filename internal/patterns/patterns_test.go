package patterns

import (
	"context"
	"encoding/json"
	"os"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
)

func TestClampRPM(t *testing.T) {
	assert.Equal(t, 1, ClampRPM(-5))
	assert.Equal(t, 1, ClampRPM(0))
	assert.Equal(t, 1000, ClampRPM(5000))
	assert.Equal(t, 42, ClampRPM(42))
}

func TestInterval(t *testing.T) {
	assert.Equal(t, time.Second, State{RPM: 60}.Interval())
	assert.Equal(t, 6*time.Second, Default().Interval())
	assert.Equal(t, time.Minute, State{RPM: 0}.Interval())
}

func TestStateJSONIsFlat(t *testing.T) {
	var s State
	require.NoError(t, json.Unmarshal([]byte(`{"timeout": true, "error_rate": false, "rpm": 42, "note": "keep me"}`), &s))
	assert.Equal(t, 42, s.RPM)
	assert.True(t, s.Enabled("timeout"))
	assert.False(t, s.Enabled("error_rate"))
	assert.Equal(t, []string{"timeout"}, s.Active())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, map[string]interface{}{
		"timeout":    true,
		"error_rate": false,
		"rpm":        float64(42),
		"note":       "keep me",
	}, flat)
}

func TestStateJSONClampsRPM(t *testing.T) {
	var s State
	require.NoError(t, json.Unmarshal([]byte(`{"rpm": 5000}`), &s))
	assert.Equal(t, MaxRPM, s.RPM)
	require.NoError(t, json.Unmarshal([]byte(`{}`), &s))
	assert.Equal(t, DefaultRPM, s.RPM)
}

func TestStateJSONNullIsUnset(t *testing.T) {
	var s State
	require.NoError(t, json.Unmarshal([]byte(`{"rpm": null, "timeout": null, "slow": true}`), &s))
	assert.Equal(t, DefaultRPM, s.RPM)
	assert.Equal(t, map[string]bool{"slow": true}, s.Patterns)
}

// bigState builds a record large enough that a torn write would be visible.
func bigState(rpm int, on bool) State {
	s := Default()
	s.RPM = rpm
	for i := 0; i < 2000; i++ {
		s.Patterns[fmt.Sprintf("pattern_%04d", i)] = on
	}
	return s
}

// runConcurrentReadTest saves two alternating records while another
// goroutine loads; every load must see one of them whole.
func runConcurrentReadTest(t *testing.T, store Store) {
	ctx := context.Background()
	a, b := bigState(11, true), bigState(22, false)
	require.NoError(t, store.Save(ctx, "busy", a))

	done := make(chan struct{})
	var wg sync.WaitGroup
	var loads, bad int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			got := store.Load(ctx, "busy")
			loads++
			if !assert.ObjectsAreEqual(a, got) && !assert.ObjectsAreEqual(b, got) {
				bad++
			}
		}
	}()

	for i := 0; i < 200; i++ {
		next := a
		if i%2 == 0 {
			next = b
		}
		require.NoError(t, store.Save(ctx, "busy", next))
	}
	close(done)
	wg.Wait()

	assert.Positive(t, loads)
	assert.Zero(t, bad, "%d of %d loads saw a partial or default record", bad, loads)
}

// runStoreTests exercises any Store implementation.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("missing record is default", func(t *testing.T) {
		assert.Equal(t, Default(), store.Load(ctx, "never-written"))
	})

	t.Run("set pattern keeps rpm", func(t *testing.T) {
		_, err := SetRPM(ctx, store, "rt", 42)
		require.NoError(t, err)
		_, err = SetPattern(ctx, store, "rt", "timeout", true)
		require.NoError(t, err)

		got := store.Load(ctx, "rt")
		assert.Equal(t, 42, got.RPM)
		assert.True(t, got.Enabled("timeout"))
	})

	t.Run("set rpm keeps patterns", func(t *testing.T) {
		_, err := SetPattern(ctx, store, "rt2", "error_rate", true)
		require.NoError(t, err)
		_, err = SetPattern(ctx, store, "rt2", "slow_response", false)
		require.NoError(t, err)
		_, err = SetRPM(ctx, store, "rt2", 60)
		require.NoError(t, err)

		got := store.Load(ctx, "rt2")
		assert.Equal(t, 60, got.RPM)
		assert.Equal(t, map[string]bool{"error_rate": true, "slow_response": false}, got.Patterns)
	})

	t.Run("rpm is clamped", func(t *testing.T) {
		for in, want := range map[int]int{-5: 1, 5000: 1000, 42: 42} {
			s, err := SetRPM(ctx, store, "clamp", in)
			require.NoError(t, err)
			assert.Equal(t, want, s.RPM)
			assert.Equal(t, want, store.Load(ctx, "clamp").RPM)
		}
	})

	t.Run("invalid pattern names", func(t *testing.T) {
		_, err := SetPattern(ctx, store, "bad", "rpm", true)
		assert.ErrorIs(t, err, ErrInvalidPattern)
		_, err = SetPattern(ctx, store, "bad", " ", true)
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})

	t.Run("records are per scenario", func(t *testing.T) {
		_, err := SetPattern(ctx, store, "a", "timeout", true)
		require.NoError(t, err)
		assert.False(t, store.Load(ctx, "b").Enabled("timeout"))
	})
}

func TestFileStore(t *testing.T) {
	runStoreTests(t, NewFileStore(t.TempDir(), logger.NewNop()))
}

func TestFileStoreConcurrentReaders(t *testing.T) {
	runConcurrentReadTest(t, NewFileStore(t.TempDir(), logger.NewNop()))
}

func TestFileStorePreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, logger.NewNop())
	require.NoError(t, os.WriteFile(store.Path("single"), []byte(`{"owner": "ops", "rpm": 30}`), 0644))

	_, err := SetPattern(context.Background(), store, "single", "timeout", true)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, ".scenario_control_single.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"owner": "ops", "rpm": 30, "timeout": true}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorruptRecord(t *testing.T) {
	store := NewFileStore(t.TempDir(), logger.NewNop())
	require.NoError(t, os.WriteFile(store.Path("broken"), []byte(`{"timeout": tr`), 0644))
	assert.Equal(t, Default(), store.Load(context.Background(), "broken"))

	require.NoError(t, os.WriteFile(store.Path("broken"), []byte(`{"rpm": "fast"}`), 0644))
	assert.Equal(t, Default(), store.Load(context.Background(), "broken"))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, logger.NewNop())
	defer store.Close()

	runStoreTests(t, store)

	raw, err := mr.Get("otel-demo:control:rt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rpm": 42, "timeout": true}`, raw)
}

func TestRedisStoreConcurrentReaders(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger.NewNop())
	defer store.Close()
	runConcurrentReadTest(t, store)
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStoreFromURL("redis://"+mr.Addr(), logger.NewNop())
	require.NoError(t, err)
	mr.Close()

	assert.Equal(t, Default(), store.Load(context.Background(), "single"))
	assert.Error(t, store.Save(context.Background(), "single", Default()))
}

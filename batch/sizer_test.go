package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Initial = 1000
	cfg.Min = 100
	cfg.Max = 2000
	return cfg
}

func calm(w Workload) Signals {
	return Signals{Workload: w, CPU: 10, Memory: 20, DiskIO: 5, Latency: 10 * time.Millisecond, Rows: 1000, Succeeded: true}
}

func TestIncreaseWhenCalm(t *testing.T) {
	s := NewSizer(testConfig())
	d := s.Next(calm(ReadHeavy))
	assert.Equal(t, ActionIncrease, d.Action)
	assert.Equal(t, 1000, d.Previous)
	assert.Equal(t, 1100, d.Next)
	assert.Equal(t, 1100, s.Current(ReadHeavy))
	assert.Equal(t, d, s.Explain())
}

func TestDecreaseAtExactlyHighWatermark(t *testing.T) {
	s := NewSizer(testConfig())
	sig := calm(WriteHeavy)
	sig.Memory = 80
	d := s.Next(sig)
	assert.Equal(t, ActionDecrease, d.Action)
	assert.Equal(t, 500, d.Next)
	assert.Zero(t, d.Throttle)
}

func TestDecreaseOnLatency(t *testing.T) {
	s := NewSizer(testConfig())
	sig := calm(WriteHeavy)
	sig.Latency = 6 * time.Second
	d := s.Next(sig)
	assert.Equal(t, ActionDecrease, d.Action)
	assert.Contains(t, d.Reason, "latency")
}

func TestHoldBetweenWatermarksOrAfterFailure(t *testing.T) {
	s := NewSizer(testConfig())
	sig := calm(ReadHeavy)
	sig.CPU = 60
	assert.Equal(t, ActionHold, s.Next(sig).Action)

	sig = calm(ReadHeavy)
	sig.Succeeded = false
	d := s.Next(sig)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, 1000, d.Next)
}

func TestClampAndThrottle(t *testing.T) {
	s := NewSizer(testConfig())
	hot := calm(SanitizeHeavy)
	hot.CPU = 95

	var d Decision
	for range 10 {
		d = s.Next(hot)
	}
	assert.Equal(t, 100, d.Next)
	assert.Equal(t, testConfig().ThrottleDelay, d.Throttle)

	for range 50 {
		d = s.Next(calm(SanitizeHeavy))
	}
	assert.Equal(t, 2000, d.Next)
	assert.Equal(t, ActionHold, d.Action)
}

func TestWorkloadsAreIndependent(t *testing.T) {
	s := NewSizer(testConfig())
	hot := calm(WriteHeavy)
	hot.DiskIO = 90
	s.Next(hot)
	s.Next(calm(ReadHeavy))

	assert.Equal(t, 500, s.Current(WriteHeavy))
	assert.Equal(t, 1100, s.Current(ReadHeavy))
	assert.Equal(t, 1000, s.Current(SanitizeHeavy))
	assert.Len(t, s.History(WriteHeavy), 1)
	assert.Nil(t, s.History("unknown"))
}

func TestLatencyHistoryCapsGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.TargetLatency = time.Second
	s := NewSizer(cfg)
	sig := calm(WriteHeavy)
	sig.Latency = 900 * time.Millisecond
	d := s.Next(sig)
	// 0.9ms per row leaves room for ~1111 rows
	assert.Equal(t, ActionIncrease, d.Action)
	assert.Equal(t, 1100, d.Next)

	sig.Latency = 990 * time.Millisecond
	sig.Rows = 1100
	d = s.Next(sig)
	assert.LessOrEqual(t, d.Next, 1120)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.Initial = 1
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.LowWatermark = 90
	assert.Error(t, bad.Validate())
}

func TestStaticSampler(t *testing.T) {
	r, err := StaticSampler{Resources: Resources{CPU: 42}}.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, r.CPU)
}

package batch

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Workload classifies what dominates the cost of a batch.
type Workload string

const (
	ReadHeavy     Workload = "read_heavy"
	WriteHeavy    Workload = "write_heavy"
	SanitizeHeavy Workload = "sanitize_heavy"
)

type Action string

const (
	ActionHold     Action = "hold"
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
)

type Config struct {
	Initial       int           `toml:"initial" json:"initial"`
	Min           int           `toml:"min" json:"min"`
	Max           int           `toml:"max" json:"max"`
	HighWatermark float64       `toml:"high_watermark" json:"high_watermark"`
	LowWatermark  float64       `toml:"low_watermark" json:"low_watermark"`
	TargetLatency time.Duration `toml:"target_latency" json:"target_latency"`
	ThrottleDelay time.Duration `toml:"throttle_delay" json:"throttle_delay"`
	History       int           `toml:"history" json:"history"`
}

func DefaultConfig() Config {
	return Config{
		Initial:       1000,
		Min:           50,
		Max:           10000,
		HighWatermark: 80,
		LowWatermark:  50,
		TargetLatency: 5 * time.Second,
		ThrottleDelay: 500 * time.Millisecond,
		History:       32,
	}
}

func (c Config) Validate() error {
	if c.Min <= 0 || c.Max < c.Min {
		return fmt.Errorf("batch: need 0 < min <= max, got min=%d max=%d", c.Min, c.Max)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return fmt.Errorf("batch: initial %d outside [%d, %d]", c.Initial, c.Min, c.Max)
	}
	if c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("batch: low watermark %.0f must be below high watermark %.0f", c.LowWatermark, c.HighWatermark)
	}
	return nil
}

// Signals are the observations fed to the sizer after a batch.
type Signals struct {
	Workload  Workload      `json:"workload"`
	CPU       float64       `json:"cpu"`
	Memory    float64       `json:"memory"`
	DiskIO    float64       `json:"disk_io"`
	Latency   time.Duration `json:"latency"`
	Rows      int           `json:"rows"`
	Succeeded bool          `json:"succeeded"`
}

// Decision records the sizer's choice and the signals behind it.
type Decision struct {
	Signals  Signals       `json:"signals"`
	Previous int           `json:"previous"`
	Next     int           `json:"next"`
	Action   Action        `json:"action"`
	Reason   string        `json:"reason"`
	Throttle time.Duration `json:"throttle,omitempty"`
	At       time.Time     `json:"at"`
}

type workloadState struct {
	size      int
	perRow    time.Duration
	decisions []Decision
}

// Sizer adapts the batch size per workload from resource pressure and latency.
type Sizer struct {
	cfg Config

	mu    sync.Mutex
	state map[Workload]*workloadState
	last  Decision
}

func NewSizer(cfg Config) *Sizer {
	if cfg.History <= 0 {
		cfg.History = DefaultConfig().History
	}
	return &Sizer{cfg: cfg, state: make(map[Workload]*workloadState)}
}

func (s *Sizer) Config() Config { return s.cfg }

func (s *Sizer) stateFor(w Workload) *workloadState {
	st, ok := s.state[w]
	if !ok {
		st = &workloadState{size: s.clamp(s.cfg.Initial)}
		s.state[w] = st
	}
	return st
}

func (s *Sizer) clamp(n int) int {
	return max(s.cfg.Min, min(s.cfg.Max, n))
}

// Current returns the batch size to use for the next fetch of workload w.
func (s *Sizer) Current(w Workload) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateFor(w).size
}

// Next folds the signals of the last batch into the size of the next one.
func (s *Sizer) Next(sig Signals) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateFor(sig.Workload)
	d := Decision{Signals: sig, Previous: st.size, Next: st.size, Action: ActionHold, At: time.Now()}

	if sig.Rows > 0 && sig.Latency > 0 {
		perRow := sig.Latency / time.Duration(sig.Rows)
		if st.perRow == 0 {
			st.perRow = perRow
		} else {
			st.perRow = (st.perRow*3 + perRow) / 4
		}
	}

	peak := math.Max(sig.CPU, math.Max(sig.Memory, sig.DiskIO))
	switch {
	case peak >= s.cfg.HighWatermark:
		d.Action = ActionDecrease
		d.Reason = fmt.Sprintf("resource at %.1f%% >= %.0f%%", peak, s.cfg.HighWatermark)
	case s.cfg.TargetLatency > 0 && sig.Latency > s.cfg.TargetLatency:
		d.Action = ActionDecrease
		d.Reason = fmt.Sprintf("latency %s > %s", sig.Latency, s.cfg.TargetLatency)
	case !sig.Succeeded:
		d.Reason = "last batch failed"
	case peak < s.cfg.LowWatermark:
		d.Action = ActionIncrease
		d.Reason = fmt.Sprintf("resources below %.0f%%", s.cfg.LowWatermark)
	default:
		d.Reason = "resources between watermarks"
	}

	switch d.Action {
	case ActionDecrease:
		if st.size <= s.cfg.Min {
			d.Throttle = s.cfg.ThrottleDelay
			d.Reason += ", pinned at min"
		}
		d.Next = s.clamp(st.size / 2)
	case ActionIncrease:
		next := st.size + int(math.Ceil(float64(st.size)*0.1))
		if st.perRow > 0 && s.cfg.TargetLatency > 0 {
			if budget := int(s.cfg.TargetLatency / st.perRow); budget < next {
				next = max(budget, st.size)
				d.Reason += ", capped by latency history"
			}
		}
		d.Next = s.clamp(next)
		if d.Next == st.size {
			d.Action = ActionHold
		}
	}

	st.size = d.Next
	st.decisions = append(st.decisions, d)
	if len(st.decisions) > s.cfg.History {
		st.decisions = st.decisions[len(st.decisions)-s.cfg.History:]
	}
	s.last = d
	return d
}

// Explain returns the most recent decision across workloads.
func (s *Sizer) Explain() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// History returns the recent decisions of one workload, oldest first.
func (s *Sizer) History(w Workload) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[w]
	if !ok {
		return nil
	}
	return append([]Decision(nil), st.decisions...)
}

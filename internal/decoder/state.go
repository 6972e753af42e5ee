package decoder

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Phase is the step the decode loop is currently in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetch
	PhaseSubmit
	PhaseInfoChange
	PhaseFrame
	PhaseCheck
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetch:
		return "fetch_packet"
	case PhaseSubmit:
		return "submit"
	case PhaseInfoChange:
		return "await_info_change"
	case PhaseFrame:
		return "await_frame"
	case PhaseCheck:
		return "check_termination"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// State is the part of a run shared between the driver and the coordinator.
// Everything else belongs to the driver until it is joined.
type State struct {
	stop  atomic.Bool
	phase atomic.Int32
}

// Stop asks the driver to end the run. The driver notices it between polls.
func (s *State) Stop() {
	s.stop.Store(true)
}

func (s *State) Stopped() bool {
	return s.stop.Load()
}

func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *State) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Result is the outcome of a run, handed to the coordinator after join.
type Result struct {
	FrameCount   int
	Elapsed      time.Duration
	FrameRate    float64
	Delay        time.Duration
	MaxUsage     int64
	Rewinds      int
	InfoChanges  int
	DecodeErrors int
	TimedOut     bool
}

// MaxUsageMB returns the peak pool usage in MiB.
func (r Result) MaxUsageMB() float64 {
	return float64(r.MaxUsage) / float64(1<<20)
}

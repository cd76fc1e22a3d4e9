package pipeline

import (
	"sync"

	"github.com/yuya-takeyama/strict-sync/pkg/differ"
)

// Phase is the stage a run is in.
type Phase int

const (
	PhaseListing Phase = iota
	PhaseDiffing
	PhaseTransferring
	PhaseDeleting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseListing:
		return "listing"
	case PhaseDiffing:
		return "diffing"
	case PhaseTransferring:
		return "transferring"
	case PhaseDeleting:
		return "deleting"
	default:
		return "done"
	}
}

// Snapshot is a point-in-time copy of a run's progress.
type Snapshot struct {
	Phase  Phase         `json:"-"`
	Counts differ.Counts `json:"counts"`

	Queued           int   `json:"queued"`
	Succeeded        int   `json:"succeeded"`
	Failed           int   `json:"failed"`
	Canceled         int   `json:"canceled"`
	BytesTransferred int64 `json:"bytes_transferred"`

	Deleted       int  `json:"deleted"`
	DeleteFailed  int  `json:"delete_failed"`
	DeleteSkipped bool `json:"delete_skipped"`
}

// State is the progress of one run. It is written by the run and may be
// read concurrently through Snapshot.
type State struct {
	mu sync.Mutex
	s  Snapshot
}

// Snapshot returns a copy of the current progress.
func (st *State) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

func (st *State) update(fn func(*Snapshot)) {
	st.mu.Lock()
	fn(&st.s)
	st.mu.Unlock()
}

func (st *State) setPhase(p Phase) {
	st.update(func(s *Snapshot) { s.Phase = p })
}

package ledger

import (
	"fmt"
	"time"

	"github.com/openmined/regionsync/internal/region"
)

// State is the sync state of one region file.
type State string

const (
	StatePending     State = "pending"
	StateCompressing State = "compressing"
	StateUploading   State = "uploading"
	StateVerifying   State = "verifying"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var AllStates = []State{StatePending, StateCompressing, StateUploading, StateVerifying, StateDone, StateFailed}

// transitions lists the allowed moves. Work in progress may fall back to
// pending when a restart interrupts it, and uploading may jump to done when
// the remote copy is found intact during recovery.
var transitions = map[State][]State{
	StatePending:     {StateCompressing, StateFailed},
	StateCompressing: {StateUploading, StateFailed, StatePending},
	StateUploading:   {StateVerifying, StateFailed, StatePending, StateDone},
	StateVerifying:   {StateDone, StateFailed, StatePending},
	StateFailed:      {StatePending},
	StateDone:        {},
}

func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown sync state %q", s)
}

func (s State) String() string {
	return string(s)
}

// InProgress reports whether a worker owns the entry.
func (s State) InProgress() bool {
	return s == StateCompressing || s == StateUploading || s == StateVerifying
}

// CanTransition reports whether s may move to next. Rewriting the same state is always allowed.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Entry is the persisted record for one region file.
type Entry struct {
	Key            region.Key `json:"key"`
	State          State      `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	FailureKind    string     `json:"failureKind,omitempty"`
	Terminal       bool       `json:"terminal,omitempty"`
	Attempts       int        `json:"attempts"`
	LocalPath      string     `json:"localPath"`
	SourceSize     int64      `json:"sourceSize"`
	SourceModTime  time.Time  `json:"sourceModTime,omitempty"`
	CompressedSize int64      `json:"compressedSize,omitempty"`
	Checksum       string     `json:"checksum,omitempty"`
	RemotePath     string     `json:"remotePath,omitempty"`
	Seq            int64      `json:"seq"`
	LastModified   time.Time  `json:"lastModified"`
}

// Clone returns a copy safe to hand to another goroutine.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Transition moves the entry to next, clearing failure details when leaving failed.
func (e *Entry) Transition(next State) error {
	if !e.State.CanTransition(next) {
		return fmt.Errorf("%s: invalid transition %s -> %s", e.Key, e.State, next)
	}
	if e.State == StateFailed && next == StatePending {
		e.Reason = ""
		e.FailureKind = ""
		e.Terminal = false
	}
	e.State = next
	return nil
}

// Fail records a failed attempt. terminal marks failures that will not be retried automatically.
func (e *Entry) Fail(kind, reason string, terminal bool) error {
	if err := e.Transition(StateFailed); err != nil {
		return err
	}
	e.FailureKind = kind
	e.Reason = reason
	e.Terminal = terminal
	return nil
}

// Summary aggregates the ledger.
type Summary struct {
	Counts           map[State]int `json:"counts"`
	TerminalFailures int           `json:"terminalFailures"`
	BytesSynced      int64         `json:"bytesSynced"`
	BytesCompressed  int64         `json:"bytesCompressed"`
}

func (s Summary) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

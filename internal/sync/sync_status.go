package sync

import (
	"slices"
	"sync"
	"time"
)

const (
	progressMin         = 0.0
	progressMax         = 100.0
	syncEventBufferSize = 16
)

// PathState is the sync state of a single path.
type PathState string

const (
	PathStatePending   PathState = "pending"
	PathStateSyncing   PathState = "syncing"
	PathStateCompleted PathState = "completed"
	PathStateError     PathState = "error"
)

// ConflictState marks paths that need a human.
type ConflictState string

const (
	ConflictStateNone       ConflictState = "none"
	ConflictStateConflicted ConflictState = "conflicted"
)

// PathStatus is the status of one relative path of a sync instance.
type PathStatus struct {
	SyncState     PathState     `json:"syncState"`
	ConflictState ConflictState `json:"conflictState"`
	Progress      float64       `json:"progress"`
	Error         string        `json:"error,omitempty"`
	ErrorCount    int           `json:"errorCount"`
	LastUpdated   time.Time     `json:"lastUpdated"`
}

func (s *PathStatus) conflicted() bool {
	return s.ConflictState == ConflictStateConflicted
}

// SyncStatusEvent is broadcast on every status change.
type SyncStatusEvent struct {
	Tag    string      `json:"tag"`
	Path   string      `json:"path"`
	Status *PathStatus `json:"status"`
}

// SyncStatus tracks per path progress of one sync instance. Paths are
// relative to the instance roots. A nil *SyncStatus ignores updates.
type SyncStatus struct {
	tag string

	mu    sync.RWMutex
	paths map[string]*PathStatus

	subMu sync.RWMutex
	subs  []chan *SyncStatusEvent
}

func NewSyncStatus(tag string) *SyncStatus {
	return &SyncStatus{
		tag:   tag,
		paths: make(map[string]*PathStatus),
	}
}

func (s *SyncStatus) Tag() string {
	return s.tag
}

// Subscribe returns a buffered channel of status events. Events are dropped
// for subscribers that fall behind.
func (s *SyncStatus) Subscribe() <-chan *SyncStatusEvent {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *SyncStatusEvent, syncEventBufferSize)
	s.subs = append(s.subs, ch)
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (s *SyncStatus) Unsubscribe(ch <-chan *SyncStatusEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	idx := slices.IndexFunc(s.subs, func(sub chan *SyncStatusEvent) bool { return sub == ch })
	if idx < 0 {
		return
	}
	close(s.subs[idx])
	s.subs = slices.Delete(s.subs, idx, idx+1)
}

func (s *SyncStatus) publish(path string, st PathStatus) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	ev := &SyncStatusEvent{Tag: s.tag, Path: path, Status: &st}
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// update applies fn to the status of path, creating it as pending, and
// publishes the result. fn returns false to stop tracking the path.
func (s *SyncStatus) update(path string, fn func(*PathStatus) bool) {
	if s == nil {
		return
	}

	s.mu.Lock()
	st, ok := s.paths[path]
	if !ok {
		st = &PathStatus{SyncState: PathStatePending, ConflictState: ConflictStateNone, Progress: progressMin}
		s.paths[path] = st
	}
	keep := fn(st)
	st.LastUpdated = time.Now()
	if !keep {
		delete(s.paths, path)
	}
	snapshot := *st
	s.mu.Unlock()

	s.publish(path, snapshot)
}

// SetSyncing marks path as in flight, keeping its conflict state.
func (s *SyncStatus) SetSyncing(path string) {
	s.update(path, func(st *PathStatus) bool {
		st.SyncState, st.Progress, st.Error = PathStateSyncing, progressMin, ""
		return true
	})
}

// SetCompleted marks path as done. Only conflict artifacts stay tracked.
func (s *SyncStatus) SetCompleted(path string) {
	s.update(path, func(st *PathStatus) bool {
		st.SyncState, st.Progress, st.Error = PathStateCompleted, progressMax, ""
		return st.conflicted()
	})
}

// SetError records a failed attempt on path.
func (s *SyncStatus) SetError(path string, err error) {
	s.update(path, func(st *PathStatus) bool {
		st.SyncState, st.Error = PathStateError, err.Error()
		st.ErrorCount++
		return true
	})
}

// SetConflicted marks path as holding a conflict artifact.
func (s *SyncStatus) SetConflicted(path string) {
	s.update(path, func(st *PathStatus) bool {
		st.SyncState, st.Progress, st.Error = PathStateCompleted, progressMax, ""
		st.ConflictState = ConflictStateConflicted
		return true
	})
}

// ClearConflicted forgets a conflict artifact that was renamed or removed.
func (s *SyncStatus) ClearConflicted(path string) {
	if s == nil {
		return
	}
	s.mu.RLock()
	st, ok := s.paths[path]
	tracked := ok && st.conflicted()
	s.mu.RUnlock()
	if !tracked {
		return
	}

	s.update(path, func(st *PathStatus) bool {
		st.ConflictState = ConflictStateNone
		return false
	})
}

// collect copies the statuses matching keep.
func (s *SyncStatus) collect(keep func(*PathStatus) bool) map[string]*PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*PathStatus)
	for path, st := range s.paths {
		if keep == nil || keep(st) {
			cp := *st
			out[path] = &cp
		}
	}
	return out
}

func (s *SyncStatus) GetStatus(path string) (*PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.paths[path]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

func (s *SyncStatus) GetErrorCount(path string) int {
	if st, ok := s.GetStatus(path); ok {
		return st.ErrorCount
	}
	return 0
}

// GetConflictedFiles returns the paths currently holding conflict artifacts.
func (s *SyncStatus) GetConflictedFiles() map[string]*PathStatus {
	return s.collect((*PathStatus).conflicted)
}

func (s *SyncStatus) GetSyncingFileCount() int {
	return len(s.collect(func(st *PathStatus) bool { return st.SyncState == PathStateSyncing }))
}

func (s *SyncStatus) GetAllStatus() map[string]*PathStatus {
	return s.collect(nil)
}

// Cleanup forgets settled or failed paths not touched for maxAge. Conflict
// artifacts and paths in flight are kept.
func (s *SyncStatus) Cleanup(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for path, st := range s.paths {
		stale := st.LastUpdated.Before(cutoff)
		settled := st.SyncState == PathStateCompleted || st.SyncState == PathStateError
		if stale && settled && !st.conflicted() {
			delete(s.paths, path)
		}
	}
}

// Close closes every subscription and forgets all paths.
func (s *SyncStatus) Close() {
	s.subMu.Lock()
	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
	s.subMu.Unlock()

	s.mu.Lock()
	s.paths = make(map[string]*PathStatus)
	s.mu.Unlock()
}

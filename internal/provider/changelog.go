package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	defaultMaxRetained = 100_000
	defaultPageSize    = 1000
)

// ChangeLog turns successive listings (or individual mutations) into a
// replayable event log. Cursors are "<epoch>:<seq>"; the epoch changes with
// every ChangeLog so a cursor persisted by an earlier process replays the
// full current listing instead of pointing into a log that no longer exists.
type ChangeLog struct {
	mu          sync.Mutex
	epoch       string
	base        uint64 // sequence number of events[0]
	events      []*Event
	snapshot    map[string]*ObjectInfo // keyed by oid
	maxRetained int
	pageSize    int
}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{
		epoch:       strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		snapshot:    make(map[string]*ObjectInfo),
		maxRetained: defaultMaxRetained,
		pageSize:    defaultPageSize,
	}
}

func (c *ChangeLog) SetPageSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.pageSize = n
	}
}

// Cursor returns the position after the last logged event.
func (c *ChangeLog) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursorLocked(c.base + uint64(len(c.events)))
}

func (c *ChangeLog) cursorLocked(seq uint64) string {
	return fmt.Sprintf("%s:%d", c.epoch, seq)
}

// Append logs a single event and folds it into the snapshot.
func (c *ChangeLog) Append(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(ev)
}

func (c *ChangeLog) appendLocked(ev *Event) {
	if ev.Exists {
		c.snapshot[ev.OID] = &ObjectInfo{
			OID:   ev.OID,
			Path:  ev.Path,
			Hash:  ev.Hash,
			Type:  ev.Type,
			Size:  ev.Size,
			MTime: ev.MTime,
		}
	} else {
		delete(c.snapshot, ev.OID)
	}

	c.events = append(c.events, ev)
	if len(c.events) > c.maxRetained {
		drop := len(c.events) / 2
		c.events = append([]*Event(nil), c.events[drop:]...)
		c.base += uint64(drop)
	}
}

// Observe diffs a complete listing against the previous one and logs the
// differences. It returns the number of events logged.
func (c *ChangeLog) Observe(listing []*ObjectInfo) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(listing))
	count := 0

	// parents before children keeps replay order sane
	sort.Slice(listing, func(i, j int) bool { return listing[i].Path < listing[j].Path })

	for _, info := range listing {
		seen[info.OID] = struct{}{}
		prev, ok := c.snapshot[info.OID]
		if ok && prev.Path == info.Path && prev.Hash == info.Hash && prev.Type == info.Type {
			continue
		}
		c.appendLocked(EventFromInfo(info))
		count++
	}

	var gone []*ObjectInfo
	for oid, info := range c.snapshot {
		if _, ok := seen[oid]; !ok {
			gone = append(gone, info)
		}
	}
	// children before parents for deletions
	sort.Slice(gone, func(i, j int) bool { return gone[i].Path > gone[j].Path })
	for _, info := range gone {
		c.appendLocked(&Event{
			OID:    info.OID,
			Path:   info.Path,
			Type:   info.Type,
			Exists: false,
		})
		count++
	}

	return count
}

// Since returns the events after cursor, at most one page.
func (c *ChangeLog) Since(cursor string) (*EventBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.base + uint64(len(c.events))

	seq, ok := c.parseCursor(cursor)
	if !ok || seq < c.base {
		// unknown position: replay what exists now
		events := make([]*Event, 0, len(c.snapshot))
		for _, info := range c.snapshot {
			events = append(events, EventFromInfo(info))
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
		return &EventBatch{Events: events, Cursor: c.cursorLocked(end)}, nil
	}
	if seq > end {
		return nil, fmt.Errorf("cursor %q is ahead of the log", cursor)
	}

	stop := seq + uint64(c.pageSize)
	if stop > end {
		stop = end
	}
	events := make([]*Event, 0, stop-seq)
	for _, ev := range c.events[seq-c.base : stop-c.base] {
		cp := *ev
		events = append(events, &cp)
	}
	return &EventBatch{Events: events, Cursor: c.cursorLocked(stop)}, nil
}

func (c *ChangeLog) parseCursor(cursor string) (uint64, bool) {
	epoch, seqStr, found := strings.Cut(cursor, ":")
	if !found || epoch != c.epoch {
		return 0, false
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

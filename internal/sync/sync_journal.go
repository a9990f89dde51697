package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openmined/syftsync/internal/storage"
)

// ErrCorruptState is returned when persisted rows contradict each other.
var ErrCorruptState = errors.New("sync state is corrupt")

// SyncJournal persists rows of one sync instance to Storage under
// "<tag>/row/<id>" and its cursors under "<tag>/cursor/<side>".
type SyncJournal struct {
	tag     string
	storage storage.Storage
}

func NewSyncJournal(tag string, store storage.Storage) *SyncJournal {
	return &SyncJournal{tag: tag, storage: store}
}

func (j *SyncJournal) Tag() string {
	return j.tag
}

func (j *SyncJournal) rowPrefix() string {
	return j.tag + "/row/"
}

func (j *SyncJournal) rowKey(id uint64) string {
	return j.rowPrefix() + strconv.FormatUint(id, 10)
}

func (j *SyncJournal) cursorKey(side Side) string {
	return j.tag + "/cursor/" + strconv.Itoa(int(side))
}

// Cursor returns the stored cursor for side, or "" when none was saved.
func (j *SyncJournal) Cursor(side Side) (string, error) {
	data, err := j.storage.Get(j.cursorKey(side))
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return string(data), nil
}

// Load reads every persisted row into state.
func (j *SyncJournal) Load(state *SyncState) error {
	stored, err := j.storage.List(j.rowPrefix())
	if err != nil {
		return fmt.Errorf("list rows: %w", err)
	}

	rows := make([]*SyncRow, 0, len(stored))
	for key, data := range stored {
		var row SyncRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCorruptState, key, err)
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(key, j.rowPrefix()), 10, 64)
		if err != nil || id != row.ID {
			return fmt.Errorf("%w: key %s holds row %d", ErrCorruptState, key, row.ID)
		}
		for side, e := range row.Entries {
			if e != nil && e.Side != Side(side) {
				return fmt.Errorf("%w: row %d has a %s entry in the %s slot", ErrCorruptState, row.ID, e.Side, Side(side))
			}
		}
		rows = append(rows, &row)
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].ID < rows[b].ID })

	// a (side, oid) may be claimed by one row only
	claims := [2]map[string]*SyncRow{{}, {}}
	var duplicates []uint64
	for _, row := range rows {
		dup := false
		for _, side := range sides {
			e := row.Entries[side]
			if e == nil || e.OID == "" {
				continue
			}
			prev, ok := claims[side][e.OID]
			if !ok {
				claims[side][e.OID] = row
				continue
			}
			if !sameRowData(prev, row) {
				return fmt.Errorf("%w: %s oid %q claimed by rows %d and %d", ErrCorruptState, side, e.OID, prev.ID, row.ID)
			}
			dup = true
		}
		if dup {
			duplicates = append(duplicates, row.ID)
			continue
		}
		if err := state.AddRow(row); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
	}

	if len(duplicates) > 0 {
		slog.Warn("sync journal dropped duplicate rows", "tag", j.tag, "rows", duplicates)
		deletes := make([]string, 0, len(duplicates))
		for _, id := range duplicates {
			deletes = append(deletes, j.rowKey(id))
		}
		if err := storage.Apply(j.storage, nil, deletes); err != nil {
			return fmt.Errorf("delete duplicate rows: %w", err)
		}
	}

	slog.Debug("sync journal loaded", "tag", j.tag, "rows", state.Len())
	return nil
}

func sameRowData(a, b *SyncRow) bool {
	return reflect.DeepEqual(a.Entries, b.Entries)
}

// Flush writes the rows changed since the last flush and deletes collected
// ones. When cursor is set it is saved for side in the same batch.
func (j *SyncJournal) Flush(state *SyncState, side Side, cursor string) error {
	changed, removed := state.takeChanges()

	sets := make(map[string][]byte, len(changed)+1)
	for _, row := range changed {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", row.ID, err)
		}
		sets[j.rowKey(row.ID)] = data
	}
	deletes := make([]string, 0, len(removed))
	for _, id := range removed {
		deletes = append(deletes, j.rowKey(id))
	}
	if cursor != "" {
		sets[j.cursorKey(side)] = []byte(cursor)
	}
	if len(sets) == 0 && len(deletes) == 0 {
		return nil
	}

	if err := storage.Apply(j.storage, sets, deletes); err != nil {
		// keep the rows queued for the next flush
		for _, row := range changed {
			state.Update(row)
		}
		state.mu.Lock()
		for _, id := range removed {
			state.removed.Add(id)
		}
		state.mu.Unlock()
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}

// Rows returns the serialized rows currently persisted, keyed by id.
func (j *SyncJournal) Rows() (map[uint64][]byte, error) {
	stored, err := j.storage.List(j.rowPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]byte, len(stored))
	for key, data := range stored {
		id, err := strconv.ParseUint(strings.TrimPrefix(key, j.rowPrefix()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad row key %s", ErrCorruptState, key)
		}
		out[id] = data
	}
	return out, nil
}

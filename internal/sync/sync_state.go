package sync

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftsync/internal/provider"
)

// compact the arena once this many slots are collected
const compactThreshold = 1024

// SyncState is the in-memory table of rows pairing objects across the two
// sides. Rows live in an arena in insertion order; per side indices map oids
// and normalized paths to row ids.
type SyncState struct {
	mu sync.RWMutex

	roots         [2]string
	caseSensitive [2]bool

	arena     []*SyncRow
	positions map[uint64]int
	collected int
	nextID    uint64

	byOID  [2]map[string]uint64
	byPath [2]map[string]mapset.Set[uint64]

	changed mapset.Set[uint64]
	removed mapset.Set[uint64]
}

// NewSyncState creates an empty table for two sides rooted at roots.
func NewSyncState(roots [2]string, caseSensitive [2]bool) *SyncState {
	s := &SyncState{
		positions: make(map[uint64]int),
		nextID:    1,
		changed:   mapset.NewThreadUnsafeSet[uint64](),
		removed:   mapset.NewThreadUnsafeSet[uint64](),
	}
	for _, side := range sides {
		s.roots[side] = provider.CleanPath(roots[side])
		s.caseSensitive[side] = caseSensitive[side]
		s.byOID[side] = make(map[string]uint64)
		s.byPath[side] = make(map[string]mapset.Set[uint64])
	}
	return s
}

func (s *SyncState) Root(side Side) string {
	return s.roots[side]
}

func (s *SyncState) CaseSensitive(side Side) bool {
	return s.caseSensitive[side]
}

// Relative returns path relative to the side's root.
func (s *SyncState) Relative(side Side, path string) (string, bool) {
	return provider.RelativePath(s.roots[side], path, s.caseSensitive[side])
}

// Translate maps a path under from's root to the same place under the other
// side's root.
func (s *SyncState) Translate(from Side, path string) (string, bool) {
	rel, ok := s.Relative(from, path)
	if !ok {
		return "", false
	}
	return provider.JoinPath(s.roots[from.Other()], rel), true
}

// SamePath compares two paths of one side under its case rules.
func (s *SyncState) SamePath(side Side, a, b string) bool {
	return provider.NormalizePath(a, s.caseSensitive[side]) == provider.NormalizePath(b, s.caseSensitive[side])
}

func (s *SyncState) pathKey(side Side, path string) string {
	return provider.NormalizePath(path, s.caseSensitive[side])
}

// NewRow allocates an empty row.
func (s *SyncState) NewRow() *SyncRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := &SyncRow{ID: s.nextID}
	s.nextID++
	s.insert(row)
	return row
}

// AddRow inserts a row with a preassigned id, as loaded from storage.
func (s *SyncState) AddRow(row *SyncRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[row.ID]; ok {
		return fmt.Errorf("row %d already present", row.ID)
	}
	if row.ID >= s.nextID {
		s.nextID = row.ID + 1
	}
	s.insert(row)
	s.reindex(row)
	s.changed.Remove(row.ID)
	return nil
}

func (s *SyncState) insert(row *SyncRow) {
	s.positions[row.ID] = len(s.arena)
	s.arena = append(s.arena, row)
	s.changed.Add(row.ID)
	s.removed.Remove(row.ID)
}

// Row returns the row with id, or nil.
func (s *SyncState) Row(id uint64) *SyncRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.row(id)
}

func (s *SyncState) row(id uint64) *SyncRow {
	pos, ok := s.positions[id]
	if !ok {
		return nil
	}
	return s.arena[pos]
}

// Update reindexes row after its entries were modified and marks it for the
// journal. Every change to an entry's OID, Path or presence goes through here.
func (s *SyncState) Update(row *SyncRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[row.ID]; !ok {
		return
	}
	s.reindex(row)
	s.changed.Add(row.ID)
}

func (s *SyncState) reindex(row *SyncRow) {
	for _, side := range sides {
		s.unindex(row, side)
		e := row.Entries[side]
		if e == nil {
			continue
		}
		if e.OID != "" {
			s.byOID[side][e.OID] = row.ID
			row.indexedOID[side] = e.OID
		}
		if e.Path != "" {
			key := s.pathKey(side, e.Path)
			set, ok := s.byPath[side][key]
			if !ok {
				set = mapset.NewThreadUnsafeSet[uint64]()
				s.byPath[side][key] = set
			}
			set.Add(row.ID)
			row.indexedPath[side] = key
		}
	}
}

func (s *SyncState) unindex(row *SyncRow, side Side) {
	if oid := row.indexedOID[side]; oid != "" {
		if s.byOID[side][oid] == row.ID {
			delete(s.byOID[side], oid)
		}
		row.indexedOID[side] = ""
	}
	if key := row.indexedPath[side]; key != "" {
		if set, ok := s.byPath[side][key]; ok {
			set.Remove(row.ID)
			if set.Cardinality() == 0 {
				delete(s.byPath[side], key)
			}
		}
		row.indexedPath[side] = ""
	}
}

// Remove drops a row from the table.
func (s *SyncState) Remove(row *SyncRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[row.ID]
	if !ok {
		return
	}
	for _, side := range sides {
		s.unindex(row, side)
	}
	s.arena[pos] = nil
	delete(s.positions, row.ID)
	s.changed.Remove(row.ID)
	s.removed.Add(row.ID)

	s.collected++
	if s.collected >= compactThreshold && s.collected > len(s.arena)/2 {
		s.compact()
	}
}

func (s *SyncState) compact() {
	arena := make([]*SyncRow, 0, len(s.positions))
	for _, row := range s.arena {
		if row == nil {
			continue
		}
		s.positions[row.ID] = len(arena)
		arena = append(arena, row)
	}
	s.arena = arena
	s.collected = 0
}

// LookupOID returns the row holding oid on side, or nil.
func (s *SyncState) LookupOID(side Side, oid string) *SyncRow {
	if oid == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOID[side][oid]
	if !ok {
		return nil
	}
	return s.row(id)
}

// LookupPath returns the rows with an entry at path on side, oldest first.
func (s *SyncState) LookupPath(side Side, path string) []*SyncRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.byPath[side][s.pathKey(side, path)]
	if !ok {
		return nil
	}
	ids := set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]*SyncRow, 0, len(ids))
	for _, id := range ids {
		if row := s.row(id); row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// Descendants returns the rows whose entry on side lies strictly below dir.
func (s *SyncState) Descendants(side Side, dir string) []*SyncRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := s.pathKey(side, dir)
	if prefix != "/" {
		prefix += "/"
	}
	var rows []*SyncRow
	for _, row := range s.arena {
		if row == nil || row.Entries[side] == nil {
			continue
		}
		key := row.indexedPath[side]
		if key != "" && strings.HasPrefix(key, prefix) && key != prefix {
			rows = append(rows, row)
		}
	}
	return rows
}

// GetAll returns every live row in insertion order.
func (s *SyncState) GetAll() []*SyncRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*SyncRow, 0, len(s.positions))
	for _, row := range s.arena {
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// Dirty returns the rows that await reconciliation.
func (s *SyncState) Dirty() []*SyncRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*SyncRow
	for _, row := range s.arena {
		if row != nil && row.Dirty() {
			rows = append(rows, row)
		}
	}
	return rows
}

// HasChanges reports whether any row is dirty.
func (s *SyncState) HasChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.arena {
		if row != nil && row.Dirty() {
			return true
		}
	}
	return false
}

// EntryCount is the number of existing entries across both sides.
func (s *SyncState) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, row := range s.arena {
		if row == nil {
			continue
		}
		for _, e := range row.Entries {
			if e != nil && e.Exists {
				count++
			}
		}
	}
	return count
}

// Len is the number of live rows.
func (s *SyncState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// takeChanges returns and resets the ids written and removed since the last call.
func (s *SyncState) takeChanges() (changed []*SyncRow, removed []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.changed.ToSlice() {
		if row := s.row(id); row != nil {
			changed = append(changed, row)
		}
	}
	removed = s.removed.ToSlice()
	s.changed.Clear()
	s.removed.Clear()
	return changed, removed
}

// PrettyPrint renders the table for humans.
func (s *SyncState) PrettyPrint() string {
	rows := s.GetAll()

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCAL\tREMOTE\tTYPE\tSIZE\tFLAGS")
	for _, row := range rows {
		var (
			typ   provider.ObjectType
			size  int64
			flags []string
			paths [2]string
		)
		for _, side := range sides {
			e := row.Entries[side]
			if e == nil {
				paths[side] = "-"
				continue
			}
			paths[side] = e.Path
			if !e.Exists {
				paths[side] += " (deleted)"
			} else {
				typ = e.Type
				size = max(size, e.Size)
			}
			if e.Dirty {
				flags = append(flags, e.Side.String()+"-dirty")
			}
			if e.Conflicted {
				flags = append(flags, "conflicted")
			}
		}
		if row.Punts > 0 {
			flags = append(flags, fmt.Sprintf("punts=%d", row.Punts))
		}
		sizeText := "-"
		if typ == provider.TypeFile {
			sizeText = humanize.IBytes(uint64(size))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", row.ID, paths[Local], paths[Remote], typ, sizeText, strings.Join(flags, ","))
	}
	w.Flush()
	return sb.String()
}

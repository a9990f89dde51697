package sync

import (
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
)

// SyncPriorityList holds globs for relative paths reconciled ahead of the rest.
type SyncPriorityList struct {
	patterns []string
}

func NewSyncPriorityList(patterns ...string) *SyncPriorityList {
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			slog.Warn("invalid priority pattern", "pattern", p)
			continue
		}
		valid = append(valid, p)
	}
	return &SyncPriorityList{patterns: valid}
}

func (s *SyncPriorityList) ShouldPrioritize(relPath string) bool {
	if s == nil || relPath == "" {
		return false
	}
	for _, p := range s.patterns {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return true
		}
	}
	return false
}

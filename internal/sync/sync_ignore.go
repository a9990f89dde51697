package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/syftsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is read from the local root when present.
const IgnoreFileName = ".syftsyncignore"

var defaultIgnoreLines = []string{
	IgnoreFileName,
	// python
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	"venv/",
	".venv/",
	// IDE/Editor-specific
	".vscode",
	".idea",
	// General excludes
	".git",
	"*.tmp",
	"*.swp",
	"~$*",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"Icon",
}

// SyncIgnoreList decides which relative paths are never synced.
type SyncIgnoreList struct {
	lines  []string
	ignore *gitignore.GitIgnore
}

// NewSyncIgnoreList compiles the default rules plus extra.
func NewSyncIgnoreList(extra ...string) *SyncIgnoreList {
	s := &SyncIgnoreList{}
	s.lines = append(append(s.lines, defaultIgnoreLines...), extra...)
	s.ignore = gitignore.CompileIgnoreLines(s.lines...)
	return s
}

// LoadFile adds the rules of an ignore file on local disk. A missing file is
// not an error.
func (s *SyncIgnoreList) LoadFile(ignorePath string) {
	ignorePath = filepath.Clean(ignorePath)
	if !utils.FileExists(ignorePath) {
		return
	}

	file, err := os.Open(ignorePath)
	if err != nil {
		slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		return
	}
	defer file.Close()

	rules := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.lines = append(s.lines, line)
			rules++
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
		return
	}

	s.ignore = gitignore.CompileIgnoreLines(s.lines...)
	slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
}

// ShouldIgnore matches a path relative to the sync root.
func (s *SyncIgnoreList) ShouldIgnore(relPath string) bool {
	if s == nil || relPath == "" {
		return false
	}
	return s.ignore.MatchesPath(relPath)
}

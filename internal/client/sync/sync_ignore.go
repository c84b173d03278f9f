package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/siasync/siasync/internal/utils"
)

const ignoreFileName = ".siasyncignore"

var defaultIgnoreLines = []string{
	ignoreFileName,
	"**/*.siasync-tmp",
	".siasync/",
	"logs/",
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon",
	"*.swp",
	"*.swo",
	"~$*",
	"*.tmp",
	"*.crdownload",
	"*.part",
}

// SyncIgnoreList decides which names never become sync records.
type SyncIgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewSyncIgnoreList(baseDir string) *SyncIgnoreList {
	return &SyncIgnoreList{
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load compiles the defaults together with the rules in <baseDir>/.siasyncignore.
func (s *SyncIgnoreList) Load() {
	lines := append([]string{}, defaultIgnoreLines...)

	path := filepath.Join(s.baseDir, ignoreFileName)
	custom, err := readIgnoreFile(path)
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("ignore file", "path", path, "error", err)
	}
	lines = append(lines, custom...)

	s.ignore = gitignore.CompileIgnoreLines(lines...)
	slog.Debug("ignore list loaded", "rules", len(lines), "custom", len(custom))
}

// ShouldIgnore accepts a slash separated name relative to the sync dir, or an absolute path under it.
func (s *SyncIgnoreList) ShouldIgnore(path string) bool {
	if filepath.IsAbs(path) {
		rel, err := utils.RelSlash(s.baseDir, path)
		if err != nil {
			return true
		}
		path = rel
	}
	return s.ignore.MatchesPath(path)
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

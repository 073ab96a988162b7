package source

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultExcludes are always applied when walking a directory.
var defaultExcludes = []pattern{
	{glob: "**/.git", dirOnly: true},
	{glob: "**/.hg", dirOnly: true},
	{glob: "**/.svn", dirOnly: true},
}

// pattern is one gitignore rule converted to a doublestar glob.
type pattern struct {
	glob    string
	dirOnly bool
}

func (p pattern) match(rel string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	ok, err := doublestar.Match(p.glob, rel)
	return err == nil && ok
}

// loadIgnore reads every ignore file present in root. Missing files are
// skipped. The ignore files themselves are never ingested.
func loadIgnore(root string, names []string) ([]pattern, error) {
	patterns := append([]pattern(nil), defaultExcludes...)
	seen := make(map[pattern]bool)
	for _, name := range names {
		patterns = append(patterns, pattern{glob: name})
		filePatterns, err := parseIgnoreFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, p := range filePatterns {
			if !seen[p] {
				seen[p] = true
				patterns = append(patterns, p)
			}
		}
	}
	return patterns, nil
}

func parseIgnoreFile(path string) ([]pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p, ok := parseLine(scanner.Text()); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns, scanner.Err()
}

// parseLine converts a gitignore line. Comments, blank lines and negations
// yield ok=false; negation is not supported.
func parseLine(line string) (pattern, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return pattern{}, false
	}

	var p pattern
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	// A slash anywhere but the end anchors the rule to the root.
	if strings.Contains(line, "/") {
		line = strings.TrimPrefix(line, "/")
	} else if !strings.HasPrefix(line, "**/") {
		line = "**/" + line
	}
	if line == "" || line == "**/" {
		return pattern{}, false
	}
	p.glob = line
	return p, true
}

func excluded(patterns []pattern, rel string, isDir bool) bool {
	for _, p := range patterns {
		if p.match(rel, isDir) {
			return true
		}
	}
	return false
}

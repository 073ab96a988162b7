// Package source expands ingest arguments into plain text files. Arguments
// may name files, directories (walked recursively, honoring ignore files)
// or doublestar glob patterns.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
)

// DefaultMaxFileBytes bounds the size of a single ingested file.
const DefaultMaxFileBytes = 4 << 20

var ErrNoFiles = errors.New("no matching files")

// Skip reasons.
const (
	ReasonTooLarge = "too large"
	ReasonBinary   = "not text"
	ReasonEmpty    = "empty"
)

// File is one discovered text file.
type File struct {
	Path string
	// Rel is Path relative to the argument that produced it, slash
	// separated. For a plain file argument it is the base name.
	Rel  string
	Text string
}

// Skipped records a file that was found but not read.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Options configures Discover.
type Options struct {
	IgnoreFiles  []string
	MaxFileBytes int64
	Logger       *logging.Logger
}

// Result holds the files found for a set of arguments.
type Result struct {
	Files   []File
	Skipped []Skipped
}

// Discover expands args into files. The same path is returned once even
// when several arguments reach it.
func Discover(ctx context.Context, args []string, opts Options) (*Result, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	d := &discovery{opts: opts, seen: make(map[string]bool), res: &Result{}}

	for _, arg := range args {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(arg)
		switch {
		case err == nil && info.IsDir():
			err = d.walk(ctx, arg)
		case err == nil:
			err = d.add(ctx, arg, filepath.Base(arg))
		case errors.Is(err, fs.ErrNotExist) && hasMeta(arg):
			err = d.glob(ctx, arg)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
	}
	if len(d.res.Files) == 0 && len(d.res.Skipped) == 0 {
		return nil, ErrNoFiles
	}
	return d.res, nil
}

type discovery struct {
	opts Options
	seen map[string]bool
	res  *Result
}

func (d *discovery) walk(ctx context.Context, root string) error {
	patterns, err := loadIgnore(root, d.opts.IgnoreFiles)
	if err != nil {
		return fmt.Errorf("failed to read ignore files: %w", err)
	}
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(patterns, rel, entry.IsDir()) {
			d.opts.Logger.Debug(ctx, "ignored", zap.String("path", path))
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		return d.add(ctx, path, rel)
	})
}

func (d *discovery) glob(ctx context.Context, pattern string) error {
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	if len(matches) == 0 {
		return ErrNoFiles
	}
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	sort.Strings(matches)
	for _, m := range matches {
		rel, err := filepath.Rel(filepath.FromSlash(base), m)
		if err != nil {
			rel = filepath.Base(m)
		}
		if err := d.add(ctx, m, filepath.ToSlash(rel)); err != nil {
			return err
		}
	}
	return nil
}

func (d *discovery) add(ctx context.Context, path, rel string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if d.seen[abs] {
		return nil
	}
	d.seen[abs] = true

	text, reason, err := readText(path, d.opts.MaxFileBytes)
	if err != nil {
		return err
	}
	if reason != "" {
		d.opts.Logger.Info(ctx, "skipping file", zap.String("path", path), zap.String("reason", reason))
		d.res.Skipped = append(d.res.Skipped, Skipped{Path: path, Reason: reason})
		return nil
	}
	d.res.Files = append(d.res.Files, File{Path: path, Rel: rel, Text: text})
	return nil
}

// readText returns the file contents, or a skip reason when the file is
// oversized, empty or not text.
func readText(path string, limit int64) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", "", err
	}
	if info.Size() > limit {
		return "", ReasonTooLarge, nil
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", "", err
	}
	if int64(len(data)) > limit {
		return "", ReasonTooLarge, nil
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", ReasonEmpty, nil
	}
	if !utf8.Valid(data) || !isText(mimetype.Detect(data)) {
		return "", ReasonBinary, nil
	}
	return string(data), "", nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

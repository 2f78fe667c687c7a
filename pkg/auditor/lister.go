package auditor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Git is the subprocess slice needed for incremental scans.
type Git interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

// Scope selects what to scan. Empty Include means everything under the root.
// ChangedSince restricts the scan to files touched since a git revision.
type Scope struct {
	Include      []string
	Exclude      []string
	ChangedSince string
}

// FileLister expands a scope into relative file paths (forward slashes).
type FileLister struct {
	root string
	git  Git
}

// NewFileLister creates a lister rooted at root. git may be nil when
// ChangedSince is never used.
func NewFileLister(root string, git Git) *FileLister {
	return &FileLister{root: root, git: git}
}

// defaultExcludes are never scanned: VCS metadata, the governance directory
// itself, and the usual dependency trees.
var defaultExcludes = []string{
	".git/**", ".gitgov/**", "node_modules/**", "vendor/**",
}

// List resolves the scope to existing regular files.
func (l *FileLister) List(ctx context.Context, scope Scope) ([]string, error) {
	include, err := compileGlobs(scope.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(append(append([]string{}, defaultExcludes...), scope.Exclude...))
	if err != nil {
		return nil, err
	}

	if scope.ChangedSince != "" {
		return l.listChanged(ctx, scope.ChangedSince, include, exclude)
	}

	var files []string
	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(l.root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && matchAny(exclude, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if l.selected(rel, include, exclude) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", l.root, err)
	}
	sort.Strings(files)
	return files, nil
}

func (l *FileLister) listChanged(ctx context.Context, since string, include, exclude []*regexp.Regexp) ([]string, error) {
	if l.git == nil {
		return nil, fmt.Errorf("changedSince requires git access")
	}
	out, err := l.git.Exec(ctx, l.root, "diff", "--name-only", since)
	if err != nil {
		return nil, fmt.Errorf("diff since %s: %w", since, err)
	}
	var files []string
	for _, rel := range strings.Split(out, "\n") {
		rel = strings.TrimSpace(rel)
		if rel == "" || !l.selected(rel, include, exclude) {
			continue
		}
		// Deleted files still appear in the diff.
		if info, serr := os.Stat(filepath.Join(l.root, filepath.FromSlash(rel))); serr != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

func (l *FileLister) selected(rel string, include, exclude []*regexp.Regexp) bool {
	if matchAny(exclude, rel) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	return matchAny(include, rel)
}

func matchAny(patterns []*regexp.Regexp, rel string) bool {
	for _, p := range patterns {
		if p.MatchString(rel) {
			return true
		}
	}
	return false
}

func compileGlobs(globs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(globs))
	for _, g := range globs {
		re, err := globToRegexp(g)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", g, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// globToRegexp translates a slash-separated glob into an anchored regexp.
// `**` crosses directory boundaries, `*` and `?` stay within one segment.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				i++
				// "**/" also matches the empty prefix.
				if i+1 < len(glob) && glob[i+1] == '/' {
					i++
					b.WriteString(`(?:.*/)?`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

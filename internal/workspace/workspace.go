// Package workspace moves code maps between disk and memory.
package workspace

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/rs/zerolog/log"
)

// MaxFileSize bounds the files loaded into a code map.
const MaxFileSize = 1 << 20

// DefaultExclude is always applied in addition to configured excludes.
var DefaultExclude = []string{".git", ".shipgate", "node_modules", "vendor", "dist", "build"}

// Load reads every text file under root that matches include (all files when
// empty) and none of exclude. Binary and oversized files are skipped.
func Load(root string, include, exclude []string) (codemap.CodeMap, error) {
	excl := append(append([]string(nil), DefaultExclude...), exclude...)
	code := make(codemap.CodeMap)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if matchAny(excl, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if len(include) > 0 && !matchAny(include, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxFileSize {
			log.Debug().Str("file", rel).Int64("size", info.Size()).Msg("skipping oversized file")
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		if bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		code[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", root, err)
	}
	return code, nil
}

// Materialize writes code under dir, which is created if needed.
func Materialize(dir string, code codemap.CodeMap) error {
	for _, rel := range code.Paths() {
		dst, err := resolve(dir, rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, []byte(code[rel]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// Commit writes the listed files of code back to root atomically. Files
// listed but absent from code are removed.
func Commit(root string, code codemap.CodeMap, files []string) error {
	for _, rel := range files {
		dst, err := resolve(root, rel)
		if err != nil {
			return err
		}
		content, ok := code[rel]
		if !ok {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
			continue
		}
		if err := WriteFileAtomic(dst, []byte(content)); err != nil {
			return fmt.Errorf("commit %s: %w", rel, err)
		}
	}
	return nil
}

func resolve(root, rel string) (string, error) {
	clean := path.Clean(rel)
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// matchAny reports whether rel, its base name or any of its leading
// directories matches one of the patterns.
func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSuffix(filepath.ToSlash(pat), "/")
		if pat == "" {
			continue
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, path.Base(rel)); ok {
			return true
		}
		if strings.HasPrefix(rel, pat+"/") {
			return true
		}
	}
	return false
}

package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const maxPatternFileSize = 1 << 20

// patternFile is the on-disk layout shared by YAML and TOML files:
//
//	patterns:
//	  - name: auth-basic
//	    category: auth
//	    keywords: [auth, login]
//	    content: |
//	      ...
type patternFile struct {
	Patterns []Pattern `yaml:"patterns" toml:"patterns"`
}

// LoadDir reads every .yaml, .yml and .toml file directly under dir and
// returns a snapshot. Files are read in name order so errors are stable.
func LoadDir(dir string) (*Static, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isPatternFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	var all []Pattern
	for _, f := range files {
		ps, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, ps...)
	}
	return NewStatic(all)
}

// LoadFile decodes the patterns in a single file.
func LoadFile(path string) ([]Pattern, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxPatternFileSize {
		return nil, fmt.Errorf("pattern file %s too large: %d bytes", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var pf patternFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&pf); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	for i := range pf.Patterns {
		pf.Patterns[i].Source = filepath.Base(path)
	}
	return pf.Patterns, nil
}

func isPatternFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

package config

import (
	"os"
	"path"
	"path/filepath"

	"github.com/juju/errors"
)

// FullReader resolves config source names and reads whole sources.
type FullReader interface {
	Normalize(name string) string
	// nil,nil = not found
	ReadAll(path string) ([]byte, error)
}

// OsFullReader reads files, relative names are resolved against base directory.
type OsFullReader struct {
	base string
}

func NewOsFullReader(base string) *OsFullReader { return &OsFullReader{base: base} }

// SetBase changes directory for relative include names.
func (self *OsFullReader) SetBase(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.Annotatef(err, "config base=%s", dir)
	}
	self.base = abs
	return nil
}

func (self *OsFullReader) Normalize(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(self.base, name)
}

func (*OsFullReader) ReadAll(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		return b, nil
	case os.IsNotExist(err):
		return nil, nil
	}
	return nil, errors.Annotatef(err, "config read path=%s", path)
}

// MockFullReader serves sources from memory, keyed by name.
type MockFullReader map[string]string

func NewMockFullReader(sources map[string]string) MockFullReader { return MockFullReader(sources) }

func (self MockFullReader) Normalize(name string) string { return path.Clean(name) }

func (self MockFullReader) ReadAll(name string) ([]byte, error) {
	s, ok := self[name]
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}

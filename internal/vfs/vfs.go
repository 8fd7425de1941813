// Package vfs opens files relative to a repository directory.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
)

// VFS resolves slash-separated names under a base directory of an afero.Fs.
type VFS struct {
	fs   afero.Fs
	base string
}

func New(fs afero.Fs, base string) *VFS {
	return &VFS{fs: fs, base: base}
}

// NewMem returns a VFS over a fresh in-memory filesystem.
func NewMem() *VFS {
	return New(afero.NewMemMapFs(), "/")
}

func (v *VFS) Fs() afero.Fs { return v.fs }

func (v *VFS) Join(name string) string { return path.Join(v.base, name) }

// Sub returns a VFS rooted at name below v.
func (v *VFS) Sub(name string) *VFS { return &VFS{fs: v.fs, base: v.Join(name)} }

func (v *VFS) Read(name string) ([]byte, error) {
	return afero.ReadFile(v.fs, v.Join(name))
}

func (v *VFS) Exists(name string) bool {
	ok, err := afero.Exists(v.fs, v.Join(name))
	return err == nil && ok
}

// Size returns the file size, 0 if the file is missing.
func (v *VFS) Size(name string) (int64, error) {
	fi, err := v.fs.Stat(v.Join(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (v *VFS) ensureDir(name string) error {
	return v.fs.MkdirAll(path.Dir(v.Join(name)), 0o755)
}

// WriteAtomic replaces name with data through a temporary file and rename.
func (v *VFS) WriteAtomic(name string, data []byte) error {
	if err := v.ensureDir(name); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	full := v.Join(name)
	tmp := full + ".tmp"
	if err := afero.WriteFile(v.fs, tmp, data, 0o644); err != nil {
		_ = v.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := v.fs.Rename(tmp, full); err != nil {
		_ = v.fs.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// Append writes data at the end of name, creating it if needed.
func (v *VFS) Append(name string, data []byte) error {
	if err := v.ensureDir(name); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	f, err := v.fs.OpenFile(v.Join(name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteAt truncates name to offset and appends data after it.
func (v *VFS) WriteAt(name string, offset int64, data []byte) error {
	if err := v.ensureDir(name); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	f, err := v.fs.OpenFile(v.Join(name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if fi.Size() != offset {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Remove deletes name; a missing file is not an error.
func (v *VFS) Remove(name string) error {
	err := v.fs.Remove(v.Join(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

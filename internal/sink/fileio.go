package sink

import (
	"os"
	"path/filepath"
)

// saveFileAtomic writes a file by streaming into a tmp file in the same
// directory, fsyncing, closing, and renaming into place.
func saveFileAtomic(path string, mode os.FileMode, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func saveBytesAtomic(path string, data []byte, mode os.FileMode) error {
	return saveFileAtomic(path, mode, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson writes a pretty-printed JSON object to a file, creating parent
// directories if required. The write is atomic: content goes to a temp file
// in the target directory first and is renamed into place, so a crash never
// leaves a partially written file behind.
func WriteJson(file string, obj interface{}) error {
	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return WriteBytes(file, bs)
}

// WriteBytes atomically writes bytes to a file with owner-only permissions.
func WriteBytes(file string, bs []byte) error {
	dir, name, err := prepareFileDir(file)
	if err != nil {
		return fmt.Errorf("prepare dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	if err := os.Chmod(tempFileName, 0600); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("write: %w", err)
	}

	if err = tempFile.Close(); err != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	defer func() {
		if _, err := os.Stat(tempFileName); err == nil {
			_ = os.Remove(tempFileName)
		}
	}()

	if err = os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJson reads a JSON file and unmarshals it into res.
func ReadJson(file string, res interface{}) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	bs, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	return json.Unmarshal(bs, res)
}

// RemoveJson removes the specified file if it exists.
func RemoveJson(file string) error {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.Remove(file); err != nil {
		return fmt.Errorf("failed to remove %s: %w", file, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// CopyFileContents copies contents of the given src file to the dst file,
// creating parent directories of dst as needed.
func CopyFileContents(src, dst string) (err error) {
	if _, _, err = prepareFileDir(dst); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer func() {
		cErr := out.Close()
		if err == nil {
			err = cErr
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return
	}
	err = out.Sync()
	return
}

// BackupCorruptFile moves a file that failed to parse out of the way so the
// owner can recreate it from defaults without destroying evidence.
func BackupCorruptFile(file string, ts int64) {
	backupPath := fmt.Sprintf("%s.corrupted.%d", file, ts)
	if err := os.Rename(file, backupPath); err != nil {
		log.Errorf("failed to back up corrupted file %s: %v", file, err)
		return
	}
	log.Warnf("backed up corrupted file to %s", backupPath)
}

func prepareFileDir(file string) (string, string, error) {
	dir, name := filepath.Split(file)
	if dir == "" {
		return filepath.Dir(file), name, nil
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", "", err
	}

	return dir, name, nil
}

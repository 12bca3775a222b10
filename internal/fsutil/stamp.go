package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

const hashPrefix = "sha256:"

// Stamp identifies the on-disk state of a file at a point in time
type Stamp struct {
	Hash    string
	ModTime time.Time
	Size    int64
}

// Equal compares hash and modification time. Size is implied by the hash.
func (s Stamp) Equal(o Stamp) bool {
	return s.Hash == o.Hash && s.ModTime.Equal(o.ModTime)
}

// HashBytes returns the content hash as "sha256:<hex>"
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// ReadStamped reads a file and returns its content with a stamp taken from the
// same open handle. It returns an error wrapping fs.ErrNotExist when the file
// is missing.
func ReadStamped(path string) ([]byte, Stamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, Stamp{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, Stamp{}, fmt.Errorf("%s is a directory", path)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, Stamp{}, fmt.Errorf("read %s: %w", path, err)
	}

	return data, Stamp{
		Hash:    HashBytes(data),
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}, nil
}

// Exists reports whether path exists. Errors other than not-exist are returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Package blob abstracts the object storage that holds the ordered corpus,
// the serialized tries and the raw collected phrases. Blob names are
// slash-separated and absolute, for example "/phrases/5_tries/t1/|mod".
// Blobs are immutable once written.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ErrNotFound is returned when a blob does not exist. It maps to
// os.ErrNotExist so filesystem errors satisfy errors.Is directly.
var ErrNotFound = os.ErrNotExist

// Store reads and writes whole blobs.
type Store interface {
	// Open streams a blob. The caller closes the reader.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Put writes a blob from r. size may be -1 when unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// List returns the sorted names of every blob whose name starts with
	// prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes a blob; deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

// Key converts a blob name into a backend object key.
func Key(name string) string {
	return strings.TrimPrefix(name, "/")
}

// Name converts a backend object key back into a blob name.
func Name(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}

// ReadAll returns the full contents of a blob.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	rc, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", name, err)
	}
	return data, nil
}

// PutBytes writes data as a blob.
func PutBytes(ctx context.Context, s Store, name string, data []byte) error {
	return s.Put(ctx, name, bytes.NewReader(data), int64(len(data)))
}

// Dirs returns the distinct first path elements of names below prefix,
// sorted. It turns a flat listing into the "directories" under prefix.
func Dirs(names []string, prefix string) []string {
	prefix = Name(prefix)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := map[string]struct{}{}
	for _, n := range names {
		n = Name(n)
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		dir, _, nested := strings.Cut(n[len(prefix):], "/")
		if dir == "" || !nested {
			continue
		}
		seen[dir] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

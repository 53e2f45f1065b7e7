// Package coord defines the hierarchical metadata store that the assembler,
// the replicas and the applier coordinate through. Paths are slash-separated
// and absolute; every node holds an opaque byte value and may have children.
// Ephemeral nodes live only as long as the session that created them.
package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrNoNode        = errors.New("coord: node does not exist")
	ErrNodeExists    = errors.New("coord: node already exists")
	ErrNotEmpty      = errors.New("coord: node has children")
	ErrSessionClosed = errors.New("coord: session closed")
	ErrConflict      = errors.New("coord: concurrent modification")
	ErrValueChanged  = errors.New("coord: value differs from expected")
)

// CreateMode controls the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

// IsEphemeral reports whether nodes created in this mode vanish with their
// session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether a per-parent sequence number is appended to
// the requested name.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case PersistentSequential:
		return "persistent_sequential"
	case EphemeralSequential:
		return "ephemeral_sequential"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// EventType classifies a change notification.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDataChanged
	EventDeleted
	EventChildrenChanged
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDataChanged:
		return "data_changed"
	case EventDeleted:
		return "deleted"
	case EventChildrenChanged:
		return "children_changed"
	default:
		return "unknown"
	}
}

// Event reports a change to the subscribed path.
type Event struct {
	Type EventType
	Path string
}

// Op is one write inside a Commit. Only value updates of existing nodes
// take part in a multi-write.
type Op struct {
	Path string
	Data []byte
	// When Guarded is set the whole Commit fails with ErrValueChanged
	// unless the node currently holds Expect.
	Guarded bool
	Expect  []byte
}

// SetOp builds an Op that overwrites the value of path.
func SetOp(p string, data []byte) Op {
	return Op{Path: p, Data: data}
}

// SetIfOp builds an Op that overwrites path only while it still holds
// expect.
func SetIfOp(p string, expect, data []byte) Op {
	return Op{Path: p, Data: data, Guarded: true, Expect: expect}
}

// Store is a session on the coordination store.
type Store interface {
	// Get returns the value of path or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Set overwrites the value of an existing node.
	Set(ctx context.Context, path string, data []byte) error
	// EnsurePath creates path and any missing ancestors as empty persistent
	// nodes. Existing nodes are left untouched.
	EnsurePath(ctx context.Context, path string) error
	// Create makes a new node under an existing parent and returns its full
	// path. Sequential modes append a 10-digit zero-padded counter that is
	// strictly increasing per parent.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// Delete removes a childless node.
	Delete(ctx context.Context, path string) error
	// Children returns the names of the direct children of path, sorted.
	Children(ctx context.Context, path string) ([]string, error)
	// Commit applies every op or none of them.
	Commit(ctx context.Context, ops ...Op) error
	// Subscribe delivers change events for path until ctx is done or the
	// session closes, then closes the channel. Bursts of events may be
	// coalesced, so receivers should re-read state rather than count events.
	Subscribe(ctx context.Context, path string) (<-chan Event, error)
	Ping(ctx context.Context) error
	// Close ends the session; its ephemeral nodes are removed.
	Close() error
}

// SequenceWidth is the number of digits of a sequential node suffix.
const SequenceWidth = 10

// FormatSequence renders a sequential node suffix.
func FormatSequence(n int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, n)
}

// Clean validates and normalizes an absolute path. Path elements are kept
// verbatim apart from duplicate and trailing slashes.
func Clean(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("coord: path %q must be absolute", p)
	}
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("coord: path %q contains relative element", p)
		}
		kept = append(kept, part)
	}
	return "/" + strings.Join(kept, "/"), nil
}

// SplitCreate splits the path given to Create into the parent and the
// requested child name. A trailing slash asks for a sequential node with an
// empty name prefix, as in "/a/nodes/".
func SplitCreate(p string, mode CreateMode) (parent, name string, err error) {
	clean, err := Clean(p)
	if err != nil {
		return "", "", err
	}
	if strings.HasSuffix(p, "/") && clean != "/" {
		if !mode.IsSequential() {
			return "", "", fmt.Errorf("coord: path %q names no node", p)
		}
		return clean, "", nil
	}
	if clean == "/" {
		return "", "", fmt.Errorf("create /: %w", ErrNodeExists)
	}
	return Parent(clean), Base(clean), nil
}

// Parent returns the parent of a cleaned path; the root is its own parent.
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last element of a cleaned path.
func Base(p string) string {
	return path.Base(p)
}

// Join appends a child name to a cleaned path.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// GetString returns the value of path as a string, treating a missing node
// as empty.
func GetString(ctx context.Context, s Store, p string) (string, error) {
	data, err := s.Get(ctx, p)
	if errors.Is(err, ErrNoNode) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Upsert sets the value of path, creating it and its ancestors if needed.
func Upsert(ctx context.Context, s Store, p string, data []byte) error {
	err := s.Set(ctx, p, data)
	if !errors.Is(err, ErrNoNode) {
		return err
	}
	if err := s.EnsurePath(ctx, Parent(p)); err != nil {
		return err
	}
	_, err = s.Create(ctx, p, data, Persistent)
	if errors.Is(err, ErrNodeExists) {
		return s.Set(ctx, p, data)
	}
	return err
}

// WatchData calls fn with the current value of path and again after every
// change, on the calling goroutine, until ctx is done. A missing node is
// reported with exists=false.
func WatchData(ctx context.Context, s Store, p string, fn func(data []byte, exists bool)) error {
	events, err := s.Subscribe(ctx, p)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", p, err)
	}
	deliver := func() error {
		data, err := s.Get(ctx, p)
		switch {
		case errors.Is(err, ErrNoNode):
			fn(nil, false)
		case err != nil:
			return err
		default:
			fn(data, true)
		}
		return nil
	}
	if err := deliver(); err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrSessionClosed
			}
			if err := deliver(); err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
		}
	}
}

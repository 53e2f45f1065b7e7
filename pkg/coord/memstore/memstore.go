// Package memstore is an in-process coordination store. A Cluster holds one
// tree shared by any number of sessions, which makes it suitable for tests
// and single-process deployments that still exercise ephemeral claims.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
)

const subscriptionBuffer = 8

type znode struct {
	data     []byte
	owner    int64
	seq      int64
	children map[string]struct{}
}

type subscription struct {
	path    string
	session int64

	mu     sync.Mutex
	ch     chan coord.Event
	closed bool
}

func (s *subscription) send(ev coord.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Cluster is a tree of nodes shared by its sessions.
type Cluster struct {
	mu          sync.Mutex
	nodes       map[string]*znode
	nextSession int64

	subs   *xsync.MapOf[uint64, *subscription]
	nextID atomic.Uint64
}

// NewCluster returns an empty tree containing only the root.
func NewCluster() *Cluster {
	return &Cluster{
		nodes: map[string]*znode{
			"/": {children: map[string]struct{}{}},
		},
		subs: xsync.NewMapOf[uint64, *subscription](),
	}
}

// Session opens a new session on the cluster.
func (c *Cluster) Session() *Session {
	c.mu.Lock()
	c.nextSession++
	id := c.nextSession
	c.mu.Unlock()
	return &Session{cluster: c, id: id}
}

func (c *Cluster) notify(events []coord.Event) {
	if len(events) == 0 {
		return
	}
	c.subs.Range(func(_ uint64, sub *subscription) bool {
		for _, ev := range events {
			if ev.Path == sub.path {
				sub.send(ev)
			}
		}
		return true
	})
}

// Session is one client of a Cluster. It implements coord.Store.
type Session struct {
	cluster *Cluster
	id      int64
	closed  atomic.Bool
}

var _ coord.Store = (*Session)(nil)

// ID returns the session identifier.
func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) check(p string) (string, error) {
	if s.closed.Load() {
		return "", coord.ErrSessionClosed
	}
	return coord.Clean(p)
}

func (s *Session) Get(_ context.Context, p string) ([]byte, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", p, coord.ErrNoNode)
	}
	return append([]byte(nil), n.data...), nil
}

func (s *Session) Exists(_ context.Context, p string) (bool, error) {
	p, err := s.check(p)
	if err != nil {
		return false, err
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[p]
	return ok, nil
}

func (s *Session) Set(_ context.Context, p string, data []byte) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	c := s.cluster
	c.mu.Lock()
	n, ok := c.nodes[p]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("set %s: %w", p, coord.ErrNoNode)
	}
	n.data = append([]byte(nil), data...)
	c.mu.Unlock()

	c.notify([]coord.Event{{Type: coord.EventDataChanged, Path: p}})
	return nil
}

func (s *Session) EnsurePath(_ context.Context, p string) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	c := s.cluster
	var events []coord.Event
	c.mu.Lock()
	cur := "/"
	for _, name := range splitPath(p) {
		next := coord.Join(cur, name)
		if _, ok := c.nodes[next]; !ok {
			parent := c.nodes[cur]
			if parent.owner != 0 {
				c.mu.Unlock()
				return fmt.Errorf("ensure %s: ephemeral node %s cannot have children", p, cur)
			}
			c.nodes[next] = &znode{children: map[string]struct{}{}}
			parent.children[name] = struct{}{}
			events = append(events,
				coord.Event{Type: coord.EventCreated, Path: next},
				coord.Event{Type: coord.EventChildrenChanged, Path: cur},
			)
		}
		cur = next
	}
	c.mu.Unlock()

	c.notify(events)
	return nil
}

func (s *Session) Create(_ context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	if s.closed.Load() {
		return "", coord.ErrSessionClosed
	}
	parentPath, name, err := coord.SplitCreate(p, mode)
	if err != nil {
		return "", err
	}
	c := s.cluster

	c.mu.Lock()
	parent, ok := c.nodes[parentPath]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("create %s: parent %s: %w", p, parentPath, coord.ErrNoNode)
	}
	if parent.owner != 0 {
		c.mu.Unlock()
		return "", fmt.Errorf("create %s: ephemeral node %s cannot have children", p, parentPath)
	}
	if mode.IsSequential() {
		name += coord.FormatSequence(parent.seq)
		parent.seq++
	}
	full := coord.Join(parentPath, name)
	if _, exists := c.nodes[full]; exists {
		c.mu.Unlock()
		return "", fmt.Errorf("create %s: %w", full, coord.ErrNodeExists)
	}
	n := &znode{data: append([]byte(nil), data...), children: map[string]struct{}{}}
	if mode.IsEphemeral() {
		n.owner = s.id
	}
	c.nodes[full] = n
	parent.children[name] = struct{}{}
	c.mu.Unlock()

	c.notify([]coord.Event{
		{Type: coord.EventCreated, Path: full},
		{Type: coord.EventChildrenChanged, Path: parentPath},
	})
	return full, nil
}

func (s *Session) Delete(_ context.Context, p string) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	c := s.cluster
	c.mu.Lock()
	events, err := c.deleteLocked(p)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(events)
	return nil
}

func (c *Cluster) deleteLocked(p string) ([]coord.Event, error) {
	if p == "/" {
		return nil, fmt.Errorf("delete /: root cannot be deleted")
	}
	n, ok := c.nodes[p]
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", p, coord.ErrNoNode)
	}
	if len(n.children) > 0 {
		return nil, fmt.Errorf("delete %s: %w", p, coord.ErrNotEmpty)
	}
	parentPath := coord.Parent(p)
	delete(c.nodes, p)
	if parent, ok := c.nodes[parentPath]; ok {
		delete(parent.children, coord.Base(p))
	}
	return []coord.Event{
		{Type: coord.EventDeleted, Path: p},
		{Type: coord.EventChildrenChanged, Path: parentPath},
	}, nil
}

func (s *Session) Children(_ context.Context, p string) ([]string, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", p, coord.ErrNoNode)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Session) Commit(_ context.Context, ops ...coord.Op) error {
	if s.closed.Load() {
		return coord.ErrSessionClosed
	}
	cleaned := make([]string, len(ops))
	for i, op := range ops {
		p, err := coord.Clean(op.Path)
		if err != nil {
			return err
		}
		cleaned[i] = p
	}
	c := s.cluster
	c.mu.Lock()
	for i, p := range cleaned {
		n, ok := c.nodes[p]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("commit %s: %w", p, coord.ErrNoNode)
		}
		if ops[i].Guarded && !bytes.Equal(n.data, ops[i].Expect) {
			c.mu.Unlock()
			return fmt.Errorf("commit %s: %w", p, coord.ErrValueChanged)
		}
	}
	events := make([]coord.Event, 0, len(ops))
	for i, op := range ops {
		c.nodes[cleaned[i]].data = append([]byte(nil), op.Data...)
		events = append(events, coord.Event{Type: coord.EventDataChanged, Path: cleaned[i]})
	}
	c.mu.Unlock()

	c.notify(events)
	return nil
}

func (s *Session) Subscribe(ctx context.Context, p string) (<-chan coord.Event, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	c := s.cluster
	sub := &subscription{
		path:    p,
		session: s.id,
		ch:      make(chan coord.Event, subscriptionBuffer),
	}
	id := c.nextID.Add(1)
	c.subs.Store(id, sub)
	go func() {
		<-ctx.Done()
		c.subs.Delete(id)
		sub.close()
	}()
	return sub.ch, nil
}

func (s *Session) Ping(context.Context) error {
	if s.closed.Load() {
		return coord.ErrSessionClosed
	}
	return nil
}

// Close ends the session and removes its ephemeral nodes.
func (s *Session) Close() error {
	s.Expire()
	return nil
}

// Expire simulates the store timing out the session: ephemeral nodes are
// removed and the session's subscriptions are closed.
func (s *Session) Expire() {
	if s.closed.Swap(true) {
		return
	}
	c := s.cluster
	var events []coord.Event
	c.mu.Lock()
	var owned []string
	for p, n := range c.nodes {
		if n.owner == s.id {
			owned = append(owned, p)
		}
	}
	for _, p := range owned {
		evs, err := c.deleteLocked(p)
		if err == nil {
			events = append(events, evs...)
		}
	}
	c.mu.Unlock()

	c.notify(events)
	c.subs.Range(func(id uint64, sub *subscription) bool {
		if sub.session == s.id {
			c.subs.Delete(id)
			sub.close()
		}
		return true
	})
}

func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	var parts []string
	start := 1
	for i := 1; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	return parts
}

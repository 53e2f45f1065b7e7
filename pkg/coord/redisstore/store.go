// Package redisstore implements the coordination store on Redis.
//
// Each node's value lives at <prefix>data:<path> and its children are kept
// in the sorted set <prefix>children:<path>. Ephemeral nodes carry an owner
// tag naming a session; a session is alive while <prefix>session:<id>
// exists, and a heartbeat goroutine keeps refreshing its TTL. Nodes owned by
// a lapsed session are invisible to reads and are reaped lazily by Children.
// Changes are announced on the <prefix>events pub/sub channel.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/coord"
)

const (
	commitRetries      = 3
	subscriptionBuffer = 8
)

// Store is one session on a Redis-backed coordination tree.
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	beat   time.Duration
	logger *slog.Logger

	session atomic.Value // string
	closed  atomic.Bool

	pubsub *redis.PubSub
	subs   *xsync.MapOf[uint64, *subscription]
	nextID atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ coord.Store = (*Store)(nil)

// New connects to Redis, opens a session and starts its heartbeat.
func New(ctx context.Context, cfg config.CoordinationConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("coordination redis ping failed: %w", err)
	}
	return newStore(ctx, rdb, cfg)
}

func newStore(ctx context.Context, rdb *redis.Client, cfg config.CoordinationConfig) (*Store, error) {
	bg, cancel := context.WithCancel(context.Background())
	s := &Store{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.SessionTTL,
		beat:   cfg.HeartbeatInterval,
		logger: slog.Default().With("component", "coord-redis"),
		subs:   xsync.NewMapOf[uint64, *subscription](),
		cancel: cancel,
	}
	if err := s.openSession(ctx); err != nil {
		cancel()
		_ = rdb.Close()
		return nil, err
	}

	s.pubsub = rdb.Subscribe(bg, s.prefix+"events")
	if _, err := s.pubsub.Receive(ctx); err != nil {
		cancel()
		_ = rdb.Close()
		return nil, fmt.Errorf("subscribing to coordination events: %w", err)
	}

	s.wg.Add(2)
	go s.heartbeat(bg)
	go s.dispatch()
	s.logger.Info("coordination session opened", "session", s.SessionID(), "ttl", s.ttl)
	return s, nil
}

// SessionID returns the identifier of the current session.
func (s *Store) SessionID() string {
	id, _ := s.session.Load().(string)
	return id
}

func (s *Store) openSession(ctx context.Context) error {
	id := uuid.NewString()
	if err := s.rdb.Set(ctx, s.key("session", id), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("opening coordination session: %w", err)
	}
	s.session.Store(id)
	return nil
}

// heartbeat refreshes the session TTL. When the session has already lapsed
// its ephemerals are gone, so a fresh session is opened and owners are
// expected to notice their missing nodes.
func (s *Store) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.beat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.rdb.PExpire(ctx, s.key("session", s.SessionID()), s.ttl).Result()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("session heartbeat failed", "error", err)
				}
				continue
			}
			if !ok {
				old := s.SessionID()
				if err := s.openSession(ctx); err != nil {
					s.logger.Error("reopening expired session failed", "error", err)
					continue
				}
				s.logger.Warn("coordination session expired, opened a new one",
					"expired", old, "session", s.SessionID())
			}
		}
	}
}

func (s *Store) dispatch() {
	defer s.wg.Done()
	for msg := range s.pubsub.Channel() {
		kind, p, ok := strings.Cut(msg.Payload, " ")
		if !ok {
			continue
		}
		ev := coord.Event{Path: p}
		switch kind {
		case "created":
			ev.Type = coord.EventCreated
		case "data":
			ev.Type = coord.EventDataChanged
		case "deleted":
			ev.Type = coord.EventDeleted
		case "children":
			ev.Type = coord.EventChildrenChanged
		default:
			continue
		}
		s.subs.Range(func(_ uint64, sub *subscription) bool {
			if sub.path == p {
				sub.send(ev)
			}
			return true
		})
	}
}

func (s *Store) key(kind, p string) string {
	return s.prefix + kind + ":" + p
}

func (s *Store) check(p string) (string, error) {
	if s.closed.Load() {
		return "", coord.ErrSessionClosed
	}
	return coord.Clean(p)
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	v, err := getScript.Run(ctx, s.rdb, nil, s.prefix, p).Text()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", p, err)
	}
	return []byte(v), nil
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Get(ctx, p)
	if errors.Is(err, coord.ErrNoNode) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Set(ctx context.Context, p string, data []byte) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	n, err := setScript.Run(ctx, s.rdb, nil, s.prefix, p, data).Int()
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	if n == 0 {
		return fmt.Errorf("set %s: %w", p, coord.ErrNoNode)
	}
	return nil
}

func (s *Store) EnsurePath(ctx context.Context, p string) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	cur := ""
	for _, name := range strings.Split(p[1:], "/") {
		cur += "/" + name
		if _, err := s.Create(ctx, cur, nil, coord.Persistent); err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("ensure %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	if s.closed.Load() {
		return "", coord.ErrSessionClosed
	}
	parent, name, err := coord.SplitCreate(p, mode)
	if err != nil {
		return "", err
	}
	res, err := createScript.Run(ctx, s.rdb, nil,
		s.prefix, parent, name, data, flag(mode.IsEphemeral()), flag(mode.IsSequential()), s.SessionID(),
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	switch res[0] {
	case "ok":
		return res[1], nil
	case "nonode":
		return "", fmt.Errorf("create %s: parent %s: %w", p, parent, coord.ErrNoNode)
	case "exists":
		return "", fmt.Errorf("create %s: %w", p, coord.ErrNodeExists)
	case "ephparent":
		return "", fmt.Errorf("create %s: ephemeral node %s cannot have children", p, parent)
	case "closed":
		return "", fmt.Errorf("create %s: %w", p, coord.ErrSessionClosed)
	default:
		return "", fmt.Errorf("create %s: unexpected script result %q", p, res[0])
	}
}

func (s *Store) Delete(ctx context.Context, p string) error {
	p, err := s.check(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return errors.New("delete /: root cannot be deleted")
	}
	res, err := deleteScript.Run(ctx, s.rdb, nil, s.prefix, p, coord.Parent(p), coord.Base(p)).Text()
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	switch res {
	case "ok":
		return nil
	case "nonode":
		return fmt.Errorf("delete %s: %w", p, coord.ErrNoNode)
	case "notempty":
		return fmt.Errorf("delete %s: %w", p, coord.ErrNotEmpty)
	default:
		return fmt.Errorf("delete %s: unexpected script result %q", p, res)
	}
}

func (s *Store) Children(ctx context.Context, p string) ([]string, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	names, err := childrenScript.Run(ctx, s.rdb, nil, s.prefix, p).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("children %s: %w", p, coord.ErrNoNode)
	}
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", p, err)
	}
	return names, nil
}

// Commit applies the ops in one MULTI/EXEC guarded by WATCH on every target.
// A concurrent write to a watched node aborts the transaction, which is
// retried a few times before ErrConflict is returned.
func (s *Store) Commit(ctx context.Context, ops ...coord.Op) error {
	if s.closed.Load() {
		return coord.ErrSessionClosed
	}
	if len(ops) == 0 {
		return nil
	}
	paths := make([]string, len(ops))
	keys := make([]string, len(ops))
	for i, op := range ops {
		p, err := coord.Clean(op.Path)
		if err != nil {
			return err
		}
		paths[i] = p
		keys[i] = s.key("data", p)
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if int(n) != len(uniq(keys)) {
			return fmt.Errorf("commit: %w", coord.ErrNoNode)
		}
		for i, op := range ops {
			if !op.Guarded {
				continue
			}
			current, err := tx.Get(ctx, keys[i]).Bytes()
			if err != nil {
				return err
			}
			if !bytes.Equal(current, op.Expect) {
				return fmt.Errorf("commit %s: %w", paths[i], coord.ErrValueChanged)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range ops {
				pipe.Set(ctx, keys[i], op.Data, 0)
			}
			for _, p := range paths {
				pipe.Publish(ctx, s.prefix+"events", "data "+p)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < commitRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("commit conflicted, retrying", "attempt", attempt+1)
	}
	return coord.ErrConflict
}

func (s *Store) Subscribe(ctx context.Context, p string) (<-chan coord.Event, error) {
	p, err := s.check(p)
	if err != nil {
		return nil, err
	}
	sub := &subscription{path: p, ch: make(chan coord.Event, subscriptionBuffer)}
	id := s.nextID.Add(1)
	s.subs.Store(id, sub)
	go func() {
		<-ctx.Done()
		s.subs.Delete(id)
		sub.close()
	}()
	return sub.ch, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return coord.ErrSessionClosed
	}
	return s.rdb.Ping(ctx).Err()
}

// Close removes the session's ephemeral nodes and disconnects.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closeScript.Run(ctx, s.rdb, nil, s.prefix, s.SessionID()).Err(); err != nil {
		s.logger.Warn("removing session ephemerals failed", "error", err)
	}
	_ = s.pubsub.Close()
	s.wg.Wait()
	s.subs.Range(func(id uint64, sub *subscription) bool {
		s.subs.Delete(id)
		sub.close()
		return true
	})
	s.logger.Info("coordination session closed", "session", s.SessionID())
	return s.rdb.Close()
}

type subscription struct {
	path   string
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

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func uniq(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultOutboxCapacity = 1024

var ErrInvalidInput = errors.New("invalid input")

// Outbox buffers messages for the indexer while it is slow or disconnected.
type Outbox interface {
	TryEnqueue(msg Message) bool
	Enqueue(ctx context.Context, msg Message) bool
	Dequeue(ctx context.Context) (Message, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryOutbox struct {
	ch chan Message
}

func NewMemoryOutbox(capacity int) Outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &memoryOutbox{ch: make(chan Message, capacity)}
}

func (q *memoryOutbox) TryEnqueue(msg Message) bool {
	if msg.Type == "" {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

func (q *memoryOutbox) Enqueue(ctx context.Context, msg Message) bool {
	if msg.Type == "" {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryOutbox) Dequeue(ctx context.Context) (Message, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	}
}

func (q *memoryOutbox) Depth() int    { return len(q.ch) }
func (q *memoryOutbox) Capacity() int { return cap(q.ch) }
func (q *memoryOutbox) Close() error  { return nil }

// fileOutbox keeps pending messages in a JSON file so index requests queued
// while the indexer is away survive a restart.
type fileOutbox struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Message
}

type fileOutboxState struct {
	Items []Message `json:"items"`
}

func NewFileOutbox(path string, capacity int) (Outbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	q := &fileOutbox{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Message{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileOutbox) TryEnqueue(msg Message) bool {
	if msg.Type == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, msg)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileOutbox) Enqueue(ctx context.Context, msg Message) bool {
	for {
		if q.TryEnqueue(msg) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileOutbox) Dequeue(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]Message{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Message{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileOutbox) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileOutbox) Capacity() int {
	return q.capacity
}

func (q *fileOutbox) Close() error {
	return nil
}

func (q *fileOutbox) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOutboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Message(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Message(nil), snapshot.Items...)
	return nil
}

func (q *fileOutbox) saveLocked() error {
	data, err := json.Marshal(fileOutboxState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// BuildOutboxFromDSN picks the outbox implementation from the DSN scheme. An
// empty DSN yields an in-memory outbox.
func BuildOutboxFromDSN(dsn string, capacity int) (Outbox, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryOutbox(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path := strings.TrimSpace(parsed.Path)
		if scheme == "" {
			path = dsn
		}
		if parsed.Host != "" {
			path = filepath.Join(parsed.Host, path)
		}
		return NewFileOutbox(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryOutbox(capacity), nil
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

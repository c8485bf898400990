package indexing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/metrics"
	"github.com/agentworkforce/relaymail/internal/notify"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

const (
	DefaultPortionSize    = 300
	DefaultTimeout        = 30 * time.Second
	maxCompletedResponses = 1024
)

// Source lists what a full re-index pass sends to the indexer.
type Source interface {
	AccountKeys() []maildb.AccountKey
	IndexableMails(key maildb.AccountKey) ([]IndexableMail, error)
}

type Options struct {
	PortionSize int
	Outbox      Outbox
	Source      Source
	Bus         *notify.Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Coordinator sends index and search requests to the indexer and matches
// the answers to their requests by uid.
type Coordinator struct {
	portionSize int
	outbox      Outbox
	source      Source
	bus         *notify.Bus
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu        sync.Mutex
	waiters   map[string]chan Message
	completed map[string]Message
	order     []string
	reindex   map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewCoordinator(opts Options) *Coordinator {
	portionSize := opts.PortionSize
	if portionSize <= 0 {
		portionSize = DefaultPortionSize
	}
	outbox := opts.Outbox
	if outbox == nil {
		outbox = NewMemoryOutbox(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		portionSize: portionSize,
		outbox:      outbox,
		source:      opts.Source,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      logger,
		waiters:     map[string]chan Message{},
		completed:   map[string]Message{},
		reindex:     map[string]context.CancelFunc{},
	}
}

// RequestIndex queues req in portions of at most PortionSize added mails and
// returns one uid per queued portion. It never waits for the indexer.
func (c *Coordinator) RequestIndex(ctx context.Context, req IndexRequest) []string {
	if req.Empty() {
		return nil
	}
	messages := c.portions(req)
	uids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if !c.outbox.TryEnqueue(msg) {
			c.logger.WarnContext(ctx, "indexer outbox full, dropping index request",
				"login", req.Key.Login,
				"uid", msg.UID,
				"depth", c.outbox.Depth(),
			)
			continue
		}
		uids = append(uids, msg.UID)
	}
	c.metrics.IndexRequested(len(uids))
	return uids
}

func (c *Coordinator) portions(req IndexRequest) []Message {
	key := req.Key
	var out []Message
	remove := req.Remove
	for start := 0; start < len(req.Add) || (start == 0 && len(remove) > 0); start += c.portionSize {
		end := start + c.portionSize
		if end > len(req.Add) {
			end = len(req.Add)
		}
		msg := Message{
			Type:   MessageIndex,
			UID:    uuid.NewString(),
			Key:    &key,
			Add:    req.Add[start:end],
			Remove: remove,
		}
		remove = nil
		out = append(out, msg)
	}
	return out
}

// AwaitIndexResult waits for the indexer's answer to the portion uid and
// fails with a timeout error once timeout elapses.
func (c *Coordinator) AwaitIndexResult(ctx context.Context, uid string, timeout time.Duration) (Result, error) {
	msg, err := c.await(ctx, uid, timeout)
	if err != nil {
		return Result{}, err
	}
	return Result{UID: msg.UID, Indexed: msg.Indexed, Removed: msg.Removed}, nil
}

// Search asks the indexer for mails of key matching query.
func (c *Coordinator) Search(ctx context.Context, key maildb.AccountKey, query string, timeout time.Duration) ([]SearchItem, error) {
	uid := uuid.NewString()
	ch := c.register(uid)
	msg := Message{Type: MessageSearch, UID: uid, Key: &key, Query: query}
	if !c.outbox.TryEnqueue(msg) {
		c.unregister(uid)
		return nil, syncerr.New(syncerr.KindInternal, "indexer outbox is full")
	}
	response, err := c.wait(ctx, uid, ch, timeout)
	if err != nil {
		return nil, err
	}
	return response.Items, nil
}

func (c *Coordinator) await(ctx context.Context, uid string, timeout time.Duration) (Message, error) {
	msg, done, ch := c.claim(uid)
	if done {
		return responseError(msg)
	}
	return c.wait(ctx, uid, ch, timeout)
}

// claim takes the stored response for uid, or registers a waiter for it when
// none has arrived yet. Both happen under one lock so deliver sees either the
// waiter or nothing.
func (c *Coordinator) claim(uid string) (Message, bool, chan Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg, ok := c.completed[uid]; ok {
		delete(c.completed, uid)
		return msg, true, nil
	}
	return Message{}, false, c.registerLocked(uid)
}

func (c *Coordinator) register(uid string) chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(uid)
}

func (c *Coordinator) registerLocked(uid string) chan Message {
	ch, ok := c.waiters[uid]
	if !ok {
		ch = make(chan Message, 1)
		c.waiters[uid] = ch
	}
	return ch
}

func (c *Coordinator) unregister(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, uid)
}

func (c *Coordinator) wait(ctx context.Context, uid string, ch chan Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return responseError(msg)
	case <-timer.C:
		c.unregister(uid)
		c.metrics.IndexTimedOut()
		return Message{}, syncerr.Timeout("indexer did not answer %s within %s", uid, timeout)
	case <-ctx.Done():
		c.unregister(uid)
		return Message{}, ctx.Err()
	}
}

func responseError(msg Message) (Message, error) {
	if msg.Type == MessageError {
		return msg, syncerr.New(syncerr.KindInternal, "indexer: %s", msg.Error)
	}
	return msg, nil
}

// deliver hands a correlated response to its waiter, or keeps it for a
// later Await.
func (c *Coordinator) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[msg.UID]; ok {
		delete(c.waiters, msg.UID)
		ch <- msg
		return
	}
	if _, ok := c.completed[msg.UID]; !ok {
		c.order = append(c.order, msg.UID)
	}
	c.completed[msg.UID] = msg
	for len(c.order) > maxCompletedResponses {
		delete(c.completed, c.order[0])
		c.order = c.order[1:]
	}
}

// HandleMessage processes one message received from the indexer.
func (c *Coordinator) HandleMessage(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageIndexingResult, MessageSearchResult:
		c.deliver(msg)
	case MessageBootstrapped:
		c.logger.InfoContext(ctx, "indexer bootstrapped, re-indexing all accounts")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.ReindexAll(ctx)
		}()
	case MessageProgressState:
		if msg.Progress != nil {
			c.bus.Publish(notify.DbIndexerProgressState{State: *msg.Progress})
		}
	case MessageError:
		c.logger.ErrorContext(ctx, "indexer reported an error", "uid", msg.UID, "error", msg.Error)
		c.bus.Publish(notify.IndexerError{UID: msg.UID, Message: msg.Error})
		if msg.UID != "" {
			c.deliver(msg)
		}
	default:
		c.logger.WarnContext(ctx, "unexpected indexer message", "type", msg.Type, "uid", msg.UID)
	}
}

// ReindexAll sends every mail of every account known to the source. An
// account's pass stops early when CancelAccount is called for it.
func (c *Coordinator) ReindexAll(ctx context.Context) {
	if c.source == nil {
		return
	}
	for _, key := range c.source.AccountKeys() {
		if ctx.Err() != nil {
			return
		}
		if err := c.reindexAccount(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WarnContext(ctx, "re-index account failed", "login", key.Login, "error", err)
		}
	}
}

func (c *Coordinator) reindexAccount(ctx context.Context, key maildb.AccountKey) error {
	accountCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if previous, ok := c.reindex[key.Login]; ok {
		previous()
	}
	c.reindex[key.Login] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.reindex, key.Login)
		c.mu.Unlock()
	}()

	mails, err := c.source.IndexableMails(key)
	if err != nil {
		return err
	}
	sent := 0
	for _, msg := range c.portions(IndexRequest{Key: key, Add: mails}) {
		if !c.outbox.Enqueue(accountCtx, msg) {
			return context.Canceled
		}
		sent++
	}
	c.metrics.IndexRequested(sent)
	c.logger.InfoContext(ctx, "re-index queued", "login", key.Login, "mails", len(mails), "portions", sent)
	return nil
}

// CancelAccount stops an in-flight re-index of login.
func (c *Coordinator) CancelAccount(login string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.reindex[login]; ok {
		cancel()
		delete(c.reindex, login)
	}
}

// Serve pumps the outbox into t and handles t's inbound messages until the
// connection fails or ctx ends. The indexer is asked to bootstrap first.
func (c *Coordinator) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := t.Send(ctx, Message{Type: MessageBootstrap, UID: uuid.NewString()}); err != nil {
		return err
	}
	errc := make(chan error, 2)
	go func() { errc <- c.sendLoop(ctx, t) }()
	go func() { errc <- c.receiveLoop(ctx, t) }()
	err := <-errc
	cancel()
	<-errc
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) sendLoop(ctx context.Context, t Transport) error {
	for {
		msg, ok := c.outbox.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := t.Send(ctx, msg); err != nil {
			if !c.outbox.TryEnqueue(msg) {
				c.logger.WarnContext(ctx, "dropping index message after send failure", "uid", msg.UID)
			}
			return err
		}
	}
}

func (c *Coordinator) receiveLoop(ctx context.Context, t Transport) error {
	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			return err
		}
		c.HandleMessage(ctx, msg)
	}
}

func (c *Coordinator) Depth() int {
	return c.outbox.Depth()
}

// Close cancels re-index passes and waits for them to stop.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	for login, cancel := range c.reindex {
		cancel()
		delete(c.reindex, login)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return c.outbox.Close()
}

package indexing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/notify"
)

// MemoryIndex is a small term index over indexable mails. It backs the
// reference indexer process.
type MemoryIndex struct {
	mu       sync.RWMutex
	accounts map[string]*accountIndex
}

type accountIndex struct {
	key   maildb.AccountKey
	terms map[string]map[string]int
	docs  map[string][]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{accounts: map[string]*accountIndex{}}
}

func tokenize(text string) []string {
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func documentText(mail IndexableMail) string {
	parts := []string{mail.Subject, mail.Body, mail.Sender.Name, mail.Sender.Address}
	for _, list := range [][]maildb.MailAddress{mail.ToRecipients, mail.CCRecipients, mail.BCCRecipients} {
		for _, address := range list {
			parts = append(parts, address.Name, address.Address)
		}
	}
	parts = append(parts, mail.AttachmentNames...)
	return strings.Join(parts, " ")
}

// Apply removes then adds mails of key and reports the counts.
func (idx *MemoryIndex) Apply(key maildb.AccountKey, add []IndexableMail, remove []maildb.PKRef) (indexed, removed int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	account, ok := idx.accounts[key.Login]
	if !ok {
		account = &accountIndex{key: key, terms: map[string]map[string]int{}, docs: map[string][]string{}}
		idx.accounts[key.Login] = account
	}
	for _, ref := range remove {
		if account.drop(ref.PK) {
			removed++
		}
	}
	for _, mail := range add {
		account.drop(mail.PK)
		tokens := tokenize(documentText(mail))
		account.docs[mail.PK] = tokens
		for _, token := range tokens {
			postings, ok := account.terms[token]
			if !ok {
				postings = map[string]int{}
				account.terms[token] = postings
			}
			postings[mail.PK]++
		}
		indexed++
	}
	return indexed, removed
}

func (a *accountIndex) drop(pk string) bool {
	tokens, ok := a.docs[pk]
	if !ok {
		return false
	}
	for _, token := range tokens {
		postings := a.terms[token]
		delete(postings, pk)
		if len(postings) == 0 {
			delete(a.terms, token)
		}
	}
	delete(a.docs, pk)
	return true
}

// Search returns the mails of key containing every term of query, best
// match first.
func (idx *MemoryIndex) Search(key maildb.AccountKey, query string) []SearchItem {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	account, ok := idx.accounts[key.Login]
	terms := tokenize(query)
	if !ok || len(terms) == 0 {
		return []SearchItem{}
	}
	scores := map[string]int{}
	for i, term := range terms {
		postings := account.terms[term]
		next := map[string]int{}
		for pk, count := range postings {
			if i > 0 {
				if _, ok := scores[pk]; !ok {
					continue
				}
			}
			next[pk] = scores[pk] + count
		}
		scores = next
	}
	items := make([]SearchItem, 0, len(scores))
	for pk, score := range scores {
		items = append(items, SearchItem{Key: account.key, MailPK: pk, Score: float64(score)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].MailPK < items[j].MailPK
	})
	return items
}

func (idx *MemoryIndex) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.accounts = map[string]*accountIndex{}
}

func (idx *MemoryIndex) Documents(login string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if account, ok := idx.accounts[login]; ok {
		return len(account.docs)
	}
	return 0
}

// ServeIndexer answers a coordinator over t using idx until the connection
// ends.
func ServeIndexer(ctx context.Context, t Transport, idx *MemoryIndex, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, reply := range indexerReplies(idx, msg) {
			if err := t.Send(ctx, reply); err != nil {
				return err
			}
		}
		logger.DebugContext(ctx, "indexer handled message", "type", msg.Type, "uid", msg.UID)
	}
}

func indexerReplies(idx *MemoryIndex, msg Message) []Message {
	switch msg.Type {
	case MessageBootstrap:
		idx.Reset()
		return []Message{{Type: MessageBootstrapped, UID: msg.UID}}
	case MessageIndex:
		if msg.Key == nil {
			return []Message{{Type: MessageError, UID: msg.UID, Error: "index request without account key"}}
		}
		indexed, removed := idx.Apply(*msg.Key, msg.Add, msg.Remove)
		key := *msg.Key
		documents := idx.Documents(key.Login)
		return []Message{
			{Type: MessageIndexingResult, UID: msg.UID, Indexed: indexed, Removed: removed},
			{Type: MessageProgressState, Progress: &notify.IndexerProgressState{
				Key:      &key,
				Status:   "indexed",
				Progress: documents,
				Total:    documents,
			}},
		}
	case MessageSearch:
		if msg.Key == nil {
			return []Message{{Type: MessageError, UID: msg.UID, Error: "search request without account key"}}
		}
		return []Message{{Type: MessageSearchResult, UID: msg.UID, Items: idx.Search(*msg.Key, msg.Query)}}
	default:
		return []Message{{Type: MessageError, UID: msg.UID, Error: "unsupported message type " + string(msg.Type)}}
	}
}

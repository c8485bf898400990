// Package mailsync applies provider patches to the primary and session stores
// and serves read views of the synced accounts.
package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaymail/internal/htmltext"
	"github.com/agentworkforce/relaymail/internal/indexing"
	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/metrics"
	"github.com/agentworkforce/relaymail/internal/notify"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

const (
	DefaultExportTimeout = 5 * time.Minute
	DefaultSearchTimeout = indexing.DefaultTimeout
)

type BootstrapPhase string

const (
	PhaseSteady       BootstrapPhase = ""
	PhaseInitial      BootstrapPhase = "initial"
	PhaseIntermediate BootstrapPhase = "intermediate"
	PhaseFinal        BootstrapPhase = "final"
)

func (p BootstrapPhase) Valid() bool {
	switch p {
	case PhaseSteady, PhaseInitial, PhaseIntermediate, PhaseFinal:
		return true
	}
	return false
}

type PatchRequest struct {
	Type     string               `json:"type"`
	Login    string               `json:"login"`
	Patch    maildb.Patch         `json:"patch"`
	Metadata maildb.MetadataPatch `json:"metadata"`
	// BootstrapPhase routes the patch through the session store when set.
	BootstrapPhase BootstrapPhase `json:"bootstrapPhase,omitempty"`
	// ResumeFrom is the watermark the fetch started from. When set on a
	// steady patch it must match the stored LatestEventID.
	ResumeFrom *string `json:"resumeFrom,omitempty"`
	ForceFlush bool    `json:"forceFlush,omitempty"`
	// SkipPatching applies the entities in memory only and drops the
	// metadata overwrite, so the watermark does not move.
	SkipPatching bool `json:"skipPatching,omitempty"`
}

type PatchResponse struct {
	Metadata         maildb.Metadata `json:"metadata"`
	EntitiesModified bool            `json:"entitiesModified"`
	MetadataModified bool            `json:"metadataModified"`
	Rev              uint64          `json:"rev"`
	Persisted        bool            `json:"persisted"`
	IndexUIDs        []string        `json:"indexUids,omitempty"`
}

// Indexer is the part of indexing.Coordinator the service drives.
type Indexer interface {
	RequestIndex(ctx context.Context, req indexing.IndexRequest) []string
	CancelAccount(login string)
	Search(ctx context.Context, key maildb.AccountKey, query string, timeout time.Duration) ([]indexing.SearchItem, error)
}

type Options struct {
	Primary       *maildb.Database
	Session       *maildb.Database
	Indexer       Indexer
	Bus           *notify.Bus
	Metrics       *metrics.Metrics
	Validator     *maildb.Validator
	Logger        *slog.Logger
	ExcerptLength int
	ExportTimeout time.Duration
	SearchTimeout time.Duration
}

type Service struct {
	primary       *maildb.Database
	session       *maildb.Database
	indexer       Indexer
	bus           *notify.Bus
	metrics       *metrics.Metrics
	validator     *maildb.Validator
	logger        *slog.Logger
	excerptLength int
	exportTimeout time.Duration
	searchTimeout time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]map[uint64]context.CancelFunc
	nextID  uint64
}

func NewService(opts Options) (*Service, error) {
	if opts.Primary == nil {
		return nil, errors.New("mailsync: primary store is required")
	}
	session := opts.Session
	if session == nil {
		session = maildb.NewDatabase(maildb.Options{Name: "session", Logger: opts.Logger})
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = maildb.DefaultValidator()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	excerptLength := opts.ExcerptLength
	if excerptLength <= 0 {
		excerptLength = htmltext.DefaultExcerptLength
	}
	exportTimeout := opts.ExportTimeout
	if exportTimeout <= 0 {
		exportTimeout = DefaultExportTimeout
	}
	searchTimeout := opts.SearchTimeout
	if searchTimeout <= 0 {
		searchTimeout = DefaultSearchTimeout
	}
	return &Service{
		primary:       opts.Primary,
		session:       session,
		indexer:       opts.Indexer,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		validator:     validator,
		logger:        logger,
		excerptLength: excerptLength,
		exportTimeout: exportTimeout,
		searchTimeout: searchTimeout,
		locks:         map[string]*sync.Mutex{},
		cancels:       map[string]map[uint64]context.CancelFunc{},
	}, nil
}

func (s *Service) Primary() *maildb.Database { return s.primary }
func (s *Service) Session() *maildb.Database { return s.session }

func (s *Service) accountLock(login string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[login]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[login] = lock
	}
	return lock
}

// AccountContext derives a context that ResetAccount cancels for login.
// Callers must call the returned release func when done.
func (s *Service) AccountContext(ctx context.Context, login string) (context.Context, context.CancelFunc) {
	accountCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.cancels[login] == nil {
		s.cancels[login] = map[uint64]context.CancelFunc{}
	}
	s.cancels[login][id] = cancel
	s.mu.Unlock()
	return accountCtx, func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels[login], id)
		if len(s.cancels[login]) == 0 {
			delete(s.cancels, login)
		}
		s.mu.Unlock()
	}
}

func (s *Service) cancelAccount(login string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for id, cancel := range s.cancels[login] {
		cancel()
		delete(s.cancels[login], id)
		cancelled++
	}
	delete(s.cancels, login)
	return cancelled
}

// Patch applies one provider delta. Patches of one account are serialized;
// different accounts proceed concurrently.
func (s *Service) Patch(ctx context.Context, req PatchRequest) (PatchResponse, error) {
	login := strings.TrimSpace(req.Login)
	if login == "" {
		return PatchResponse{}, syncerr.Validation("login is required")
	}
	if !req.BootstrapPhase.Valid() {
		return PatchResponse{}, syncerr.Validation("unknown bootstrap phase %q", req.BootstrapPhase)
	}
	key := maildb.AccountKey{Type: strings.TrimSpace(req.Type), Login: login}
	started := time.Now()

	lock := s.accountLock(login)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return PatchResponse{}, err
	}

	patch := s.withExcerpts(req.Patch)
	var (
		resp   PatchResponse
		result maildb.PatchResult
		err    error
	)
	switch {
	case req.SkipPatching:
		result, err = maildb.ApplyPatch(s.primary, key, patch, maildb.MetadataPatch{}, s.patchOptions(false))
		if err == nil {
			resp = responseFrom(result)
		}
	case req.BootstrapPhase == PhaseSteady:
		result, resp, err = s.patchSteady(ctx, key, patch, req)
	case req.BootstrapPhase == PhaseFinal:
		result, resp, err = s.patchFinal(ctx, key, patch, req)
	default:
		result, resp, err = s.patchBootstrap(ctx, key, patch, req)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "patch rejected",
			"login", login,
			"phase", string(req.BootstrapPhase),
			"error", err,
		)
		return PatchResponse{}, err
	}

	if resp.EntitiesModified || resp.MetadataModified || req.ForceFlush {
		stat, _ := s.primary.AccountStat(key, false)
		s.bus.Publish(notify.DbPatchAccount{
			Key:              key,
			EntitiesModified: resp.EntitiesModified,
			MetadataModified: resp.MetadataModified,
			Stat:             stat,
		})
	}
	if s.indexer != nil && (len(result.MailsUpserted) > 0 || len(result.MailsRemoved) > 0) {
		resp.IndexUIDs = s.indexer.RequestIndex(ctx, indexing.IndexRequest{
			Key:    key,
			Add:    indexing.IndexableMails(result.MailsUpserted),
			Remove: result.MailsRemoved,
		})
	}
	s.metrics.ObservePatch(string(req.BootstrapPhase), time.Since(started))
	s.logger.DebugContext(ctx, "patch applied",
		"login", login,
		"phase", string(req.BootstrapPhase),
		"rev", resp.Rev,
		"entities_modified", resp.EntitiesModified,
		"metadata_modified", resp.MetadataModified,
		"persisted", resp.Persisted,
	)
	return resp, nil
}

func (s *Service) patchSteady(ctx context.Context, key maildb.AccountKey, patch maildb.Patch, req PatchRequest) (maildb.PatchResult, PatchResponse, error) {
	if req.ResumeFrom != nil {
		stored := ""
		if account, ok := s.primary.Account(key); ok {
			stored = account.Metadata.LatestEventID
		}
		if stored != *req.ResumeFrom {
			return maildb.PatchResult{}, PatchResponse{}, &syncerr.WatermarkGapError{
				Login:    key.Login,
				Expected: *req.ResumeFrom,
				Actual:   stored,
			}
		}
	}
	result, err := maildb.ApplyPatch(s.primary, key, patch, req.Metadata, s.patchOptions(false))
	if err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}
	resp := responseFrom(result)
	if result.Modified() || req.ForceFlush {
		if err := s.primary.SaveToFile(ctx); err != nil {
			return maildb.PatchResult{}, PatchResponse{}, err
		}
		resp.Persisted = true
	}
	return result, resp, nil
}

// patchBootstrap handles the initial and intermediate phases. Both stores
// stay in memory until the final phase unless ForceFlush is set.
func (s *Service) patchBootstrap(ctx context.Context, key maildb.AccountKey, patch maildb.Patch, req PatchRequest) (maildb.PatchResult, PatchResponse, error) {
	if err := s.validator.ValidatePatch(patch); err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}
	if req.BootstrapPhase == PhaseInitial {
		s.session.InitEmptyAccount(key)
		if _, ok := s.primary.Account(key); !ok {
			s.primary.InitEmptyAccount(key)
		}
	}
	result, err := s.applyBoth(key, patch, req.Metadata)
	if err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}
	resp := responseFrom(result)
	if req.ForceFlush {
		if err := s.saveBoth(ctx); err != nil {
			return maildb.PatchResult{}, PatchResponse{}, err
		}
		resp.Persisted = true
	}
	return result, resp, nil
}

// patchFinal applies the last bootstrap patch, rebuilds the primary account
// from the session account and wipes the session account.
func (s *Service) patchFinal(ctx context.Context, key maildb.AccountKey, patch maildb.Patch, req PatchRequest) (maildb.PatchResult, PatchResponse, error) {
	if err := s.validator.ValidatePatch(patch); err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}
	if _, ok := s.session.Account(key); !ok {
		// The bootstrap data did not survive; keep primary as it is.
		s.logger.WarnContext(ctx, "final bootstrap patch without session account", "login", key.Login)
		return s.patchSteady(ctx, key, patch, PatchRequest{Metadata: req.Metadata, ForceFlush: req.ForceFlush})
	}
	// Primary is rebuilt from the session below, so the patch only lands in
	// the session and the merge is the single primary write.
	result, err := maildb.ApplyPatch(s.session, key, patch, req.Metadata, s.patchOptions(true))
	if err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}

	s.primary.InitEmptyAccount(key)
	changed, err := maildb.MergeAccount(s.session, s.primary, key)
	if err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}
	resp := PatchResponse{
		EntitiesModified: result.EntitiesModified || changed,
		MetadataModified: result.MetadataModified,
	}
	if changed || req.ForceFlush {
		if err := s.primary.SaveToFile(ctx); err != nil {
			return maildb.PatchResult{}, PatchResponse{}, err
		}
		resp.Persisted = true
	}
	s.session.DeleteAccount(key)
	if err := s.session.SaveToFile(ctx); err != nil {
		return maildb.PatchResult{}, PatchResponse{}, err
	}

	_ = s.primary.View(key, func(account *maildb.Account) error {
		resp.Metadata = account.Metadata.Clone()
		resp.Rev = account.Rev
		return nil
	})
	return result, resp, nil
}

func (s *Service) applyBoth(key maildb.AccountKey, patch maildb.Patch, metadata maildb.MetadataPatch) (maildb.PatchResult, error) {
	result, err := maildb.ApplyPatch(s.primary, key, patch, metadata, s.patchOptions(false))
	if err != nil {
		return maildb.PatchResult{}, err
	}
	if _, err := maildb.ApplyPatch(s.session, key, patch, metadata, s.patchOptions(true)); err != nil {
		return maildb.PatchResult{}, err
	}
	return result, nil
}

func (s *Service) saveBoth(ctx context.Context) error {
	if err := s.primary.SaveToFile(ctx); err != nil {
		return err
	}
	return s.session.SaveToFile(ctx)
}

func (s *Service) patchOptions(recordTombstones bool) maildb.PatchOptions {
	return maildb.PatchOptions{RecordTombstones: recordTombstones, Validator: s.validator}
}

// withExcerpts returns patch with missing body excerpts filled in. The
// caller's slices are left untouched.
func (s *Service) withExcerpts(patch maildb.Patch) maildb.Patch {
	if len(patch.Mails.Upsert) == 0 {
		return patch
	}
	mails := make([]maildb.Mail, len(patch.Mails.Upsert))
	copy(mails, patch.Mails.Upsert)
	for i := range mails {
		if mails[i].BodyExcerpt == "" && mails[i].Body != "" {
			mails[i].BodyExcerpt = htmltext.Excerpt(mails[i].Body, s.excerptLength)
		}
	}
	patch.Mails.Upsert = mails
	return patch
}

func responseFrom(result maildb.PatchResult) PatchResponse {
	return PatchResponse{
		Metadata:         result.Metadata,
		EntitiesModified: result.EntitiesModified,
		MetadataModified: result.MetadataModified,
		Rev:              result.Rev,
	}
}

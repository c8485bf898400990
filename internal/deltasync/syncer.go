package deltasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/mailsync"
	"github.com/agentworkforce/relaymail/internal/metrics"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultIntervalJitter = 0.2
	DefaultCycleTimeout   = 2 * time.Minute
)

// bootstrapStages is the fetch order of a bootstrap. Each stage is paged to
// the end before the next one starts.
var bootstrapStages = []maildb.FetchStage{
	maildb.FetchStageBootstrapInit,
	maildb.FetchStageBootstrapMessagesMetadata,
	maildb.FetchStageBootstrapMessagesContent,
	maildb.FetchStageBootstrapFinal,
}

// Sink receives the patches a sync cycle produces. mailsync.Service is the
// production sink.
type Sink interface {
	Patch(ctx context.Context, req mailsync.PatchRequest) (mailsync.PatchResponse, error)
	AccountMetadata(login string) (maildb.Metadata, error)
	AccountContext(ctx context.Context, login string) (context.Context, context.CancelFunc)
}

type SyncerOptions struct {
	Client ProviderClient
	Sink   Sink
	// Policy applies to incremental fetches. The zero value means
	// DefaultRetryPolicy; a negative Limit disables retries.
	Policy   RetryPolicy
	Classify ClassifyFunc
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Interval is the pause between cycles of Run, varied by IntervalJitter.
	Interval       time.Duration
	IntervalJitter float64
	CycleTimeout   time.Duration
}

type Syncer struct {
	client       ProviderClient
	sink         Sink
	policy       RetryPolicy
	classify     ClassifyFunc
	metrics      *metrics.Metrics
	logger       *slog.Logger
	interval     time.Duration
	jitter       float64
	cycleTimeout time.Duration
}

// Outcome describes what one SyncAccount call did.
type Outcome struct {
	Stage        maildb.FetchStage `json:"stage"`
	Bootstrapped bool              `json:"bootstrapped"`
	Skipped      bool              `json:"skipped"`
	Rebootstrap  bool              `json:"rebootstrap"`
	Attempts     int               `json:"attempts"`
	Rev          uint64            `json:"rev"`
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("provider client is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	policy := opts.Policy
	if policy.Limit == 0 && policy.BaseDelay == 0 && policy.MaxDelay == 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.Limit < 0 {
		policy.Limit = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultMaxDelay
	}
	classify := opts.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	cycleTimeout := opts.CycleTimeout
	if cycleTimeout <= 0 {
		cycleTimeout = DefaultCycleTimeout
	}
	return &Syncer{
		client:       opts.Client,
		sink:         opts.Sink,
		policy:       policy,
		classify:     classify,
		metrics:      opts.Metrics,
		logger:       logger,
		interval:     interval,
		jitter:       clampJitterRatio(opts.IntervalJitter),
		cycleTimeout: cycleTimeout,
	}, nil
}

// SyncAccount runs one cycle for key: the remaining bootstrap stages when
// the account has not reached the events stage, otherwise one incremental
// fetch.
func (s *Syncer) SyncAccount(ctx context.Context, key maildb.AccountKey) (Outcome, error) {
	if strings.TrimSpace(key.Login) == "" {
		return Outcome{}, syncerr.Validation("login is required")
	}
	ctx, release := s.sink.AccountContext(ctx, key.Login)
	defer release()

	metadata, err := s.sink.AccountMetadata(key.Login)
	if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return Outcome{}, err
	}
	if metadata.FetchStage != maildb.FetchStageEvents {
		return s.bootstrap(ctx, key, metadata.FetchStage)
	}
	return s.incremental(ctx, key, metadata)
}

// bootstrap fetches without retries; a failed stage is fetched again by the
// next cycle.
func (s *Syncer) bootstrap(ctx context.Context, key maildb.AccountKey, stage maildb.FetchStage) (Outcome, error) {
	start := stageIndex(stage)
	if start < 0 {
		latest, err := s.client.LatestEventID(ctx, key.Login)
		if err != nil {
			return Outcome{Stage: stage}, fmt.Errorf("latest event id: %w", err)
		}
		if _, err := s.sink.Patch(ctx, mailsync.PatchRequest{
			Type:           key.Type,
			Login:          key.Login,
			BootstrapPhase: mailsync.PhaseInitial,
			Metadata: maildb.MetadataPatch{
				LatestEventID: maildb.StringPtr(latest),
				FetchStage:    maildb.StagePtr(maildb.FetchStageBootstrapInit),
			},
		}); err != nil {
			return Outcome{Stage: stage}, err
		}
		s.logger.InfoContext(ctx, "bootstrap started", "login", key.Login, "latest_event_id", latest)
		start = 0
	}

	var resp mailsync.PatchResponse
	for i := start; i < len(bootstrapStages); i++ {
		current := bootstrapStages[i]
		page, err := Paginate(ctx, "", func(ctx context.Context, cursor string) (Page, error) {
			return s.client.FetchBootstrap(ctx, key.Login, current, cursor)
		})
		if err != nil {
			return Outcome{Stage: current}, fmt.Errorf("bootstrap stage %s: %w", current, err)
		}
		phase := mailsync.PhaseIntermediate
		next := maildb.FetchStageEvents
		if i+1 < len(bootstrapStages) {
			next = bootstrapStages[i+1]
		} else {
			phase = mailsync.PhaseFinal
		}
		resp, err = s.sink.Patch(ctx, mailsync.PatchRequest{
			Type:           key.Type,
			Login:          key.Login,
			Patch:          page.Patch,
			Metadata:       maildb.MetadataPatch{FetchStage: maildb.StagePtr(next)},
			BootstrapPhase: phase,
		})
		if err != nil {
			return Outcome{Stage: current}, err
		}
		s.logger.DebugContext(ctx, "bootstrap stage done", "login", key.Login, "stage", string(current), "phase", string(phase))
	}
	s.logger.InfoContext(ctx, "bootstrap finished", "login", key.Login, "rev", resp.Rev)
	return Outcome{Stage: maildb.FetchStageEvents, Bootstrapped: true, Attempts: 1, Rev: resp.Rev}, nil
}

func (s *Syncer) incremental(ctx context.Context, key maildb.AccountKey, metadata maildb.Metadata) (Outcome, error) {
	from := metadata.LatestEventID
	fetch := func(ctx context.Context) (FetchResult, error) {
		page, err := Paginate(ctx, from, func(ctx context.Context, cursor string) (Page, error) {
			return s.client.FetchEvents(ctx, key.Login, cursor)
		})
		if err != nil {
			return FetchResult{}, err
		}
		next := metadata.Clone()
		if page.Cursor != "" {
			next.LatestEventID = page.Cursor
		}
		return FetchResult{Patch: page.Patch, Metadata: next}, nil
	}

	policy := s.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.SyncRetried()
		s.logger.WarnContext(ctx, "event fetch failed, retrying",
			"login", key.Login,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	result, err := WithRetry(ctx, policy, fetch, s.classify, metadata)
	if err != nil {
		return Outcome{Stage: maildb.FetchStageEvents}, err
	}
	if result.Skipped {
		s.metrics.SyncSkipped()
		s.logger.WarnContext(ctx, "event fetch skipped after retries", "login", key.Login, "attempts", result.Attempts)
		return Outcome{Stage: maildb.FetchStageEvents, Skipped: true, Attempts: result.Attempts}, nil
	}

	resp, err := s.sink.Patch(ctx, mailsync.PatchRequest{
		Type:       key.Type,
		Login:      key.Login,
		Patch:      result.Patch,
		Metadata:   maildb.MetadataPatch{LatestEventID: maildb.StringPtr(result.Metadata.LatestEventID)},
		ResumeFrom: maildb.StringPtr(from),
	})
	if errors.Is(err, syncerr.ErrWatermarkGap) {
		s.logger.WarnContext(ctx, "watermark gap, scheduling bootstrap", "login", key.Login, "error", err)
		if _, resetErr := s.sink.Patch(ctx, mailsync.PatchRequest{
			Type:     key.Type,
			Login:    key.Login,
			Metadata: maildb.MetadataPatch{FetchStage: maildb.StagePtr(maildb.FetchStageUnstarted)},
		}); resetErr != nil {
			return Outcome{Stage: maildb.FetchStageEvents}, resetErr
		}
		return Outcome{Stage: maildb.FetchStageUnstarted, Rebootstrap: true, Attempts: result.Attempts}, nil
	}
	if err != nil {
		return Outcome{Stage: maildb.FetchStageEvents}, err
	}
	return Outcome{Stage: maildb.FetchStageEvents, Attempts: result.Attempts, Rev: resp.Rev}, nil
}

// Run syncs the accounts returned by accounts every interval until ctx ends.
// Accounts of one cycle are synced concurrently.
func (s *Syncer) Run(ctx context.Context, accounts func() []maildb.AccountKey) error {
	cycle := func() {
		var wg sync.WaitGroup
		for _, key := range accounts() {
			wg.Add(1)
			go func(key maildb.AccountKey) {
				defer wg.Done()
				cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
				defer cancel()
				outcome, err := s.SyncAccount(cycleCtx, key)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						s.logger.ErrorContext(ctx, "sync cycle failed", "login", key.Login, "stage", string(outcome.Stage), "error", err)
					}
					return
				}
				s.logger.DebugContext(ctx, "sync cycle completed", "login", key.Login, "stage", string(outcome.Stage), "rev", outcome.Rev)
			}(key)
		}
		wg.Wait()
	}

	cycle()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(s.interval, s.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			cycle()
			timer.Reset(jitteredInterval(s.interval, s.jitter, rng.Float64()))
		}
	}
}

func stageIndex(stage maildb.FetchStage) int {
	for i, candidate := range bootstrapStages {
		if candidate == stage {
			return i
		}
	}
	return -1
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

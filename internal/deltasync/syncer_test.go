package deltasync

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/mailsync"
	"github.com/agentworkforce/relaymail/internal/metrics"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

var syncKey = maildb.AccountKey{Type: "protonmail", Login: "alice@example.com"}

type fakeProvider struct {
	mu             sync.Mutex
	latest         string
	bootstrap      map[maildb.FetchStage]Page
	bootstrapErr   error
	events         map[string]Page
	eventErrs      []error
	latestCalls    int
	bootstrapCalls int
	eventCalls     int
}

func (f *fakeProvider) LatestEventID(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.latest, nil
}

func (f *fakeProvider) FetchBootstrap(_ context.Context, _ string, stage maildb.FetchStage, _ string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrapCalls++
	if f.bootstrapErr != nil {
		return Page{}, f.bootstrapErr
	}
	return f.bootstrap[stage], nil
}

func (f *fakeProvider) FetchEvents(_ context.Context, _ string, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls++
	if len(f.eventErrs) > 0 {
		err := f.eventErrs[0]
		f.eventErrs = f.eventErrs[1:]
		if err != nil {
			return Page{}, err
		}
	}
	return f.events[cursor], nil
}

func syncMail(pk string) maildb.Mail {
	return maildb.Mail{
		Entity:              maildb.Entity{PK: pk, ID: "id-" + pk, Raw: "{}"},
		ConversationEntryPK: "c-" + pk,
		MailFolderIDs:       []string{maildb.SystemFolderInbox},
		SentDate:            1000,
		Subject:             "subject " + pk,
		Sender:              maildb.MailAddress{Address: "bob@example.com"},
		State:               maildb.MailStateReceived,
	}
}

func mailsPage(cursor string, pks ...string) Page {
	mails := make([]maildb.Mail, 0, len(pks))
	for _, pk := range pks {
		mails = append(mails, syncMail(pk))
	}
	return Page{Patch: maildb.Patch{Mails: maildb.EntitiesPatch[maildb.Mail]{Upsert: mails}}, Cursor: cursor}
}

func newProvider() *fakeProvider {
	return &fakeProvider{
		latest: "e1",
		bootstrap: map[maildb.FetchStage]Page{
			maildb.FetchStageBootstrapInit: {Patch: maildb.Patch{Folders: maildb.EntitiesPatch[maildb.Folder]{Upsert: []maildb.Folder{{
				Entity:       maildb.Entity{PK: "f-inbox", ID: maildb.SystemFolderInbox, Raw: "{}"},
				FolderType:   maildb.FolderTypeSystem,
				Name:         "Inbox",
				MailFolderID: maildb.SystemFolderInbox,
			}}}}},
			maildb.FetchStageBootstrapMessagesMetadata: mailsPage("", "m1", "m2"),
			maildb.FetchStageBootstrapMessagesContent:  mailsPage("", "m3"),
		},
		events: map[string]Page{
			"e1": mailsPage("e2", "m4"),
			"e2": {Cursor: "e2"},
		},
	}
}

func newService(t *testing.T) *mailsync.Service {
	t.Helper()
	service, err := mailsync.NewService(mailsync.Options{
		Primary: maildb.NewDatabase(maildb.Options{Name: "primary"}),
		Session: maildb.NewDatabase(maildb.Options{Name: "session"}),
	})
	require.NoError(t, err)
	return service
}

func newTestSyncer(t *testing.T, provider ProviderClient, sink Sink, m *metrics.Metrics) *Syncer {
	t.Helper()
	syncer, err := NewSyncer(SyncerOptions{
		Client:  provider,
		Sink:    sink,
		Policy:  fastPolicy(3),
		Metrics: m,
	})
	require.NoError(t, err)
	return syncer
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestSyncerBootstrapsThenFollowsEvents(t *testing.T) {
	provider := newProvider()
	service := newService(t)
	syncer := newTestSyncer(t, provider, service, nil)
	ctx := context.Background()

	outcome, err := syncer.SyncAccount(ctx, syncKey)
	require.NoError(t, err)
	assert.True(t, outcome.Bootstrapped)
	assert.Equal(t, maildb.FetchStageEvents, outcome.Stage)

	metadata, err := service.AccountMetadata(syncKey.Login)
	require.NoError(t, err)
	assert.Equal(t, "e1", metadata.LatestEventID)
	assert.Equal(t, maildb.FetchStageEvents, metadata.FetchStage)
	account, ok := service.Primary().Account(syncKey)
	require.True(t, ok)
	assert.Equal(t, 3, account.Mails.Len())
	assert.Equal(t, 1, account.Folders.Len())

	outcome, err = syncer.SyncAccount(ctx, syncKey)
	require.NoError(t, err)
	assert.False(t, outcome.Bootstrapped)
	assert.Equal(t, 1, outcome.Attempts)

	metadata, err = service.AccountMetadata(syncKey.Login)
	require.NoError(t, err)
	assert.Equal(t, "e2", metadata.LatestEventID)
	assert.True(t, account.Mails.Has("m4"))

	outcome, err = syncer.SyncAccount(ctx, syncKey)
	require.NoError(t, err)
	metadata, _ = service.AccountMetadata(syncKey.Login)
	assert.Equal(t, "e2", metadata.LatestEventID)
	assert.Equal(t, 1, provider.latestCalls)
}

func TestSyncerRetriesEventsAndRecordsMetrics(t *testing.T) {
	provider := newProvider()
	service := newService(t)
	m := metrics.New()
	syncer := newTestSyncer(t, provider, service, m)
	_, err := syncer.SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)

	provider.eventErrs = []error{&HTTPError{StatusCode: 503}, &HTTPError{StatusCode: 0}}
	outcome, err := syncer.SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Contains(t, scrape(t, m), "relaymail_sync_retries_total 2")

	metadata, _ := service.AccountMetadata(syncKey.Login)
	assert.Equal(t, "e2", metadata.LatestEventID)
}

func TestSyncerSkipsCycleAfterExhaustedRetries(t *testing.T) {
	provider := newProvider()
	service := newService(t)
	m := metrics.New()
	syncer := newTestSyncer(t, provider, service, m)
	_, err := syncer.SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)
	eventCalls := provider.eventCalls

	provider.eventErrs = []error{
		&HTTPError{StatusCode: 503}, &HTTPError{StatusCode: 503},
		&HTTPError{StatusCode: 503}, &HTTPError{StatusCode: 503},
	}
	outcome, err := syncer.SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, eventCalls+4, provider.eventCalls)
	assert.Contains(t, scrape(t, m), "relaymail_sync_skipped_total 1")

	metadata, _ := service.AccountMetadata(syncKey.Login)
	assert.Equal(t, "e1", metadata.LatestEventID)
}

func TestSyncerDoesNotRetryDuringBootstrap(t *testing.T) {
	provider := newProvider()
	provider.bootstrapErr = &HTTPError{StatusCode: 503}
	service := newService(t)
	syncer := newTestSyncer(t, provider, service, nil)

	_, err := syncer.SyncAccount(context.Background(), syncKey)
	require.Error(t, err)
	assert.Equal(t, 1, provider.bootstrapCalls)

	metadata, err := service.AccountMetadata(syncKey.Login)
	require.NoError(t, err)
	assert.Equal(t, maildb.FetchStageBootstrapInit, metadata.FetchStage)

	provider.bootstrapErr = nil
	outcome, err := syncer.SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)
	assert.True(t, outcome.Bootstrapped)
	assert.Equal(t, 1, provider.latestCalls, "a resumed bootstrap keeps its watermark")
}

func TestSyncerFailsOnPaginationLoop(t *testing.T) {
	provider := newProvider()
	service := newService(t)
	syncer := newTestSyncer(t, provider, service, nil)
	_, err := syncer.SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)

	provider.events["e1"] = Page{Cursor: "e1", More: true}
	calls := provider.eventCalls
	_, err = syncer.SyncAccount(context.Background(), syncKey)
	require.ErrorIs(t, err, syncerr.ErrPaginationLoop)
	assert.Equal(t, calls+1, provider.eventCalls)
}

type staleSink struct {
	*mailsync.Service
}

func (s staleSink) AccountMetadata(login string) (maildb.Metadata, error) {
	metadata, err := s.Service.AccountMetadata(login)
	metadata.LatestEventID = "stale"
	return metadata, err
}

func TestSyncerSchedulesBootstrapOnWatermarkGap(t *testing.T) {
	provider := newProvider()
	provider.events["stale"] = mailsPage("e9", "m9")
	service := newService(t)
	_, err := newTestSyncer(t, provider, service, nil).SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)

	outcome, err := newTestSyncer(t, provider, staleSink{service}, nil).SyncAccount(context.Background(), syncKey)
	require.NoError(t, err)
	assert.True(t, outcome.Rebootstrap)

	metadata, err := service.AccountMetadata(syncKey.Login)
	require.NoError(t, err)
	assert.Equal(t, maildb.FetchStageUnstarted, metadata.FetchStage)
	assert.Equal(t, "e1", metadata.LatestEventID)
	account, _ := service.Primary().Account(syncKey)
	assert.False(t, account.Mails.Has("m9"))
}

func TestSyncerStopsWhenAccountIsReset(t *testing.T) {
	provider := newProvider()
	service := newService(t)
	release := make(chan struct{})
	blocking := &blockingProvider{fakeProvider: provider, started: make(chan struct{}), release: release}
	syncer := newTestSyncer(t, blocking, service, nil)

	done := make(chan error, 1)
	go func() {
		_, err := syncer.SyncAccount(context.Background(), syncKey)
		done <- err
	}()
	<-blocking.started
	require.NoError(t, service.ResetAccount(context.Background(), syncKey.Login))

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not stop after account reset")
	}
	close(release)
}

type blockingProvider struct {
	*fakeProvider
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingProvider) LatestEventID(ctx context.Context, login string) (string, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.release:
		return b.fakeProvider.LatestEventID(ctx, login)
	}
}

func TestRunSyncsUntilCancelled(t *testing.T) {
	provider := newProvider()
	service := newService(t)
	syncer, err := NewSyncer(SyncerOptions{
		Client:   provider,
		Sink:     service,
		Policy:   fastPolicy(1),
		Interval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- syncer.Run(ctx, func() []maildb.AccountKey { return []maildb.AccountKey{syncKey} })
	}()
	require.Eventually(t, func() bool {
		metadata, err := service.AccountMetadata(syncKey.Login)
		return err == nil && metadata.LatestEventID == "e2"
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestJitteredInterval(t *testing.T) {
	assert.Equal(t, time.Second, jitteredInterval(time.Second, 0, 0.9))
	assert.Equal(t, 800*time.Millisecond, jitteredInterval(time.Second, 0.2, 0))
	assert.Equal(t, 1200*time.Millisecond, jitteredInterval(time.Second, 0.2, 1))
	assert.Equal(t, time.Duration(0), jitteredInterval(0, 0.2, 0.5))
}

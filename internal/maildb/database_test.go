package maildb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymail/internal/syncerr"
)

func TestInitEmptyAccountIsIdempotentAndKeepsOrder(t *testing.T) {
	db := NewDatabase(Options{})
	first := AccountKey{Login: "a"}
	second := AccountKey{Login: "b"}
	db.InitEmptyAccount(first)
	db.InitEmptyAccount(second)
	_, err := ApplyPatch(db, first, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{testMail("m1", "c1", false, 1)}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)

	account := db.InitEmptyAccount(first)
	assert.Equal(t, 0, account.Mails.Len())
	assert.Equal(t, uint64(1), account.Rev, "revision never goes backwards")

	keys := db.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, "a", keys[0].Login)
	assert.Equal(t, "b", keys[1].Login)
}

func TestDeleteAccountAndReset(t *testing.T) {
	db := NewDatabase(Options{})
	db.InitEmptyAccount(AccountKey{Login: "a"})
	db.InitEmptyAccount(AccountKey{Login: "b"})

	assert.True(t, db.DeleteAccount(AccountKey{Login: "a"}))
	assert.False(t, db.DeleteAccount(AccountKey{Login: "a"}))
	assert.Len(t, db.Accounts(), 1)

	db.Reset()
	assert.Empty(t, db.Accounts())
}

func TestAccountStatExcludesSpamUnread(t *testing.T) {
	db := NewDatabase(Options{})
	_, err := ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{
		testMail("m1", "c1", true, 1, SystemFolderInbox),
		testMail("m2", "c2", true, 2, SystemFolderSpam),
		testMail("m3", "c3", false, 3, SystemFolderInbox),
	}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)

	stat, err := db.AccountStat(testKey, false)
	require.NoError(t, err)
	assert.Equal(t, 3, stat.Mails)
	assert.Equal(t, 1, stat.Unread)

	stat, err = db.AccountStat(testKey, true)
	require.NoError(t, err)
	assert.Equal(t, 2, stat.Unread)

	total := db.Stat()
	assert.Equal(t, 1, total.Accounts)
	assert.Equal(t, 1, total.Unread)

	_, err = db.AccountStat(AccountKey{Login: "missing"}, false)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backends := map[string]func(t *testing.T) StateBackend{
		"file": func(t *testing.T) StateBackend {
			return NewJSONFileStateBackend(filepath.Join(t.TempDir(), "state", "database.json"))
		},
		"bolt": func(t *testing.T) StateBackend {
			b, err := NewBoltStateBackend(filepath.Join(t.TempDir(), "state.bolt"), "primary")
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) StateBackend {
			b, err := NewSQLiteStateBackend(filepath.Join(t.TempDir(), "state.sqlite"), "primary")
			require.NoError(t, err)
			return b
		},
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			backend := build(t)
			db := NewDatabase(Options{Backend: backend})
			t.Cleanup(func() { _ = db.Close() })

			persisted, err := db.Persisted(ctx)
			require.NoError(t, err)
			assert.False(t, persisted)

			_, err = ApplyPatch(db, testKey, Patch{
				Mails:   EntitiesPatch[Mail]{Upsert: []Mail{testMail("m1", "c1", true, 1, SystemFolderInbox)}},
				Folders: EntitiesPatch[Folder]{Upsert: []Folder{testFolder(SystemFolderInbox, FolderTypeSystem, "Inbox")}},
			}, MetadataPatch{LatestEventID: StringPtr("e1")}, PatchOptions{})
			require.NoError(t, err)
			require.NoError(t, db.SaveToFile(ctx))

			persisted, err = db.Persisted(ctx)
			require.NoError(t, err)
			assert.True(t, persisted)

			loaded := NewDatabase(Options{Backend: backend})
			require.NoError(t, loaded.LoadFromFile(ctx))
			account, ok := loaded.Account(testKey)
			require.True(t, ok)
			mail, ok := account.Mails.Get("m1")
			require.True(t, ok)
			assert.Equal(t, "subject m1", mail.Subject)
			assert.Equal(t, "e1", account.Metadata.LatestEventID)
			assert.Equal(t, uint64(1), account.Rev)
		})
	}
}

func TestLoadRejectsNewerSnapshotVersion(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	require.NoError(t, backend.Save(ctx, &Snapshot{Version: SnapshotVersion + 1}))

	err := NewDatabase(Options{Backend: backend}).LoadFromFile(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrIO)
}

func TestSaveSurfacesIOErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	db := NewDatabase(Options{Backend: NewJSONFileStateBackend(filepath.Join(blocker, "database.json"))})
	db.InitEmptyAccount(testKey)
	err := db.SaveToFile(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindIO, syncerr.KindOf(err))
}

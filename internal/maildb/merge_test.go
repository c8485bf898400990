package maildb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAccountCopiesSessionAndDropsTombstones(t *testing.T) {
	session := NewDatabase(Options{Name: "session"})
	primary := NewDatabase(Options{Name: "primary"})

	_, err := ApplyPatch(primary, testKey, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{
		testMail("stale", "c0", false, 1, SystemFolderInbox),
	}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)

	_, err = ApplyPatch(session, testKey, Patch{
		Mails: EntitiesPatch[Mail]{
			Remove: []PKRef{{PK: "stale"}},
			Upsert: []Mail{testMail("m1", "c1", true, 10, SystemFolderInbox)},
		},
	}, MetadataPatch{LatestEventID: StringPtr("e5"), FetchStage: StagePtr(FetchStageBootstrapFinal)}, PatchOptions{RecordTombstones: true})
	require.NoError(t, err)

	changed, err := MergeAccount(session, primary, testKey)
	require.NoError(t, err)
	assert.True(t, changed)

	account, ok := primary.Account(testKey)
	require.True(t, ok)
	assert.True(t, account.Mails.Has("m1"))
	assert.False(t, account.Mails.Has("stale"))
	assert.Equal(t, "e5", account.Metadata.LatestEventID)
	assert.Empty(t, account.Metadata.DeletedPKs, "tombstones stay in the session store")
}

func TestMergeAccountIsIdempotent(t *testing.T) {
	session := NewDatabase(Options{Name: "session"})
	primary := NewDatabase(Options{Name: "primary"})
	_, err := ApplyPatch(session, testKey, Patch{
		Mails:   EntitiesPatch[Mail]{Upsert: []Mail{testMail("m1", "c1", true, 10, SystemFolderInbox)}},
		Folders: EntitiesPatch[Folder]{Upsert: []Folder{testFolder(SystemFolderInbox, FolderTypeSystem, "Inbox")}},
	}, MetadataPatch{LatestEventID: StringPtr("e1")}, PatchOptions{RecordTombstones: true})
	require.NoError(t, err)

	changed, err := MergeAccount(session, primary, testKey)
	require.NoError(t, err)
	require.True(t, changed)
	once, _ := primary.Account(testKey)
	onceCopy := once.Clone()

	changed, err = MergeAccount(session, primary, testKey)
	require.NoError(t, err)
	assert.False(t, changed)
	twice, _ := primary.Account(testKey)
	assert.Equal(t, onceCopy.Mails.Values(), twice.Mails.Values())
	assert.Equal(t, onceCopy.Folders.Values(), twice.Folders.Values())
	assert.Equal(t, onceCopy.Metadata, twice.Metadata)
	assert.Equal(t, onceCopy.Rev, twice.Rev)
}

func TestMergeAccountWithoutSessionAccount(t *testing.T) {
	changed, err := MergeAccount(NewDatabase(Options{}), NewDatabase(Options{}), testKey)
	require.NoError(t, err)
	assert.False(t, changed)
}

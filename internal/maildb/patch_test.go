package maildb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymail/internal/syncerr"
)

var testKey = AccountKey{Type: "protonmail", Login: "alice@example.com"}

func testMail(pk, conversationPK string, unread bool, sentDate int64, folders ...string) Mail {
	return Mail{
		Entity:              Entity{PK: pk, ID: "id-" + pk, Raw: "{}"},
		ConversationEntryPK: conversationPK,
		MailFolderIDs:       folders,
		SentDate:            sentDate,
		Subject:             "subject " + pk,
		Body:                "<p>body " + pk + "</p>",
		Sender:              MailAddress{Name: "Bob", Address: "bob@example.com"},
		Unread:              unread,
		State:               MailStateReceived,
	}
}

func testFolder(id string, folderType FolderType, name string) Folder {
	return Folder{
		Entity:       Entity{PK: id, ID: id, Raw: "{}"},
		FolderType:   folderType,
		Name:         name,
		MailFolderID: id,
	}
}

func TestApplyPatchUpsertThenRemove(t *testing.T) {
	db := NewDatabase(Options{})
	mail := testMail("m1", "c1", true, 100, SystemFolderInbox)

	result, err := ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{mail}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	assert.True(t, result.EntitiesModified)
	assert.False(t, result.MetadataModified)

	result, err = ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{Remove: []PKRef{{PK: "m1"}}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	assert.True(t, result.EntitiesModified)

	account, ok := db.Account(testKey)
	require.True(t, ok)
	assert.False(t, account.Mails.Has("m1"))
}

func TestApplyPatchRemoveThenUpsertResurrects(t *testing.T) {
	db := NewDatabase(Options{})
	mail := testMail("m1", "c1", false, 100, SystemFolderInbox)
	_, err := ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{mail}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)

	_, err = ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{
		Remove: []PKRef{{PK: "m1"}},
		Upsert: []Mail{mail},
	}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)

	account, _ := db.Account(testKey)
	assert.True(t, account.Mails.Has("m1"))
}

func TestApplyPatchValidationIsAllOrNothing(t *testing.T) {
	db := NewDatabase(Options{})
	good := testMail("m1", "c1", false, 100, SystemFolderInbox)
	bad := testMail("m2", "c1", false, 100, SystemFolderInbox)
	bad.ID = ""

	_, err := ApplyPatch(db, testKey, Patch{
		Mails:   EntitiesPatch[Mail]{Upsert: []Mail{good, bad}},
		Folders: EntitiesPatch[Folder]{Upsert: []Folder{testFolder(SystemFolderInbox, FolderTypeSystem, "Inbox")}},
	}, MetadataPatch{LatestEventID: StringPtr("e1")}, PatchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrValidation))
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))

	_, ok := db.Account(testKey)
	assert.False(t, ok, "failed patch must not create the account")
}

func TestApplyPatchRejectsSelfReferencingConversationEntry(t *testing.T) {
	db := NewDatabase(Options{})
	entry := ConversationEntry{Entity: Entity{PK: "c1", ID: "c1"}, PreviousPK: "c1"}
	_, err := ApplyPatch(db, testKey, Patch{ConversationEntries: EntitiesPatch[ConversationEntry]{Upsert: []ConversationEntry{entry}}}, MetadataPatch{}, PatchOptions{})
	require.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestApplyPatchRevisionIncrementsOncePerWrite(t *testing.T) {
	db := NewDatabase(Options{})
	first, err := ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{testMail("m1", "c1", false, 1)}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	second, err := ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{testMail("m2", "c1", false, 2)}}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Rev+1, second.Rev)

	noop, err := ApplyPatch(db, testKey, Patch{}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	assert.False(t, noop.Modified())
	assert.Equal(t, second.Rev, noop.Rev)
}

func TestApplyPatchMetadataFlags(t *testing.T) {
	db := NewDatabase(Options{})
	result, err := ApplyPatch(db, testKey, Patch{}, MetadataPatch{
		LatestEventID: StringPtr("e1"),
		FetchStage:    StagePtr(FetchStageEvents),
	}, PatchOptions{})
	require.NoError(t, err)
	assert.False(t, result.EntitiesModified)
	assert.True(t, result.MetadataModified)
	assert.Equal(t, "e1", result.Metadata.LatestEventID)

	result, err = ApplyPatch(db, testKey, Patch{}, MetadataPatch{LatestEventID: StringPtr("e1")}, PatchOptions{})
	require.NoError(t, err)
	assert.False(t, result.MetadataModified)
	assert.Equal(t, FetchStageEvents, result.Metadata.FetchStage, "unset fields are kept")
}

func TestApplyPatchRecordsTombstones(t *testing.T) {
	db := NewDatabase(Options{})
	_, err := ApplyPatch(db, testKey, Patch{
		Mails: EntitiesPatch[Mail]{Remove: []PKRef{{PK: "m1"}, {PK: "m1"}}},
	}, MetadataPatch{}, PatchOptions{RecordTombstones: true})
	require.NoError(t, err)

	account, _ := db.Account(testKey)
	assert.Equal(t, []string{"m1"}, account.Metadata.DeletedPKs[EntityMails])

	_, err = ApplyPatch(db, testKey, Patch{
		Mails: EntitiesPatch[Mail]{Upsert: []Mail{testMail("m1", "c1", false, 1)}},
	}, MetadataPatch{}, PatchOptions{RecordTombstones: true})
	require.NoError(t, err)
	assert.Empty(t, account.Metadata.DeletedPKs[EntityMails])
}

func TestApplyPatchReturnsMailDelta(t *testing.T) {
	db := NewDatabase(Options{})
	result, err := ApplyPatch(db, testKey, Patch{Mails: EntitiesPatch[Mail]{
		Upsert: []Mail{testMail("m1", "c1", false, 1)},
		Remove: []PKRef{{PK: "m0"}},
	}}, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	require.Len(t, result.MailsUpserted, 1)
	assert.Equal(t, "m1", result.MailsUpserted[0].PK)
	assert.Equal(t, []PKRef{{PK: "m0"}}, result.MailsRemoved)
}

func TestPatchAppendKeepsApplicationOrder(t *testing.T) {
	var merged Patch
	merged.Append(Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{testMail("m1", "c1", false, 1), testMail("m2", "c1", false, 2)}}})
	merged.Append(Patch{Mails: EntitiesPatch[Mail]{Remove: []PKRef{{PK: "m1"}}}})
	merged.Append(Patch{Mails: EntitiesPatch[Mail]{Upsert: []Mail{testMail("m3", "c3", false, 3)}}})

	db := NewDatabase(Options{})
	_, err := ApplyPatch(db, testKey, merged, MetadataPatch{}, PatchOptions{})
	require.NoError(t, err)
	account, ok := db.Account(testKey)
	require.True(t, ok)
	assert.Equal(t, []string{"m2", "m3"}, account.Mails.Keys())
}

package folderview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

var viewKey = maildb.AccountKey{Type: "protonmail", Login: "alice@example.com"}

func mail(pk, conversationPK string, unread bool, sentDate int64, folders ...string) maildb.Mail {
	return maildb.Mail{
		Entity:              maildb.Entity{PK: pk, ID: "id-" + pk, Raw: "{}"},
		ConversationEntryPK: conversationPK,
		MailFolderIDs:       folders,
		SentDate:            sentDate,
		Subject:             "subject " + pk,
		Body:                "<p>secret body</p>",
		Unread:              unread,
		State:               maildb.MailStateReceived,
	}
}

func folder(id string, folderType maildb.FolderType, name string) maildb.Folder {
	return maildb.Folder{
		Entity:       maildb.Entity{PK: "f-" + id, ID: id, Raw: "{}"},
		FolderType:   folderType,
		Name:         name,
		MailFolderID: id,
	}
}

func buildAccount(t *testing.T, mails []maildb.Mail, folders []maildb.Folder) *maildb.Account {
	t.Helper()
	db := maildb.NewDatabase(maildb.Options{})
	_, err := maildb.ApplyPatch(db, viewKey, maildb.Patch{
		Mails:   maildb.EntitiesPatch[maildb.Mail]{Upsert: mails},
		Folders: maildb.EntitiesPatch[maildb.Folder]{Upsert: folders},
	}, maildb.MetadataPatch{}, maildb.PatchOptions{})
	require.NoError(t, err)
	account, ok := db.Account(viewKey)
	require.True(t, ok)
	return account
}

func standardFolders() []maildb.Folder {
	return []maildb.Folder{
		folder(maildb.SystemFolderSpam, maildb.FolderTypeSystem, "Spam"),
		folder(maildb.SystemFolderInbox, maildb.FolderTypeSystem, "INBOX"),
		folder(maildb.SystemFolderSent, maildb.FolderTypeSystem, "Sent Items"),
		folder("work", maildb.FolderTypeCustom, "Work"),
	}
}

func findFolder(t *testing.T, view FoldersView, id string) *Folder {
	t.Helper()
	for _, f := range append(append([]*Folder{}, view.System...), view.Custom...) {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("folder %q not in view", id)
	return nil
}

func collectMails(node *ConversationNode, fn func(*Mail)) {
	if node.Mail != nil {
		fn(node.Mail)
	}
	for _, child := range node.Children {
		collectMails(child, fn)
	}
}

func TestBuildFoldersViewThreadsByConversation(t *testing.T) {
	account := buildAccount(t, []maildb.Mail{
		mail("m1", "c1", true, 100, maildb.SystemFolderInbox),
		mail("m2", "c1", false, 300, maildb.SystemFolderSent),
		mail("m3", "c2", false, 200, maildb.SystemFolderInbox, "work"),
	}, standardFolders())

	view := BuildFoldersView(account)
	inbox := findFolder(t, view, maildb.SystemFolderInbox)
	require.Len(t, inbox.RootConversationNodes, 2)

	first := inbox.RootConversationNodes[0]
	assert.Equal(t, "c1", first.EntryPK, "newest conversation first")
	assert.Nil(t, first.Mail, "roots are virtual")
	require.NotNil(t, first.Summary)
	assert.Equal(t, Summary{Size: 2, Unread: 1, MaxDate: 300}, *first.Summary)
	require.Len(t, first.Children, 2)
	assert.Equal(t, "c1:m2", first.Children[0].EntryPK, "children newest first")
	assert.Equal(t, "c1:m1", first.Children[1].EntryPK)

	assert.Equal(t, 2, inbox.Size, "m2 of c1 sits in sent only")
	assert.Equal(t, 1, inbox.Unread)
	sent := findFolder(t, view, maildb.SystemFolderSent)
	require.Len(t, sent.RootConversationNodes, 1)
	assert.Same(t, first, sent.RootConversationNodes[0], "folders share root nodes")
}

func TestBuildFoldersViewStripsBodies(t *testing.T) {
	account := buildAccount(t, []maildb.Mail{mail("m1", "c1", false, 1, maildb.SystemFolderInbox)}, standardFolders())
	view := BuildFoldersView(account)
	inbox := findFolder(t, view, maildb.SystemFolderInbox)
	require.Len(t, inbox.RootConversationNodes, 1)
	collectMails(inbox.RootConversationNodes[0], func(m *Mail) {
		assert.Equal(t, "subject m1", m.Subject)
		assert.Equal(t, []string{maildb.SystemFolderInbox}, m.Folders)
	})
}

func TestBuildFoldersViewHasNoOrphans(t *testing.T) {
	account := buildAccount(t, []maildb.Mail{
		mail("m1", "c1", false, 1, maildb.SystemFolderInbox),
		mail("m2", "", false, 2, maildb.SystemFolderInbox),
		mail("m3", "c3", false, 3),
		mail("m4", "c1", true, 4, "missing-folder"),
	}, standardFolders())

	a := newArena(0)
	for _, m := range account.Mails.Values() {
		root := m.ConversationEntryPK
		if root == "" {
			root = m.PK
		}
		i := a.lookupOrInsert(root + ":" + m.PK)
		a.nodes[i].previousPK = root
	}
	roots := a.link()
	for i, node := range a.nodes {
		if node.parent == noParent {
			assert.Contains(t, roots, i)
			continue
		}
		assert.Equal(t, node.previousPK, a.nodes[node.parent].entryPK)
	}
	assert.Len(t, roots, 3, "c1, m2 and c3 roots are synthesized")

	view := BuildFoldersView(account)
	inbox := findFolder(t, view, maildb.SystemFolderInbox)
	seen := map[string]bool{}
	for _, root := range inbox.RootConversationNodes {
		collectMails(root, func(m *Mail) { seen[m.PK] = true })
	}
	assert.Equal(t, map[string]bool{"m1": true, "m2": true, "m4": true}, seen)
}

func TestFolderSummaryMatchesBruteForce(t *testing.T) {
	mails := []maildb.Mail{
		mail("m1", "c1", true, 10, maildb.SystemFolderInbox),
		mail("m2", "c1", true, 20, maildb.SystemFolderInbox, "work"),
		mail("m3", "c2", false, 30, "work"),
		mail("m4", "c3", true, 40, maildb.SystemFolderSpam),
		mail("m5", "c4", true, 50, maildb.SystemFolderSent),
		mail("m6", "c4", false, 60, maildb.SystemFolderInbox),
	}
	view := BuildFoldersView(buildAccount(t, mails, standardFolders()))

	for _, id := range []string{maildb.SystemFolderInbox, maildb.SystemFolderSpam, maildb.SystemFolderSent, "work", maildb.SystemFolderVirtualUnread} {
		f := findFolder(t, view, id)
		size, unread := 0, 0
		for _, root := range f.RootConversationNodes {
			collectMails(root, func(m *Mail) {
				for _, member := range m.Folders {
					if member == id {
						size++
						if m.Unread {
							unread++
						}
					}
				}
			})
		}
		assert.Equal(t, size, f.Size, id)
		assert.Equal(t, unread, f.Unread, id)
	}

	assert.Equal(t, 3, findFolder(t, view, maildb.SystemFolderInbox).Size)
	assert.Equal(t, 2, findFolder(t, view, maildb.SystemFolderInbox).Unread)
	assert.Equal(t, 3, findFolder(t, view, maildb.SystemFolderVirtualUnread).Unread, "spam is not virtually unread")
}

func TestFolderOrdering(t *testing.T) {
	folders := append(standardFolders(),
		folder("f10", maildb.FolderTypeCustom, "folder 10"),
		folder("f9", maildb.FolderTypeCustom, "folder 9"),
		folder("alpha", maildb.FolderTypeCustom, "alpha"),
		folder(maildb.SystemFolderTrash, maildb.FolderTypeSystem, "Bin"),
	)
	view := BuildFoldersView(buildAccount(t, nil, folders))

	var system []string
	for _, f := range view.System {
		system = append(system, f.ID)
	}
	assert.Equal(t, []string{
		maildb.SystemFolderVirtualUnread,
		maildb.SystemFolderInbox,
		maildb.SystemFolderSent,
		maildb.SystemFolderSpam,
		maildb.SystemFolderTrash,
	}, system)
	assert.Equal(t, "Trash", findFolder(t, view, maildb.SystemFolderTrash).Title)
	assert.Equal(t, "Bin", findFolder(t, view, maildb.SystemFolderTrash).Name)

	var custom []string
	for _, f := range view.Custom {
		custom = append(custom, f.Name)
	}
	assert.Equal(t, []string{"alpha", "folder 9", "folder 10", "Work"}, custom)
}

func TestArenaBreaksCycles(t *testing.T) {
	a := newArena(0)
	x := a.lookupOrInsert("x")
	y := a.lookupOrInsert("y")
	a.nodes[x].previousPK = "y"
	a.nodes[y].previousPK = "x"

	roots := a.link()
	require.Len(t, roots, 1)
	a.summarize(roots[0])
	count := 0
	a.walk(roots[0], func(*arenaNode) { count++ })
	assert.Equal(t, 2, count)
}

func TestPrepareFoldersView(t *testing.T) {
	account := buildAccount(t, []maildb.Mail{
		mail("m1", "c1", true, 1, maildb.SystemFolderSpam),
		mail("m2", "c2", true, 2, "work"),
	}, standardFolders())

	summary := PrepareFoldersView(account, false)
	require.NotEmpty(t, summary.System)
	for _, f := range summary.System {
		if f.ID == maildb.SystemFolderSpam {
			assert.Equal(t, 0, f.Unread)
			assert.Equal(t, 1, f.Size)
		}
	}
	require.Len(t, summary.Custom, 1)
	assert.Equal(t, FolderSummary{ID: "work", Name: "Work", Title: "Work", FolderType: maildb.FolderTypeCustom, Size: 1, Unread: 1}, summary.Custom[0])

	withSpam := PrepareFoldersView(account, true)
	for _, f := range withSpam.System {
		if f.ID == maildb.SystemFolderSpam {
			assert.Equal(t, 1, f.Unread)
		}
	}
}

func TestBuildFoldersViewNilAccount(t *testing.T) {
	view := BuildFoldersView(nil)
	assert.Empty(t, view.System)
	assert.Empty(t, view.Custom)
}

func TestBuildFoldersViewFollowsStoredEntries(t *testing.T) {
	db := maildb.NewDatabase(maildb.Options{})
	_, err := maildb.ApplyPatch(db, viewKey, maildb.Patch{
		ConversationEntries: maildb.EntitiesPatch[maildb.ConversationEntry]{Upsert: []maildb.ConversationEntry{
			{Entity: maildb.Entity{PK: "c1", ID: "id-c1", Raw: "{}"}, MailPK: "m1"},
			{Entity: maildb.Entity{PK: "c2", ID: "id-c2", Raw: "{}"}, MailPK: "m2", PreviousPK: "c1"},
		}},
		Mails: maildb.EntitiesPatch[maildb.Mail]{Upsert: []maildb.Mail{
			mail("m1", "c1", false, 100, maildb.SystemFolderInbox),
			mail("m2", "c1", true, 200, maildb.SystemFolderInbox),
			mail("m3", "c1", false, 300, maildb.SystemFolderSent),
		}},
		Folders: maildb.EntitiesPatch[maildb.Folder]{Upsert: standardFolders()},
	}, maildb.MetadataPatch{}, maildb.PatchOptions{})
	require.NoError(t, err)
	account, ok := db.Account(viewKey)
	require.True(t, ok)

	view := BuildFoldersView(account)
	inbox := findFolder(t, view, maildb.SystemFolderInbox)
	require.Len(t, inbox.RootConversationNodes, 1, "reply chain stays one conversation")

	root := inbox.RootConversationNodes[0]
	assert.Equal(t, "c1", root.EntryPK)
	require.NotNil(t, root.Mail, "stored root entry is real")
	assert.Equal(t, "m1", root.Mail.PK)
	require.NotNil(t, root.Summary)
	assert.Equal(t, Summary{Size: 3, Unread: 1, MaxDate: 300}, *root.Summary)

	require.Len(t, root.Children, 2)
	assert.Equal(t, "c1:m3", root.Children[0].EntryPK, "uncarried mail joins the stored root")
	assert.Equal(t, "c2", root.Children[1].EntryPK)
	require.NotNil(t, root.Children[1].Mail)
	assert.Equal(t, "m2", root.Children[1].Mail.PK)
	assert.Equal(t, 2, inbox.Size)

	sent := findFolder(t, view, maildb.SystemFolderSent)
	require.Len(t, sent.RootConversationNodes, 1)
	assert.Same(t, root, sent.RootConversationNodes[0])
}

func TestBuildFoldersViewEntryWithoutMailIsPlaceholder(t *testing.T) {
	db := maildb.NewDatabase(maildb.Options{})
	_, err := maildb.ApplyPatch(db, viewKey, maildb.Patch{
		ConversationEntries: maildb.EntitiesPatch[maildb.ConversationEntry]{Upsert: []maildb.ConversationEntry{
			{Entity: maildb.Entity{PK: "c1", ID: "id-c1", Raw: "{}"}, MailPK: "gone"},
			{Entity: maildb.Entity{PK: "c2", ID: "id-c2", Raw: "{}"}, MailPK: "m2", PreviousPK: "c1"},
		}},
		Mails:   maildb.EntitiesPatch[maildb.Mail]{Upsert: []maildb.Mail{mail("m2", "c1", false, 5, maildb.SystemFolderInbox)}},
		Folders: maildb.EntitiesPatch[maildb.Folder]{Upsert: standardFolders()},
	}, maildb.MetadataPatch{}, maildb.PatchOptions{})
	require.NoError(t, err)
	account, ok := db.Account(viewKey)
	require.True(t, ok)

	inbox := findFolder(t, BuildFoldersView(account), maildb.SystemFolderInbox)
	require.Len(t, inbox.RootConversationNodes, 1)
	root := inbox.RootConversationNodes[0]
	assert.Equal(t, "c1", root.EntryPK)
	assert.Nil(t, root.Mail)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "c2", root.Children[0].EntryPK)
}

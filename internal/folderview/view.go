// Package folderview threads an account's mails into conversations and
// summarizes them per folder.
package folderview

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

var systemFolderOrder = func() map[string]int {
	order := make(map[string]int, len(maildb.SystemFolderIDs))
	for i, id := range maildb.SystemFolderIDs {
		order[id] = i
	}
	return order
}()

var systemFolderTitles = map[string]string{
	maildb.SystemFolderVirtualUnread: "Unread",
	maildb.SystemFolderInbox:         "Inbox",
	maildb.SystemFolderDrafts:        "Drafts",
	maildb.SystemFolderSent:          "Sent",
	maildb.SystemFolderStarred:       "Starred",
	maildb.SystemFolderArchive:       "Archive",
	maildb.SystemFolderSpam:          "Spam",
	maildb.SystemFolderTrash:         "Trash",
	maildb.SystemFolderAllMail:       "All Mail",
}

type Summary struct {
	Size    int   `json:"size"`
	Unread  int   `json:"unread"`
	MaxDate int64 `json:"maxDate"`
}

// Mail is the listing projection of a stored mail. Body and raw source are
// left out; they are read one mail at a time.
type Mail struct {
	PK                  string               `json:"pk"`
	ID                  string               `json:"id"`
	ConversationEntryPK string               `json:"conversationEntryPk"`
	Subject             string               `json:"subject"`
	BodyExcerpt         string               `json:"bodyExcerpt,omitempty"`
	SentDate            int64                `json:"sentDate"`
	Sender              maildb.MailAddress   `json:"sender"`
	ToRecipients        []maildb.MailAddress `json:"toRecipients,omitempty"`
	Unread              bool                 `json:"unread"`
	State               maildb.MailState     `json:"state,omitempty"`
	AttachmentCount     int                  `json:"attachmentCount"`
	Folders             []string             `json:"folders"`
}

type ConversationNode struct {
	EntryPK  string              `json:"entryPk"`
	Mail     *Mail               `json:"mail,omitempty"`
	Children []*ConversationNode `json:"children"`
	Summary  *Summary            `json:"summary,omitempty"`
}

type Folder struct {
	ID                    string              `json:"id"`
	PK                    string              `json:"pk"`
	Name                  string              `json:"name"`
	Title                 string              `json:"title"`
	FolderType            maildb.FolderType   `json:"folderType"`
	Size                  int                 `json:"size"`
	Unread                int                 `json:"unread"`
	RootConversationNodes []*ConversationNode `json:"rootConversationNodes"`
}

type FoldersView struct {
	System []*Folder `json:"system"`
	Custom []*Folder `json:"custom"`
}

type builder struct {
	arena       *arena
	folders     []*Folder
	folderIndex map[string]int
	folderRoots [][]int
	rootSeen    []map[int]bool
}

// BuildFoldersView derives the conversation forest of account and attaches
// every conversation to the folders its mails belong to.
func BuildFoldersView(account *maildb.Account) FoldersView {
	if account == nil {
		return FoldersView{System: []*Folder{}, Custom: []*Folder{}}
	}
	b := &builder{
		arena:       newArena(account.ConversationEntries.Len() + account.Mails.Len()*2),
		folderIndex: map[string]int{},
	}
	b.resolveFolders(account)

	carried := b.addEntries(account)
	for _, mail := range account.Mails.Values() {
		if carried[mail.PK] {
			continue
		}
		b.addMail(mail)
	}
	roots := b.arena.link()
	for _, root := range roots {
		b.arena.summarize(root)
	}
	b.attach()
	nodes := b.materialize(roots)
	b.fillFolders(nodes)
	return b.split()
}

func (b *builder) resolveFolders(account *maildb.Account) {
	b.addFolder(&Folder{
		ID:         maildb.SystemFolderVirtualUnread,
		PK:         maildb.SystemFolderVirtualUnread,
		Name:       systemFolderTitles[maildb.SystemFolderVirtualUnread],
		FolderType: maildb.FolderTypeSystem,
	})
	for _, folder := range account.Folders.Values() {
		id := folder.MailFolderID
		if id == "" {
			id = folder.PK
		}
		if _, ok := b.folderIndex[id]; ok {
			continue
		}
		folderType := folder.FolderType
		if folderType == "" {
			folderType = maildb.FolderTypeCustom
			if maildb.IsSystemFolderID(id) {
				folderType = maildb.FolderTypeSystem
			}
		}
		b.addFolder(&Folder{
			ID:         id,
			PK:         folder.PK,
			Name:       folder.Name,
			FolderType: folderType,
		})
	}
	for _, folder := range b.folders {
		folder.Title = folder.Name
		if title, ok := systemFolderTitles[folder.ID]; ok && folder.FolderType == maildb.FolderTypeSystem {
			folder.Title = title
		}
	}
}

func (b *builder) addFolder(folder *Folder) {
	b.folderIndex[folder.ID] = len(b.folders)
	b.folders = append(b.folders, folder)
	b.folderRoots = append(b.folderRoots, nil)
	b.rootSeen = append(b.rootSeen, map[int]bool{})
}

// addEntries seeds the arena with the stored conversation entries and returns
// the pks of the mails they carry. A mail carried by several entries stays on
// the first one.
func (b *builder) addEntries(account *maildb.Account) map[string]bool {
	carried := map[string]bool{}
	for _, entry := range account.ConversationEntries.Values() {
		i := b.arena.lookupOrInsert(entry.PK)
		node := &b.arena.nodes[i]
		node.previousPK = entry.PreviousPK
		if entry.MailPK == "" || carried[entry.MailPK] {
			continue
		}
		mail, ok := account.Mails.Get(entry.MailPK)
		if !ok {
			continue
		}
		carried[mail.PK] = true
		node.mail = &mail
		node.folders = b.membership(mail)
	}
	return carried
}

// addMail synthesizes the conversation entries of a mail no stored entry
// carries: a child entry holding the mail under its conversation pk, which
// stays virtual unless a stored entry already has that pk.
func (b *builder) addMail(mail maildb.Mail) {
	rootPK := mail.ConversationEntryPK
	if rootPK == "" {
		rootPK = mail.PK
	}
	b.arena.lookupOrInsert(rootPK)

	i := b.arena.lookupOrInsert(rootPK + ":" + mail.PK)
	node := &b.arena.nodes[i]
	node.previousPK = rootPK
	stored := mail
	node.mail = &stored
	node.folders = b.membership(mail)
}

func (b *builder) membership(mail maildb.Mail) []int {
	out := make([]int, 0, len(mail.MailFolderIDs)+1)
	seen := map[int]bool{}
	for _, id := range mail.MailFolderIDs {
		idx, ok := b.folderIndex[id]
		if !ok || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	if mail.Unread && !mail.InFolder(maildb.SystemFolderSpam) {
		out = append(out, b.folderIndex[maildb.SystemFolderVirtualUnread])
	}
	return out
}

func (b *builder) attach() {
	for i := range b.arena.nodes {
		node := &b.arena.nodes[i]
		if node.mail == nil {
			continue
		}
		root := b.arena.root(i)
		for _, folder := range node.folders {
			if b.rootSeen[folder][root] {
				continue
			}
			b.rootSeen[folder][root] = true
			b.folderRoots[folder] = append(b.folderRoots[folder], root)
		}
	}
	for folder := range b.folderRoots {
		roots := b.folderRoots[folder]
		sort.SliceStable(roots, func(x, y int) bool {
			left, right := b.arena.nodes[roots[x]], b.arena.nodes[roots[y]]
			if left.maxDate != right.maxDate {
				return left.maxDate > right.maxDate
			}
			return left.entryPK < right.entryPK
		})
	}
}

func (b *builder) materialize(roots []int) []*ConversationNode {
	out := make([]*ConversationNode, len(b.arena.nodes))
	for i := range b.arena.nodes {
		node := b.arena.nodes[i]
		view := &ConversationNode{EntryPK: node.entryPK, Children: []*ConversationNode{}}
		if node.mail != nil {
			view.Mail = b.mailView(*node.mail, node.folders)
		}
		out[i] = view
	}
	for i := range b.arena.nodes {
		for _, child := range b.arena.nodes[i].children {
			out[i].Children = append(out[i].Children, out[child])
		}
	}
	for _, root := range roots {
		node := b.arena.nodes[root]
		out[root].Summary = &Summary{Size: node.size, Unread: node.unread, MaxDate: node.maxDate}
	}
	return out
}

func (b *builder) mailView(mail maildb.Mail, folders []int) *Mail {
	ids := make([]string, 0, len(folders))
	for _, folder := range folders {
		ids = append(ids, b.folders[folder].ID)
	}
	return &Mail{
		PK:                  mail.PK,
		ID:                  mail.ID,
		ConversationEntryPK: mail.ConversationEntryPK,
		Subject:             mail.Subject,
		BodyExcerpt:         mail.BodyExcerpt,
		SentDate:            mail.SentDate,
		Sender:              mail.Sender,
		ToRecipients:        append([]maildb.MailAddress(nil), mail.ToRecipients...),
		Unread:              mail.Unread,
		State:               mail.State,
		AttachmentCount:     len(mail.Attachments),
		Folders:             ids,
	}
}

// fillFolders attaches the root nodes and recounts size and unread from the
// mails that still list the folder.
func (b *builder) fillFolders(nodes []*ConversationNode) {
	for folder, roots := range b.folderRoots {
		view := b.folders[folder]
		view.RootConversationNodes = make([]*ConversationNode, 0, len(roots))
		view.Size, view.Unread = 0, 0
		for _, root := range roots {
			view.RootConversationNodes = append(view.RootConversationNodes, nodes[root])
			b.arena.walk(root, func(node *arenaNode) {
				if node.mail == nil || !containsInt(node.folders, folder) {
					return
				}
				view.Size++
				if node.mail.Unread {
					view.Unread++
				}
			})
		}
	}
}

func (b *builder) split() FoldersView {
	view := FoldersView{System: []*Folder{}, Custom: []*Folder{}}
	for _, folder := range b.folders {
		if folder.FolderType == maildb.FolderTypeSystem {
			view.System = append(view.System, folder)
		} else {
			view.Custom = append(view.Custom, folder)
		}
	}
	sortSystemFolders(view.System)
	sortCustomFolders(view.Custom)
	return view
}

func sortSystemFolders(folders []*Folder) {
	sort.SliceStable(folders, func(x, y int) bool {
		left, leftKnown := systemFolderOrder[folders[x].ID]
		right, rightKnown := systemFolderOrder[folders[y].ID]
		switch {
		case leftKnown && rightKnown:
			return left < right
		case leftKnown != rightKnown:
			return leftKnown
		default:
			return folders[x].Name < folders[y].Name
		}
	})
}

func sortCustomFolders(folders []*Folder) {
	collator := collate.New(language.Und, collate.IgnoreCase, collate.Numeric)
	sort.SliceStable(folders, func(x, y int) bool {
		if c := collator.CompareString(folders[x].Name, folders[y].Name); c != 0 {
			return c < 0
		}
		return folders[x].ID < folders[y].ID
	})
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

type FolderSummary struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Title      string            `json:"title"`
	FolderType maildb.FolderType `json:"type"`
	Size       int               `json:"size"`
	Unread     int               `json:"unread"`
}

type FoldersSummary struct {
	System []FolderSummary `json:"system"`
	Custom []FolderSummary `json:"custom"`
}

// PrepareFoldersView returns the folder list without conversation nodes.
// Unless includingSpam is set the spam folder reports no unread mails.
func PrepareFoldersView(account *maildb.Account, includingSpam bool) FoldersSummary {
	view := BuildFoldersView(account)
	return FoldersSummary{
		System: summaries(view.System, includingSpam),
		Custom: summaries(view.Custom, includingSpam),
	}
}

func summaries(folders []*Folder, includingSpam bool) []FolderSummary {
	out := make([]FolderSummary, 0, len(folders))
	for _, folder := range folders {
		summary := FolderSummary{
			ID:         folder.ID,
			Name:       folder.Name,
			Title:      folder.Title,
			FolderType: folder.FolderType,
			Size:       folder.Size,
			Unread:     folder.Unread,
		}
		if folder.ID == maildb.SystemFolderSpam && !includingSpam {
			summary.Unread = 0
		}
		out = append(out, summary)
	}
	return out
}

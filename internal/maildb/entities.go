package maildb

import (
	"strings"
)

type EntityType string

const (
	EntityConversationEntries EntityType = "conversationEntries"
	EntityMails               EntityType = "mails"
	EntityFolders             EntityType = "folders"
	EntityContacts            EntityType = "contacts"
)

var EntityTypes = []EntityType{
	EntityConversationEntries,
	EntityMails,
	EntityFolders,
	EntityContacts,
}

type FetchStage string

const (
	FetchStageUnstarted                 FetchStage = ""
	FetchStageBootstrapInit             FetchStage = "bootstrap_init"
	FetchStageBootstrapMessagesMetadata FetchStage = "bootstrap_messages_metadata"
	FetchStageBootstrapMessagesContent  FetchStage = "bootstrap_messages_content"
	FetchStageBootstrapFinal            FetchStage = "bootstrap_final"
	FetchStageEvents                    FetchStage = "events"
)

func (s FetchStage) Bootstrapping() bool {
	return strings.HasPrefix(string(s), "bootstrap_")
}

type FolderType string

const (
	FolderTypeSystem FolderType = "system"
	FolderTypeCustom FolderType = "custom"
)

// System folder identifiers. Mails reference folders by these ids in
// MailFolderIDs.
const (
	SystemFolderVirtualUnread = "virtual.unread"
	SystemFolderInbox         = "inbox"
	SystemFolderDrafts        = "drafts"
	SystemFolderSent          = "sent"
	SystemFolderStarred       = "starred"
	SystemFolderArchive       = "archive"
	SystemFolderSpam          = "spam"
	SystemFolderTrash         = "trash"
	SystemFolderAllMail       = "all_mail"
)

var SystemFolderIDs = []string{
	SystemFolderVirtualUnread,
	SystemFolderInbox,
	SystemFolderDrafts,
	SystemFolderSent,
	SystemFolderStarred,
	SystemFolderArchive,
	SystemFolderSpam,
	SystemFolderTrash,
	SystemFolderAllMail,
}

func IsSystemFolderID(id string) bool {
	for _, systemID := range SystemFolderIDs {
		if systemID == id {
			return true
		}
	}
	return false
}

type MailState string

const (
	MailStateReceived MailState = "received"
	MailStateSent     MailState = "sent"
	MailStateDraft    MailState = "draft"
)

type AccountKey struct {
	Type  string `json:"type,omitempty"`
	Login string `json:"login"`
}

func (k AccountKey) String() string {
	if k.Type == "" {
		return k.Login
	}
	return k.Type + ":" + k.Login
}

type Entity struct {
	PK  string `json:"pk"`
	ID  string `json:"id"`
	Raw string `json:"raw"`
}

func (e Entity) Key() string {
	return e.PK
}

type MailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type File struct {
	Entity
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Mail struct {
	Entity
	ConversationEntryPK string          `json:"conversationEntryPk"`
	MailFolderIDs       []string        `json:"mailFolderIds"`
	SentDate            int64           `json:"sentDate"`
	Subject             string          `json:"subject"`
	Body                string          `json:"body"`
	BodyExcerpt         string          `json:"bodyExcerpt,omitempty"`
	Sender              MailAddress     `json:"sender"`
	ToRecipients        []MailAddress   `json:"toRecipients"`
	CCRecipients        []MailAddress   `json:"ccRecipients"`
	BCCRecipients       []MailAddress   `json:"bccRecipients"`
	Attachments         []File          `json:"attachments"`
	Unread              bool            `json:"unread"`
	State               MailState       `json:"state"`
	Confidential        bool            `json:"confidential"`
	ReplyType           string          `json:"replyType,omitempty"`
	MimeType            string          `json:"mimeType,omitempty"`
	FailedDownload      *FailedDownload `json:"failedDownload,omitempty"`
}

type FailedDownload struct {
	Type         string `json:"type"`
	ErrorMessage string `json:"errorMessage"`
}

func (m Mail) InFolder(folderID string) bool {
	for _, id := range m.MailFolderIDs {
		if id == folderID {
			return true
		}
	}
	return false
}

func (m Mail) clone() Mail {
	out := m
	out.MailFolderIDs = append([]string(nil), m.MailFolderIDs...)
	out.ToRecipients = append([]MailAddress(nil), m.ToRecipients...)
	out.CCRecipients = append([]MailAddress(nil), m.CCRecipients...)
	out.BCCRecipients = append([]MailAddress(nil), m.BCCRecipients...)
	out.Attachments = append([]File(nil), m.Attachments...)
	if m.FailedDownload != nil {
		failed := *m.FailedDownload
		out.FailedDownload = &failed
	}
	return out
}

type Folder struct {
	Entity
	FolderType   FolderType `json:"folderType"`
	Name         string     `json:"name"`
	MailFolderID string     `json:"mailFolderId"`
	Order        *int       `json:"order,omitempty"`
}

func (f Folder) clone() Folder {
	out := f
	if f.Order != nil {
		order := *f.Order
		out.Order = &order
	}
	return out
}

type ConversationEntry struct {
	Entity
	MailPK     string `json:"mailPk,omitempty"`
	PreviousPK string `json:"previousPk,omitempty"`
}

func (c ConversationEntry) clone() ConversationEntry {
	return c
}

type Contact struct {
	Entity
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Company   string   `json:"company,omitempty"`
	Emails    []string `json:"emails,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}

func (c Contact) clone() Contact {
	out := c
	out.Emails = append([]string(nil), c.Emails...)
	return out
}

type Metadata struct {
	LatestEventID               string                  `json:"latestEventId"`
	FetchStage                  FetchStage              `json:"fetchStage,omitempty"`
	LastGroupEntityEventBatches map[string]string       `json:"lastGroupEntityEventBatches,omitempty"`
	DeletedPKs                  map[EntityType][]string `json:"deletedPks,omitempty"`
}

func (m Metadata) Clone() Metadata {
	out := Metadata{
		LatestEventID: m.LatestEventID,
		FetchStage:    m.FetchStage,
	}
	if m.LastGroupEntityEventBatches != nil {
		out.LastGroupEntityEventBatches = make(map[string]string, len(m.LastGroupEntityEventBatches))
		for k, v := range m.LastGroupEntityEventBatches {
			out.LastGroupEntityEventBatches[k] = v
		}
	}
	if m.DeletedPKs != nil {
		out.DeletedPKs = make(map[EntityType][]string, len(m.DeletedPKs))
		for k, v := range m.DeletedPKs {
			out.DeletedPKs[k] = append([]string(nil), v...)
		}
	}
	return out
}

func (m Metadata) tombstoned(entityType EntityType, pk string) bool {
	for _, deleted := range m.DeletedPKs[entityType] {
		if deleted == pk {
			return true
		}
	}
	return false
}

type Account struct {
	Key                 AccountKey                `json:"key"`
	ConversationEntries *Table[ConversationEntry] `json:"conversationEntries"`
	Mails               *Table[Mail]              `json:"mails"`
	Folders             *Table[Folder]            `json:"folders"`
	Contacts            *Table[Contact]           `json:"contacts"`
	Metadata            Metadata                  `json:"metadata"`
	Rev                 uint64                    `json:"rev"`
}

func newAccount(key AccountKey) *Account {
	return &Account{
		Key:                 key,
		ConversationEntries: NewTable[ConversationEntry](),
		Mails:               NewTable[Mail](),
		Folders:             NewTable[Folder](),
		Contacts:            NewTable[Contact](),
	}
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	return &Account{
		Key:                 a.Key,
		ConversationEntries: a.ConversationEntries.Clone(ConversationEntry.clone),
		Mails:               a.Mails.Clone(Mail.clone),
		Folders:             a.Folders.Clone(Folder.clone),
		Contacts:            a.Contacts.Clone(Contact.clone),
		Metadata:            a.Metadata.Clone(),
		Rev:                 a.Rev,
	}
}

func (a *Account) ensureTables() {
	if a.ConversationEntries == nil {
		a.ConversationEntries = NewTable[ConversationEntry]()
	}
	if a.Mails == nil {
		a.Mails = NewTable[Mail]()
	}
	if a.Folders == nil {
		a.Folders = NewTable[Folder]()
	}
	if a.Contacts == nil {
		a.Contacts = NewTable[Contact]()
	}
}

type Stat struct {
	Accounts      int `json:"accounts,omitempty"`
	Conversations int `json:"conversationEntries"`
	Mails         int `json:"mails"`
	Folders       int `json:"folders"`
	Contacts      int `json:"contacts"`
	Unread        int `json:"unread"`
}

// Package indexing coordinates the out-of-process full-text indexer. Requests
// go out through an outbox, responses come back correlated by uid.
package indexing

import (
	"github.com/agentworkforce/relaymail/internal/htmltext"
	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/notify"
)

type MessageType string

const (
	// Outbound.
	MessageIndex     MessageType = "Index"
	MessageSearch    MessageType = "Search"
	MessageBootstrap MessageType = "Bootstrap"

	// Inbound.
	MessageIndexingResult MessageType = "IndexingResult"
	MessageSearchResult   MessageType = "SearchResult"
	MessageBootstrapped   MessageType = "Bootstrapped"
	MessageProgressState  MessageType = "ProgressState"
	MessageError          MessageType = "ErrorMessage"
)

// IndexableMail is the part of a mail the indexer may see.
type IndexableMail struct {
	PK              string               `json:"pk"`
	Subject         string               `json:"subject"`
	Body            string               `json:"body"`
	Sender          maildb.MailAddress   `json:"sender"`
	ToRecipients    []maildb.MailAddress `json:"toRecipients,omitempty"`
	CCRecipients    []maildb.MailAddress `json:"ccRecipients,omitempty"`
	BCCRecipients   []maildb.MailAddress `json:"bccRecipients,omitempty"`
	AttachmentNames []string             `json:"attachmentNames,omitempty"`
	MimeType        string               `json:"mimeType,omitempty"`
}

func Indexable(mail maildb.Mail) IndexableMail {
	names := make([]string, 0, len(mail.Attachments))
	for _, file := range mail.Attachments {
		if file.Name != "" {
			names = append(names, file.Name)
		}
	}
	return IndexableMail{
		PK:              mail.PK,
		Subject:         mail.Subject,
		Body:            htmltext.PlainText(mail.Body),
		Sender:          mail.Sender,
		ToRecipients:    append([]maildb.MailAddress(nil), mail.ToRecipients...),
		CCRecipients:    append([]maildb.MailAddress(nil), mail.CCRecipients...),
		BCCRecipients:   append([]maildb.MailAddress(nil), mail.BCCRecipients...),
		AttachmentNames: names,
		MimeType:        mail.MimeType,
	}
}

func IndexableMails(mails []maildb.Mail) []IndexableMail {
	out := make([]IndexableMail, 0, len(mails))
	for _, mail := range mails {
		out = append(out, Indexable(mail))
	}
	return out
}

type IndexRequest struct {
	Key    maildb.AccountKey `json:"key"`
	Add    []IndexableMail   `json:"add,omitempty"`
	Remove []maildb.PKRef    `json:"remove,omitempty"`
}

func (r IndexRequest) Empty() bool {
	return len(r.Add) == 0 && len(r.Remove) == 0
}

type SearchItem struct {
	Key    maildb.AccountKey `json:"key"`
	MailPK string            `json:"mailPk"`
	Score  float64           `json:"score,omitempty"`
}

// Result is the indexer's answer to one Index message.
type Result struct {
	UID     string `json:"uid"`
	Indexed int    `json:"indexed"`
	Removed int    `json:"removed"`
}

// Message is the single frame shape exchanged with the indexer. Fields are
// set according to Type.
type Message struct {
	Type MessageType `json:"type"`
	UID  string      `json:"uid,omitempty"`

	Key    *maildb.AccountKey `json:"key,omitempty"`
	Add    []IndexableMail    `json:"add,omitempty"`
	Remove []maildb.PKRef     `json:"remove,omitempty"`

	Query string       `json:"query,omitempty"`
	Items []SearchItem `json:"items,omitempty"`

	Indexed  int                          `json:"indexed,omitempty"`
	Removed  int                          `json:"removed,omitempty"`
	Progress *notify.IndexerProgressState `json:"progress,omitempty"`
	Error    string                       `json:"error,omitempty"`
}

// Package export writes the mails of an account as RFC 5322 .eml files.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/agentworkforce/relaymail/internal/htmltext"
	"github.com/agentworkforce/relaymail/internal/maildb"
)

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

type Progress struct {
	Login string `json:"login"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
	File  string `json:"file"`
}

type Result struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

// Account writes one file per mail of account into dir, newest first.
// progress, when set, is called after each file. A cancelled ctx stops the
// export between files and leaves the files already written in place.
func Account(ctx context.Context, account *maildb.Account, dir string, progress func(Progress)) (Result, error) {
	if account == nil {
		return Result{}, fmt.Errorf("export: nil account")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("export: create %s: %w", dir, err)
	}

	mails := account.Mails.Values()
	sort.Slice(mails, func(i, j int) bool {
		if mails[i].SentDate != mails[j].SentDate {
			return mails[i].SentDate > mails[j].SentDate
		}
		return mails[i].PK < mails[j].PK
	})

	result := Result{Dir: dir, Files: make([]string, 0, len(mails))}
	for i, m := range mails {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		name := FileName(m)
		path := filepath.Join(dir, name)
		if err := writeFile(path, m); err != nil {
			return result, err
		}
		result.Files = append(result.Files, path)
		if progress != nil {
			progress(Progress{Login: account.Key.Login, Done: i + 1, Total: len(mails), File: name})
		}
	}
	return result, nil
}

// FileName derives a filesystem-safe name from the mail's sent date and pk.
func FileName(m maildb.Mail) string {
	stamp := time.UnixMilli(m.SentDate).UTC().Format("20060102150405")
	return unsafeFileChars.ReplaceAllString(stamp+"-"+m.PK, "_") + ".eml"
}

func writeFile(path string, m maildb.Mail) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := Write(f, m); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("export: close %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Write encodes m as a multipart/alternative message with a plain text part
// derived from the HTML body.
func Write(w io.Writer, m maildb.Mail) error {
	var h mail.Header
	h.SetDate(time.UnixMilli(m.SentDate).UTC())
	h.SetSubject(m.Subject)
	h.SetAddressList("From", []*mail.Address{toAddress(m.Sender)})
	if list := toAddresses(m.ToRecipients); len(list) > 0 {
		h.SetAddressList("To", list)
	}
	if list := toAddresses(m.CCRecipients); len(list) > 0 {
		h.SetAddressList("Cc", list)
	}
	if list := toAddresses(m.BCCRecipients); len(list) > 0 {
		h.SetAddressList("Bcc", list)
	}
	if m.ID != "" {
		h.SetMessageID(unsafeFileChars.ReplaceAllString(m.ID, "_") + "@relaymail")
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("export: header: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("export: inline: %w", err)
	}
	if err := writePart(tw, "text/plain", htmltext.PlainText(m.Body)); err != nil {
		return err
	}
	if err := writePart(tw, "text/html", m.Body); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("export: close inline: %w", err)
	}
	return mw.Close()
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("export: %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		_ = pw.Close()
		return fmt.Errorf("export: write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func toAddress(a maildb.MailAddress) *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Address}
}

func toAddresses(list []maildb.MailAddress) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, toAddress(a))
	}
	return out
}

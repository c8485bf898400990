package mailsync

import (
	"context"
	"errors"
	"strings"

	"github.com/agentworkforce/relaymail/internal/export"
	"github.com/agentworkforce/relaymail/internal/folderview"
	"github.com/agentworkforce/relaymail/internal/htmltext"
	"github.com/agentworkforce/relaymail/internal/indexing"
	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

// DataView is the full snapshot a client renders an account from.
type DataView struct {
	Key      maildb.AccountKey      `json:"key"`
	Folders  folderview.FoldersView `json:"folders"`
	Contacts []maildb.Contact       `json:"contacts"`
	Metadata maildb.Metadata        `json:"metadata"`
	Stat     maildb.Stat            `json:"stat"`
}

func accountKey(login string) (maildb.AccountKey, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return maildb.AccountKey{}, syncerr.Validation("login is required")
	}
	return maildb.AccountKey{Login: login}, nil
}

func (s *Service) AccountDataView(login string) (DataView, error) {
	key, err := accountKey(login)
	if err != nil {
		return DataView{}, err
	}
	var view DataView
	err = s.primary.View(key, func(account *maildb.Account) error {
		view = DataView{
			Key:      account.Key,
			Folders:  folderview.BuildFoldersView(account),
			Contacts: account.Contacts.Values(),
			Metadata: account.Metadata.Clone(),
			Stat:     maildb.AccountStat(account, false),
		}
		return nil
	})
	return view, err
}

func (s *Service) AccountFoldersView(login string, includingSpam bool) (folderview.FoldersSummary, error) {
	key, err := accountKey(login)
	if err != nil {
		return folderview.FoldersSummary{}, err
	}
	var summary folderview.FoldersSummary
	err = s.primary.View(key, func(account *maildb.Account) error {
		summary = folderview.PrepareFoldersView(account, includingSpam)
		return nil
	})
	return summary, err
}

// AccountMail returns one mail with its body sanitized for display.
func (s *Service) AccountMail(login, pk string) (maildb.Mail, error) {
	key, err := accountKey(login)
	if err != nil {
		return maildb.Mail{}, err
	}
	var (
		mail  maildb.Mail
		found bool
	)
	err = s.primary.View(key, func(account *maildb.Account) error {
		mail, found = account.Mails.Get(pk)
		return nil
	})
	if err != nil {
		return maildb.Mail{}, err
	}
	if !found {
		return maildb.Mail{}, syncerr.NotFound("mail %q of %q", pk, key.Login)
	}
	body, err := htmltext.Sanitize(mail.Body)
	if err != nil {
		return maildb.Mail{}, syncerr.Wrap(syncerr.KindValidation, err, "sanitize mail %q", pk)
	}
	mail.Body = body
	return mail, nil
}

func (s *Service) AccountMetadata(login string) (maildb.Metadata, error) {
	key, err := accountKey(login)
	if err != nil {
		return maildb.Metadata{}, err
	}
	var metadata maildb.Metadata
	err = s.primary.View(key, func(account *maildb.Account) error {
		metadata = account.Metadata.Clone()
		return nil
	})
	return metadata, err
}

// AccountKeys lists the accounts of the primary store.
func (s *Service) AccountKeys() []maildb.AccountKey {
	return s.primary.Keys()
}

func (s *Service) Stat() maildb.Stat {
	return s.primary.Stat()
}

// Search asks the indexer for mails of login matching query.
func (s *Service) Search(ctx context.Context, login, query string) ([]indexing.SearchItem, error) {
	key, err := accountKey(login)
	if err != nil {
		return nil, err
	}
	if s.indexer == nil {
		return nil, syncerr.New(syncerr.KindRetriableTransport, "no indexer attached")
	}
	if account, ok := s.primary.Account(key); ok {
		key = account.Key
	} else {
		return nil, syncerr.NotFound("account %q", key.Login)
	}
	return s.indexer.Search(ctx, key, query, s.searchTimeout)
}

// ResetAccount forgets login on logout: running syncs and re-index passes
// are cancelled, the indexer is told to drop its mails and both stores lose
// the account.
func (s *Service) ResetAccount(ctx context.Context, login string) error {
	key, err := accountKey(login)
	if err != nil {
		return err
	}
	cancelled := s.cancelAccount(key.Login)

	lock := s.accountLock(key.Login)
	lock.Lock()
	defer lock.Unlock()

	var removed []maildb.PKRef
	if account, ok := s.primary.Account(key); ok {
		key = account.Key
		_ = s.primary.View(key, func(account *maildb.Account) error {
			for _, pk := range account.Mails.Keys() {
				removed = append(removed, maildb.PKRef{PK: pk})
			}
			return nil
		})
	}
	if s.indexer != nil {
		s.indexer.CancelAccount(key.Login)
		if len(removed) > 0 {
			s.indexer.RequestIndex(ctx, indexing.IndexRequest{Key: key, Remove: removed})
		}
	}

	primaryHad := s.primary.DeleteAccount(key)
	sessionHad := s.session.DeleteAccount(key)
	if primaryHad {
		if err := s.primary.SaveToFile(ctx); err != nil {
			return err
		}
	}
	if sessionHad {
		if err := s.session.SaveToFile(ctx); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "account reset",
		"login", key.Login,
		"cancelled_syncs", cancelled,
		"removed_mails", len(removed),
	)
	return nil
}

// Reset drops every account from both stores.
func (s *Service) Reset(ctx context.Context) error {
	for _, key := range s.primary.Keys() {
		if err := s.ResetAccount(ctx, key.Login); err != nil {
			return err
		}
	}
	s.session.Reset()
	return s.session.SaveToFile(ctx)
}

// Export writes the mails of login as .eml files into dir. The whole export
// is bounded by the configured export timeout.
func (s *Service) Export(ctx context.Context, login, dir string, progress func(export.Progress)) (export.Result, error) {
	key, err := accountKey(login)
	if err != nil {
		return export.Result{}, err
	}
	var snapshot *maildb.Account
	if err := s.primary.View(key, func(account *maildb.Account) error {
		snapshot = account.Clone()
		return nil
	}); err != nil {
		return export.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.exportTimeout)
	defer cancel()
	result, err := export.Account(ctx, snapshot, dir, progress)
	if errors.Is(err, context.DeadlineExceeded) {
		return result, syncerr.Timeout("export of %q exceeded %s after %d files", key.Login, s.exportTimeout, len(result.Files))
	}
	if errors.Is(err, context.Canceled) {
		return result, err
	}
	if err != nil {
		return result, syncerr.Wrap(syncerr.KindIO, err, "export %q", key.Login)
	}
	s.logger.InfoContext(ctx, "account exported", "login", key.Login, "dir", dir, "files", len(result.Files))
	return result, nil
}

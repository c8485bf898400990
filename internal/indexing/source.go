package indexing

import "github.com/agentworkforce/relaymail/internal/maildb"

type databaseSource struct {
	db *maildb.Database
}

// NewDatabaseSource re-indexes from the accounts of db.
func NewDatabaseSource(db *maildb.Database) Source {
	return databaseSource{db: db}
}

func (s databaseSource) AccountKeys() []maildb.AccountKey {
	return s.db.Keys()
}

func (s databaseSource) IndexableMails(key maildb.AccountKey) ([]IndexableMail, error) {
	var out []IndexableMail
	err := s.db.View(key, func(account *maildb.Account) error {
		out = IndexableMails(account.Mails.Values())
		return nil
	})
	return out, err
}

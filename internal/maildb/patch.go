package maildb

type PKRef struct {
	PK string `json:"pk"`
}

type EntitiesPatch[T Keyed] struct {
	Remove []PKRef `json:"remove"`
	Upsert []T     `json:"upsert"`
}

func (p EntitiesPatch[T]) Empty() bool {
	return len(p.Remove) == 0 && len(p.Upsert) == 0
}

// Patch is the set of entity deltas produced by one fetch cycle.
type Patch struct {
	ConversationEntries EntitiesPatch[ConversationEntry] `json:"conversationEntries"`
	Mails               EntitiesPatch[Mail]              `json:"mails"`
	Folders             EntitiesPatch[Folder]            `json:"folders"`
	Contacts            EntitiesPatch[Contact]           `json:"contacts"`
}

func (p Patch) Empty() bool {
	return p.ConversationEntries.Empty() && p.Mails.Empty() && p.Folders.Empty() && p.Contacts.Empty()
}

// Append folds a later patch into p so that applying p once has the effect
// of applying both in order. A later remove cancels an earlier upsert of the
// same pk.
func (p *Patch) Append(later Patch) {
	appendEntities(&p.ConversationEntries, later.ConversationEntries)
	appendEntities(&p.Mails, later.Mails)
	appendEntities(&p.Folders, later.Folders)
	appendEntities(&p.Contacts, later.Contacts)
}

func appendEntities[T Keyed](dst *EntitiesPatch[T], later EntitiesPatch[T]) {
	if len(later.Remove) > 0 {
		removed := make(map[string]bool, len(later.Remove))
		for _, ref := range later.Remove {
			removed[ref.PK] = true
		}
		kept := make([]T, 0, len(dst.Upsert))
		for _, item := range dst.Upsert {
			if !removed[item.Key()] {
				kept = append(kept, item)
			}
		}
		dst.Upsert = kept
		dst.Remove = append(dst.Remove, later.Remove...)
	}
	dst.Upsert = append(dst.Upsert, later.Upsert...)
}

// MetadataPatch overwrites only the fields that are set.
type MetadataPatch struct {
	LatestEventID               *string           `json:"latestEventId,omitempty"`
	FetchStage                  *FetchStage       `json:"fetchStage,omitempty"`
	LastGroupEntityEventBatches map[string]string `json:"lastGroupEntityEventBatches,omitempty"`
}

func (p MetadataPatch) Empty() bool {
	return p.LatestEventID == nil && p.FetchStage == nil && p.LastGroupEntityEventBatches == nil
}

func StringPtr(s string) *string {
	return &s
}

func StagePtr(s FetchStage) *FetchStage {
	return &s
}

type PatchOptions struct {
	// RecordTombstones appends removed pks to Metadata.DeletedPKs. Set when
	// the target is a session store.
	RecordTombstones bool
	Validator        *Validator
}

type PatchResult struct {
	Metadata         Metadata
	EntitiesModified bool
	MetadataModified bool
	Rev              uint64
	MailsUpserted    []Mail
	MailsRemoved     []PKRef
}

func (r PatchResult) Modified() bool {
	return r.EntitiesModified || r.MetadataModified
}

// ApplyPatch validates every upsert of patch, then applies removes, upserts
// and the metadata overwrite to the account, creating it when absent. A
// validation failure leaves the account untouched.
func ApplyPatch(db *Database, key AccountKey, patch Patch, metadataPatch MetadataPatch, opts PatchOptions) (PatchResult, error) {
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = DefaultValidator()
		if err != nil {
			return PatchResult{}, err
		}
	}
	if err := validator.ValidatePatch(patch); err != nil {
		return PatchResult{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	account := db.accountLocked(key)
	if account == nil {
		account = db.initEmptyAccountLocked(key)
	}

	var tombstones *Metadata
	if opts.RecordTombstones {
		tombstones = &account.Metadata
	}

	result := PatchResult{}
	if applyEntities(account.ConversationEntries, EntityConversationEntries, patch.ConversationEntries, ConversationEntry.clone, tombstones) {
		result.EntitiesModified = true
	}
	if applyEntities(account.Mails, EntityMails, patch.Mails, Mail.clone, tombstones) {
		result.EntitiesModified = true
	}
	if applyEntities(account.Folders, EntityFolders, patch.Folders, Folder.clone, tombstones) {
		result.EntitiesModified = true
	}
	if applyEntities(account.Contacts, EntityContacts, patch.Contacts, Contact.clone, tombstones) {
		result.EntitiesModified = true
	}
	result.MetadataModified = account.Metadata.apply(metadataPatch)

	if result.Modified() {
		account.Rev++
	}
	result.Metadata = account.Metadata.Clone()
	result.Rev = account.Rev
	for _, mail := range patch.Mails.Upsert {
		result.MailsUpserted = append(result.MailsUpserted, mail.clone())
	}
	result.MailsRemoved = append(result.MailsRemoved, patch.Mails.Remove...)
	return result, nil
}

func applyEntities[T Keyed](table *Table[T], entityType EntityType, p EntitiesPatch[T], copyFn func(T) T, tombstones *Metadata) bool {
	modified := false
	for _, ref := range p.Remove {
		if table.Delete(ref.PK) {
			modified = true
		}
		if tombstones != nil {
			tombstones.addTombstone(entityType, ref.PK)
		}
	}
	for _, item := range p.Upsert {
		table.Put(copyFn(item))
		if tombstones != nil {
			tombstones.dropTombstone(entityType, item.Key())
		}
		modified = true
	}
	return modified
}

func (m *Metadata) apply(p MetadataPatch) bool {
	modified := false
	if p.LatestEventID != nil && *p.LatestEventID != m.LatestEventID {
		m.LatestEventID = *p.LatestEventID
		modified = true
	}
	if p.FetchStage != nil && *p.FetchStage != m.FetchStage {
		m.FetchStage = *p.FetchStage
		modified = true
	}
	if p.LastGroupEntityEventBatches != nil && !equalStringMaps(p.LastGroupEntityEventBatches, m.LastGroupEntityEventBatches) {
		m.LastGroupEntityEventBatches = make(map[string]string, len(p.LastGroupEntityEventBatches))
		for k, v := range p.LastGroupEntityEventBatches {
			m.LastGroupEntityEventBatches[k] = v
		}
		modified = true
	}
	return modified
}

func (m *Metadata) addTombstone(entityType EntityType, pk string) {
	if m.tombstoned(entityType, pk) {
		return
	}
	if m.DeletedPKs == nil {
		m.DeletedPKs = map[EntityType][]string{}
	}
	m.DeletedPKs[entityType] = append(m.DeletedPKs[entityType], pk)
}

func (m *Metadata) dropTombstone(entityType EntityType, pk string) {
	pks := m.DeletedPKs[entityType]
	for i, deleted := range pks {
		if deleted == pk {
			m.DeletedPKs[entityType] = append(pks[:i:i], pks[i+1:]...)
			return
		}
	}
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

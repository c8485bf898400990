package maildb

import "reflect"

// MergeAccount copies the session account identified by key into primary.
// Every session entity is copied; entities tombstoned in the session metadata
// are dropped from primary. The session metadata replaces primary metadata,
// minus the tombstones. It reports whether primary changed.
func MergeAccount(session, primary *Database, key AccountKey) (bool, error) {
	session.mu.RLock()
	source := session.accountLocked(key)
	var snapshot *Account
	if source != nil {
		snapshot = source.Clone()
	}
	session.mu.RUnlock()
	if snapshot == nil {
		return false, nil
	}

	primary.mu.Lock()
	defer primary.mu.Unlock()

	target := primary.accountLocked(key)
	if target == nil {
		target = primary.initEmptyAccountLocked(key)
	}

	changed := false
	tombstones := snapshot.Metadata
	if mergeTable(target.ConversationEntries, snapshot.ConversationEntries, EntityConversationEntries, tombstones) {
		changed = true
	}
	if mergeTable(target.Mails, snapshot.Mails, EntityMails, tombstones) {
		changed = true
	}
	if mergeTable(target.Folders, snapshot.Folders, EntityFolders, tombstones) {
		changed = true
	}
	if mergeTable(target.Contacts, snapshot.Contacts, EntityContacts, tombstones) {
		changed = true
	}

	metadata := snapshot.Metadata.Clone()
	metadata.DeletedPKs = nil
	if !metadataEqual(target.Metadata, metadata) {
		target.Metadata = metadata
		changed = true
	}
	if changed {
		target.Rev++
	}
	return changed, nil
}

func mergeTable[T Keyed](target, source *Table[T], entityType EntityType, tombstones Metadata) bool {
	changed := false
	source.Range(func(pk string, item T) bool {
		if existing, ok := target.Get(pk); ok && reflect.DeepEqual(existing, item) {
			return true
		}
		target.Put(item)
		changed = true
		return true
	})
	for _, pk := range tombstones.DeletedPKs[entityType] {
		if source.Has(pk) {
			continue
		}
		if target.Delete(pk) {
			changed = true
		}
	}
	return changed
}

func metadataEqual(a, b Metadata) bool {
	return a.LatestEventID == b.LatestEventID &&
		a.FetchStage == b.FetchStage &&
		equalStringMaps(a.LastGroupEntityEventBatches, b.LastGroupEntityEventBatches) &&
		len(a.DeletedPKs) == 0 && len(b.DeletedPKs) == 0
}

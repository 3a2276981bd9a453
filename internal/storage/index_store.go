package storage

import (
	"encoding/json"
	"fmt"

	"tigsync/internal/dircache"

	"github.com/dgraph-io/badger/v4"
)

const indexPrefix = "index"

// IndexPersister keeps one repository's index in badger, one key per
// entry. Saves write only the entries that changed, inside a single
// transaction, so a failed save leaves the stored index untouched.
type IndexPersister struct {
	db    *badger.DB
	store *BadgerStore
}

func NewIndexPersister(db *badger.DB) *IndexPersister {
	return &IndexPersister{db: db, store: NewBadgerStore(db, indexPrefix)}
}

func (p *IndexPersister) Load() ([]dircache.Entry, error) {
	var entries []dircache.Entry
	if err := p.store.List(&entries); err != nil {
		return nil, fmt.Errorf("loading index entries: %w", err)
	}
	return entries, nil
}

func (p *IndexPersister) Save(old, next *dircache.Snapshot) error {
	upserts, deletes := dircache.Diff(old, next)
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	return p.db.Update(func(txn *badger.Txn) error {
		for _, path := range deletes {
			if err := txn.Delete(p.store.makeKey(path)); err != nil {
				return fmt.Errorf("deleting index entry %s: %w", path, err)
			}
		}
		for _, e := range upserts {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling index entry %s: %w", e.Path, err)
			}
			if err := txn.Set(p.store.makeKey(e.Path), data); err != nil {
				return fmt.Errorf("storing index entry %s: %w", e.Path, err)
			}
		}
		return nil
	})
}

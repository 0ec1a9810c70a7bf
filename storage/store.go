// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the token's relational object store: a
// single `objects(id, attr, val, enc)` table, one row per attribute, with
// an in-memory cache keyed by UNIQUE_ID and transactional flush of
// token-resident objects.
package storage

import (
	"sort"
	"sync"

	"github.com/miekg/pkcs11"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nsec/pk11token/attribute"
	"github.com/nsec/pk11token/internal/ck"
	"github.com/nsec/pk11token/internal/cryptokierr"
	"github.com/nsec/pk11token/object"
)

// objectRow is one (id, attr) row of the objects table:
// `objects(id, attr, val, enc, UNIQUE(id, attr))`.
type objectRow struct {
	ID   uint64 `gorm:"column:id;uniqueIndex:idx_object_attr"`
	Attr uint   `gorm:"column:attr;uniqueIndex:idx_object_attr"`
	Val  []byte `gorm:"column:val"`
	Enc  int    `gorm:"column:enc"` // reserved for future at-rest wrapping; always 0 today.
}

func (objectRow) TableName() string { return "objects" }

// Store is the token's object store: one gorm.DB connection guarded by a
// single mutex held for the duration of each query or transaction, plus
// an in-memory cache of rebuilt *object.Object values keyed by UNIQUE_ID.
type Store struct {
	mu    sync.Mutex
	db    *gorm.DB
	cache map[string]*object.Object

	// seq records the order in which uids first entered the cache, so
	// Search can return matches in insertion order (disk rows are cached
	// in ascending row-id order, so their seq order follows id order).
	seq     map[string]uint64
	nextSeq uint64
}

// cacheLocked installs obj under uid, assigning an insertion sequence
// number the first time a uid is seen.
func (s *Store) cacheLocked(uid string, obj *object.Object) {
	if _, ok := s.seq[uid]; !ok {
		s.nextSeq++
		s.seq[uid] = s.nextSeq
	}
	s.cache[uid] = obj
}

// Open opens the sqlite file at path. A missing objects table is
// CRYPTOKI_NOT_INITIALIZED (the token has never been initialized); any
// other failure to open the file is TOKEN_NOT_PRESENT.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_TOKEN_NOT_PRESENT, err, "could not open token storage file")
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout = 5000;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if !db.Migrator().HasTable(&objectRow{}) {
		return nil, cryptokierr.New(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED, "token storage has not been initialized")
	}
	return &Store{db: db, cache: make(map[string]*object.Object), seq: make(map[string]uint64)}, nil
}

// Reinit drops and recreates the objects table inside a single
// transaction. A drop failure against an already-empty database is
// tolerated.
func Reinit(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		_ = tx.Migrator().DropTable(&objectRow{})
		if err := tx.Migrator().CreateTable(&objectRow{}); err != nil {
			return cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, err, "could not create objects table")
		}
		return nil
	})
}

// OpenFresh opens path, reinitializing the objects table if it does not
// already exist, suitable for first-run token provisioning and for the
// admin CLI's --init flag.
func OpenFresh(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_TOKEN_NOT_PRESENT, err, "could not open token storage file")
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout = 5000;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if !db.Migrator().HasTable(&objectRow{}) {
		if err := Reinit(db); err != nil {
			return nil, err
		}
	}
	return &Store{db: db, cache: make(map[string]*object.Object), seq: make(map[string]uint64)}, nil
}

func rowsToAttributes(rows []objectRow) []attribute.Attribute {
	attrs := make([]attribute.Attribute, len(rows))
	for i, r := range rows {
		attrs[i] = attribute.Attribute{ID: r.Attr, Kind: attribute.KindOf(r.Attr), Value: r.Val}
	}
	return attrs
}

// rebuild constructs an *object.Object directly from attribute rows
// (bypassing factory validation: storage round-trips objects that were
// already validated at creation time).
func rebuild(handle uint64, attrs []attribute.Attribute) *object.Object {
	obj := object.New(handle)
	for _, a := range attrs {
		obj.SetAttr(a)
	}
	obj.ResetModified()
	return obj
}

// idForUID resolves the integer row id carrying CKA_UNIQUE_ID == uid, or
// ok == false if no such row exists.
func (s *Store) idForUID(uid string) (uint64, bool, error) {
	var row objectRow
	res := s.db.Where("attr = ? AND val = ?", ck.CKA_UNIQUE_ID, []byte(uid)).First(&row)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, res.Error, "could not resolve object id")
	}
	return row.ID, true, nil
}

// FetchByUID resolves an object by its UNIQUE_ID: if already cached and
// not token-resident, return the cached object as-is (a session-scoped
// object never has rows to re-read); otherwise read every row for its
// id, rebuild, and install into the cache, preserving any prior cached
// entry's handle and session.
func (s *Store) FetchByUID(uid string) (*object.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[uid]; ok && !cached.IsToken() {
		return cached, nil
	}

	id, ok, err := s.idForUID(uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cryptokierr.New(pkcs11.CKR_OBJECT_HANDLE_INVALID, "no stored object with that UNIQUE_ID")
	}

	var rows []objectRow
	if res := s.db.Where("id = ?", id).Find(&rows); res.Error != nil {
		return nil, cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, res.Error, "could not read object rows")
	}
	if len(rows) == 0 {
		return nil, cryptokierr.New(pkcs11.CKR_GENERAL_ERROR, "object id has no rows")
	}

	var handle, session uint64
	if prior, ok := s.cache[uid]; ok {
		handle, session = prior.Handle(), prior.Session()
	}
	obj := rebuild(handle, rowsToAttributes(rows))
	obj.SetSession(session)
	s.cacheLocked(uid, obj)
	return obj, nil
}

// Search resolves candidate row ids per template attribute via
// independent `SELECT id WHERE attr=? AND val=?` queries, intersects
// them, rebuilds+caches the result in id order, then filters the
// *entire* cache (not just the freshly rebuilt rows) by MatchTemplate
// and returns references in insertion order — the cache may hold session
// objects or objects from an earlier search that still satisfy template.
func (s *Store) Search(template []attribute.Attribute) ([]*object.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.candidateIDs(template)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		var rows []objectRow
		if res := s.db.Where("id = ?", id).Find(&rows); res.Error != nil {
			return nil, cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, res.Error, "could not read object rows")
		}
		if len(rows) == 0 {
			continue
		}
		attrs := rowsToAttributes(rows)
		uid, err := uniqueIDOf(attrs)
		if err != nil {
			continue
		}
		var handle, session uint64
		if prior, ok := s.cache[uid]; ok {
			handle, session = prior.Handle(), prior.Session()
		}
		obj := rebuild(handle, attrs)
		obj.SetSession(session)
		s.cacheLocked(uid, obj)
	}

	type match struct {
		seq uint64
		obj *object.Object
	}
	var matches []match
	for uid, obj := range s.cache {
		if obj.MatchTemplate(template) {
			matches = append(matches, match{seq: s.seq[uid], obj: obj})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	out := make([]*object.Object, len(matches))
	for i, m := range matches {
		out[i] = m.obj
	}
	return out, nil
}

func uniqueIDOf(attrs []attribute.Attribute) (string, error) {
	for _, a := range attrs {
		if a.ID == ck.CKA_UNIQUE_ID {
			return attribute.ToString(a)
		}
	}
	return "", cryptokierr.New(pkcs11.CKR_GENERAL_ERROR, "object rows have no UNIQUE_ID")
}

// candidateIDs intersects, across every template attribute, the set of
// row ids whose (attr, val) matches.
func (s *Store) candidateIDs(template []attribute.Attribute) ([]uint64, error) {
	if len(template) == 0 {
		var rows []objectRow
		if res := s.db.Distinct("id").Find(&rows); res.Error != nil {
			return nil, cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, res.Error, "could not enumerate object ids")
		}
		ids := make([]uint64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return ids, nil
	}

	var set map[uint64]bool
	for _, t := range template {
		var rows []objectRow
		res := s.db.Select("id").Where("attr = ? AND val = ?", t.ID, t.Value).Find(&rows)
		if res.Error != nil {
			return nil, cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, res.Error, "could not search object rows")
		}
		this := make(map[uint64]bool, len(rows))
		for _, r := range rows {
			this[r.ID] = true
		}
		if set == nil {
			set = this
			continue
		}
		for id := range set {
			if !this[id] {
				delete(set, id)
			}
		}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

// Store persists obj under uid: token-resident objects are (re)written
// as a fresh set of rows under a newly allocated id inside one
// transaction; every object, token-resident or not, is cached.
func (s *Store) Store(uid string, obj *object.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(uid, obj)
}

func (s *Store) storeLocked(uid string, obj *object.Object) error {
	if obj.IsToken() {
		if err := s.db.Transaction(func(tx *gorm.DB) error {
			id, ok, err := s.idForUIDTx(tx, uid)
			if err != nil {
				return err
			}
			if ok {
				if res := tx.Where("id = ?", id).Delete(&objectRow{}); res.Error != nil {
					return res.Error
				}
			}
			id, err = nextID(tx)
			if err != nil {
				return err
			}
			rows := make([]objectRow, 0, len(obj.Attributes()))
			for _, a := range obj.Attributes() {
				rows = append(rows, objectRow{ID: id, Attr: a.ID, Val: a.Value})
			}
			if len(rows) > 0 {
				if res := tx.Create(&rows); res.Error != nil {
					return res.Error
				}
			}
			return nil
		}); err != nil {
			return cryptokierr.Wrap(pkcs11.CKR_DEVICE_MEMORY, err, "could not store token object")
		}
	}
	obj.ResetModified()
	s.cacheLocked(uid, obj)
	return nil
}

func (s *Store) idForUIDTx(tx *gorm.DB, uid string) (uint64, bool, error) {
	var row objectRow
	res := tx.Where("attr = ? AND val = ?", ck.CKA_UNIQUE_ID, []byte(uid)).First(&row)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, res.Error
	}
	return row.ID, true, nil
}

func nextID(tx *gorm.DB) (uint64, error) {
	var max struct{ Max uint64 }
	if res := tx.Model(&objectRow{}).Select("COALESCE(MAX(id), 0) AS max").Scan(&max); res.Error != nil {
		return 0, res.Error
	}
	return max.Max + 1, nil
}

// Flush re-stores, in one transaction, every cached, modified,
// token-resident object and clears its modified flag. Non-token objects
// are never written.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		for uid, obj := range s.cache {
			if !obj.IsToken() || !obj.IsModified() {
				continue
			}
			id, ok, err := s.idForUIDTx(tx, uid)
			if err != nil {
				return err
			}
			if ok {
				if res := tx.Where("id = ?", id).Delete(&objectRow{}); res.Error != nil {
					return res.Error
				}
			}
			id, err = nextID(tx)
			if err != nil {
				return err
			}
			rows := make([]objectRow, 0, len(obj.Attributes()))
			for _, a := range obj.Attributes() {
				rows = append(rows, objectRow{ID: id, Attr: a.ID, Val: a.Value})
			}
			if len(rows) > 0 {
				if res := tx.Create(&rows); res.Error != nil {
					return res.Error
				}
			}
			obj.ResetModified()
		}
		return nil
	})
}

// RemoveByUID drops the cache entry, and if the object was
// token-resident, deletes all its rows in a transaction.
func (s *Store) RemoveByUID(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, cached := s.cache[uid]
	delete(s.cache, uid)
	delete(s.seq, uid)

	tokenResident := cached && obj.IsToken()
	if !cached {
		// Not in cache: consult storage directly, since remove_by_uid may
		// be called for an object this process never fetched.
		_, ok, err := s.idForUID(uid)
		if err != nil {
			return err
		}
		tokenResident = ok
	}
	if !tokenResident {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		id, ok, err := s.idForUIDTx(tx, uid)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if res := tx.Where("id = ?", id).Delete(&objectRow{}); res.Error != nil {
			return res.Error
		}
		return nil
	})
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return cryptokierr.Wrap(pkcs11.CKR_GENERAL_ERROR, err, "could not access underlying database handle")
	}
	return sqlDB.Close()
}

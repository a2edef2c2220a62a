// Package historydb is the embedded local ledger of applied updates
// (version, timestamp, outcome, backup path) that spec.md's operator-policy
// hook (§9) asks for so an operator can query what was last installed and
// where its backup landed. Grounded on cmd/authn/main.go's
// kvdb.NewBuntDB(dbPath) local-store idiom; authn's own kvdb driver wasn't
// among the retrieved files, so this talks to tidwall/buntdb directly
// rather than through that missing indirection layer.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package historydb

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/psvcd/internal/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "entry:"

// Outcome is the result recorded for one apply attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one row of the ledger.
type Entry struct {
	Version    string  `json:"version"`
	AppliedAt  int64   `json:"applied_at"` // unix seconds, stamped by the caller
	Outcome    Outcome `json:"outcome"`
	BackupPath string  `json:"backup_path,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

func (e Entry) key() string { return keyPrefix + fmt.Sprintf("%020d", e.AppliedAt) }

// DB is the ledger handle. Construct with Open; Close releases the
// underlying file lock.
type DB struct {
	bunt *buntdb.DB
}

// Open opens (creating if absent) the ledger file at path. Pass ":memory:"
// for an ephemeral in-process ledger, same as buntdb itself.
func Open(path string) (*DB, error) {
	bunt, err := buntdb.Open(path)
	if err != nil {
		return nil, cos.NewErrIO("open history db %q: %v", path, err)
	}
	return &DB{bunt: bunt}, nil
}

// Close releases the ledger's file lock.
func (db *DB) Close() error { return db.bunt.Close() }

// Record appends e to the ledger.
func (db *DB) Record(e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return cos.NewErrState("marshal history entry: %v", err)
	}
	err = db.bunt.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(e.key(), string(buf), nil)
		return err
	})
	if err != nil {
		return cos.NewErrIO("record history entry: %v", err)
	}
	return nil
}

// Recent returns up to limit entries, most recently applied first.
func (db *DB) Recent(limit int) ([]Entry, error) {
	var entries []Entry
	err := db.bunt.View(func(tx *buntdb.Tx) error {
		return tx.Descend("", func(key, value string) bool {
			if !strings.HasPrefix(key, keyPrefix) {
				return true
			}
			var e Entry
			if err := json.Unmarshal([]byte(value), &e); err != nil {
				return true // skip a corrupt row rather than failing the whole scan
			}
			entries = append(entries, e)
			return limit <= 0 || len(entries) < limit
		})
	})
	if err != nil {
		return nil, cos.NewErrIO("scan history db: %v", err)
	}
	return entries, nil
}

// Latest returns the most recently recorded entry, or ok=false if the
// ledger is empty.
func (db *DB) Latest() (entry Entry, ok bool, err error) {
	entries, err := db.Recent(1)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Package peerbook persists the addresses of peers this node has connected
// to, so that a restarted node has somewhere to bootstrap from.
package peerbook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var keyPrefix = []byte("peer/")

// Record is one stored entry.
type Record struct {
	Info     peer.AddrInfo `json:"info"`
	LastSeen time.Time     `json:"last_seen"`
}

// Book is a leveldb-backed peer address book.
type Book struct {
	db *leveldb.DB
}

func Open(path string) (*Book, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer book: %w", err)
	}
	return &Book{db: db}, nil
}

func recordKey(id peer.ID) []byte {
	return append(append([]byte{}, keyPrefix...), []byte(id)...)
}

// Put stores or refreshes info. Entries without addresses are ignored.
func (b *Book) Put(info peer.AddrInfo, seen time.Time) error {
	if len(info.Addrs) == 0 {
		return nil
	}
	data, err := json.Marshal(Record{Info: info, LastSeen: seen.UTC()})
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return b.db.Put(recordKey(info.ID), data, nil)
}

func (b *Book) Get(id peer.ID) (Record, bool, error) {
	data, err := b.db.Get(recordKey(id), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return rec, true, nil
}

func (b *Book) Delete(id peer.ID) error {
	return b.db.Delete(recordKey(id), nil)
}

// All returns every stored record; undecodable entries are skipped.
func (b *Book) All() ([]Record, error) {
	iter := b.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer iter.Release()

	var out []Record
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Prune removes records not seen since cutoff and reports how many went.
func (b *Book) Prune(cutoff time.Time) (int, error) {
	records, err := b.All()
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	for _, rec := range records {
		if rec.LastSeen.Before(cutoff) {
			batch.Delete(recordKey(rec.Info.ID))
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), b.db.Write(batch, nil)
}

func (b *Book) Close() error {
	return b.db.Close()
}

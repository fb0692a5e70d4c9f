// Package boltdb provides a persistent channel.Store that keeps Snapshots in a file.
package boltdb

import (
	"bytes"
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"code.kerpass.org/channel/pkg/channel"
)

const (
	connectTimeout = 5 * time.Second
	defaultLimit   = 16
)

var (
	snapTbl  = []byte("snapTbl")
	stateIdx = []byte("stateIdx")
)

// SnapshotStore persists channel Snapshots in a single file boltdb database.
//
// The database is opened for each operation, so that several processes may share it.
type SnapshotStore struct {
	dbpath string
}

// New returns a SnapshotStore that keeps Snapshots in the dbpath file.
// It errors if the database schema can not be created.
func New(dbpath string) (*SnapshotStore, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucketname := range [][]byte{snapTbl, stateIdx} {
			_, err := tx.CreateBucketIfNotExists(bucketname)
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}
		return nil
	})
	if nil != err {
		return nil, wrapError(err, "failed db initialization")
	}

	return &SnapshotStore{dbpath: dbpath}, nil
}

// SaveSnapshot implements channel.Store.
func (self *SnapshotStore) SaveSnapshot(_ context.Context, snap channel.Snapshot) error {
	err := snap.Check()
	if nil != err {
		return wrapError(err, "snapshot is invalid")
	}
	srzsnap, err := cbor.Marshal(snap)
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(snap)")
	}

	db, err := self.open()
	if nil != err {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		// the channel may have changed State since last save
		var cur channel.Snapshot
		found, err := sch.load(snap.ChannelId, &cur)
		if nil != err {
			return wrapError(err, "failed loading existing snapshot")
		}
		if found {
			err = sch.stateIdx.Delete(stateKey(cur.State, cur.ChannelId))
			if nil != err {
				return wrapError(err, "failed updating stateIdx bucket")
			}
		}

		err = sch.snapTbl.Put([]byte(snap.ChannelId), srzsnap)
		if nil != err {
			return wrapError(err, "failed storing snapshot in bucket")
		}
		err = sch.stateIdx.Put(stateKey(snap.State, snap.ChannelId), []byte(snap.ChannelId))
		return wrapError(err, "failed updating stateIdx bucket") // nil if err is nil
	})

	return wrapError(err, "failed db.Update") // nil if err is nil
}

// LoadSnapshot implements channel.Store.
func (self *SnapshotStore) LoadSnapshot(_ context.Context, channelId string, dst *channel.Snapshot) (bool, error) {
	db, err := self.open()
	if nil != err {
		return false, err
	}
	defer db.Close()

	var loaded bool
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}
		loaded, err = sch.load(channelId, dst)
		return wrapError(err, "failed loading snapshot") // nil if err is nil
	})

	return loaded, err
}

// RemoveSnapshot implements channel.Store.
func (self *SnapshotStore) RemoveSnapshot(_ context.Context, channelId string) (bool, error) {
	db, err := self.open()
	if nil != err {
		return false, err
	}
	defer db.Close()

	var removed bool
	err = db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		var snap channel.Snapshot
		found, err := sch.load(channelId, &snap)
		if nil != err {
			return wrapError(err, "failed accessing existing snapshot")
		}
		if !found {
			return nil
		}

		err = sch.snapTbl.Delete([]byte(channelId))
		if nil != err {
			// unlikely as snapTbl is writable
			return err
		}
		err = sch.stateIdx.Delete(stateKey(snap.State, channelId))
		if nil != err {
			// unlikely as stateIdx is writable
			return err
		}

		removed = true
		return nil
	})

	return removed, wrapError(err, "failed db.Update") // nil if err is nil
}

// SnapshotCount implements channel.Store.
func (self *SnapshotStore) SnapshotCount(_ context.Context) (int, error) {
	db, err := self.open()
	if nil != err {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}
		count = sch.snapTbl.Stats().KeyN
		return nil
	})

	return count, err
}

// ListChannels returns the ChannelIds of at most limit stored channels in State state.
// A zero limit defaults to 16.
func (self *SnapshotStore) ListChannels(_ context.Context, state channel.State, limit int) ([]string, error) {
	if 0 == limit {
		limit = defaultLimit
	}
	db, err := self.open()
	if nil != err {
		return nil, err
	}
	defer db.Close()

	prefix := stateKey(state, "")
	channelIds := make([]string, 0, 4)
	err = db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}
		c := sch.stateIdx.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && len(channelIds) < limit; k, v = c.Next() {
			channelIds = append(channelIds, string(v))
		}
		return nil
	})

	return channelIds, err
}

func (self *SnapshotStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to the database")
	}
	return db, nil
}

// schema holds SnapshotStore buckets reference
type schema struct {
	snapTbl  *bolt.Bucket
	stateIdx *bolt.Bucket
}

func loadSchema(tx *bolt.Tx) (schema, error) {
	rv := schema{
		snapTbl:  tx.Bucket(snapTbl),
		stateIdx: tx.Bucket(stateIdx),
	}
	var err error
	if nil == rv.snapTbl || nil == rv.stateIdx {
		err = newError("1 or more bucket is missing")
	}
	return rv, err
}

func (self schema) load(channelId string, dst *channel.Snapshot) (bool, error) {
	srzsnap := self.snapTbl.Get([]byte(channelId))
	if nil == srzsnap {
		return false, nil
	}
	err := cbor.Unmarshal(srzsnap, dst)
	return true, err
}

// stateKey returns the stateIdx key of channel channelId in State state.
func stateKey(state channel.State, channelId string) []byte {
	rv := make([]byte, 0, 2+len(channelId))
	rv = append(rv, byte(state), ':')
	return append(rv, channelId...)
}

var _ channel.Store = &SnapshotStore{}

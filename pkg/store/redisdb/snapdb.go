// Package redisdb provides a channel.Store that keeps Snapshots in a redis server.
//
// Each Snapshot is a cbor encoded string value. Sorted sets index the stored channels,
// globally and per State, scored by save time.
package redisdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"code.kerpass.org/channel/pkg/channel"
)

const (
	DefaultPrefix = "kpchan:"
	defaultLimit  = 16
)

var states = []channel.State{channel.Unopened, channel.Open, channel.Closed}

// Cfg holds SnapshotStore configuration.
type Cfg struct {
	// Addr is the redis server host:port.
	Addr string

	Password string
	DB       int

	// Prefix starts every key of the store. Empty means DefaultPrefix.
	Prefix string
}

// Check returns an error if the Cfg is invalid.
func (self Cfg) Check() error {
	if "" == self.Addr {
		return newError("empty Addr")
	}
	if self.DB < 0 {
		return newError("invalid DB %d", self.DB)
	}
	return nil
}

// SnapshotStore persists channel Snapshots in redis.
type SnapshotStore struct {
	client *redis.Client
	prefix string
}

// New returns a SnapshotStore connected to the cfg redis server.
// It errors if the server does not answer.
func New(ctx context.Context, cfg Cfg) (*SnapshotStore, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Cfg")
	}
	if "" == cfg.Prefix {
		cfg.Prefix = DefaultPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err = client.Ping(ctx).Err()
	if nil != err {
		client.Close()
		return nil, wrapError(err, "failed connecting to %s", cfg.Addr)
	}
	return &SnapshotStore{client: client, prefix: cfg.Prefix}, nil
}

// Close releases the redis connections.
func (self *SnapshotStore) Close() error {
	return self.client.Close()
}

// SaveSnapshot implements channel.Store.
func (self *SnapshotStore) SaveSnapshot(ctx context.Context, snap channel.Snapshot) error {
	err := snap.Check()
	if nil != err {
		return wrapError(err, "snapshot is invalid")
	}
	srzsnap, err := cbor.Marshal(snap)
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(snap)")
	}

	score := float64(time.Now().UnixMilli())
	_, err = self.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, self.snapKey(snap.ChannelId), srzsnap, 0)
		pipe.ZAdd(ctx, self.channelsKey(), redis.Z{Score: score, Member: snap.ChannelId})
		// the channel may have changed State since last save
		for _, state := range states {
			pipe.ZRem(ctx, self.stateKey(state), snap.ChannelId)
		}
		pipe.ZAdd(ctx, self.stateKey(snap.State), redis.Z{Score: score, Member: snap.ChannelId})
		return nil
	})

	return wrapError(err, "failed saving snapshot") // nil if err is nil
}

// LoadSnapshot implements channel.Store.
func (self *SnapshotStore) LoadSnapshot(ctx context.Context, channelId string, dst *channel.Snapshot) (bool, error) {
	srzsnap, err := self.client.Get(ctx, self.snapKey(channelId)).Bytes()
	if nil != err {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapError(err, "failed loading snapshot")
	}
	err = cbor.Unmarshal(srzsnap, dst)
	if nil != err {
		return false, wrapError(err, "failed cbor.Unmarshal")
	}
	return true, nil
}

// RemoveSnapshot implements channel.Store.
func (self *SnapshotStore) RemoveSnapshot(ctx context.Context, channelId string) (bool, error) {
	var deleted *redis.IntCmd
	_, err := self.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, self.snapKey(channelId))
		pipe.ZRem(ctx, self.channelsKey(), channelId)
		for _, state := range states {
			pipe.ZRem(ctx, self.stateKey(state), channelId)
		}
		return nil
	})
	if nil != err {
		return false, wrapError(err, "failed removing snapshot")
	}
	return deleted.Val() > 0, nil
}

// SnapshotCount implements channel.Store.
func (self *SnapshotStore) SnapshotCount(ctx context.Context) (int, error) {
	count, err := self.client.ZCard(ctx, self.channelsKey()).Result()
	return int(count), wrapError(err, "failed counting snapshots") // nil if err is nil
}

// ListChannels returns the ChannelIds of at most limit stored channels in State state,
// most recently saved first. A zero limit defaults to 16.
func (self *SnapshotStore) ListChannels(ctx context.Context, state channel.State, limit int) ([]string, error) {
	if 0 == limit {
		limit = defaultLimit
	}
	channelIds, err := self.client.ZRevRange(ctx, self.stateKey(state), 0, int64(limit-1)).Result()
	return channelIds, wrapError(err, "failed listing channels") // nil if err is nil
}

func (self *SnapshotStore) snapKey(channelId string) string {
	return self.prefix + "snap:" + channelId
}

func (self *SnapshotStore) channelsKey() string {
	return self.prefix + "channels"
}

func (self *SnapshotStore) stateKey(state channel.State) string {
	return fmt.Sprintf("%sstate:%d", self.prefix, int(state))
}

var _ channel.Store = &SnapshotStore{}

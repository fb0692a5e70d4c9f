package channel

import (
	"context"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/peer"
	"code.kerpass.org/channel/pkg/receipt"
)

// Entry is an element of a channel event log.
type Entry struct {
	Event event.Event `json:"event" cbor:"1,keyasint"`

	// Inbound is true for Events received from the peer.
	Inbound bool `json:"inbound" cbor:"2,keyasint"`

	// Receipt is the Receipt issued or verified for confirm Events.
	Receipt *receipt.Receipt `json:"receipt,omitempty" cbor:"3,keyasint,omitempty"`
}

// Snapshot is the exported state of a channel.
// It does not hold the shared key, which is derived again on restore.
type Snapshot struct {
	ChannelId       string     `json:"channelId" cbor:"1,keyasint"`
	Type            string     `json:"type" cbor:"2,keyasint"`
	State           State      `json:"state" cbor:"3,keyasint"`
	Peer            *peer.Info `json:"peer,omitempty" cbor:"4,keyasint,omitempty"`
	Log             []Entry    `json:"log" cbor:"5,keyasint"`
	NextEventId     string     `json:"nextEventId,omitempty" cbor:"6,keyasint,omitempty"`
	PeerNextEventId string     `json:"peerNextEventId,omitempty" cbor:"7,keyasint,omitempty"`
}

// Check returns an error if the Snapshot can not be restored.
func (self Snapshot) Check() error {
	if "" == self.ChannelId {
		return newError("empty ChannelId")
	}
	if self.State < Unopened || self.State >= countState {
		return newError("invalid State %d", int(self.State))
	}
	if Unopened != self.State && nil == self.Peer {
		return newError("%s channel without peer", self.State)
	}
	if nil != self.Peer {
		err := self.Peer.Check()
		if nil != err {
			return wrapError(err, "invalid peer")
		}
	}
	return nil
}

// Store persists channel Snapshots.
type Store interface {
	// SaveSnapshot saves snap, replacing the Snapshot with the same ChannelId.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot loads the Snapshot of channel channelId into dst.
	// It returns true if the Snapshot was found and successfully loaded.
	LoadSnapshot(ctx context.Context, channelId string, dst *Snapshot) (bool, error)

	// RemoveSnapshot removes the Snapshot of channel channelId.
	// It returns true if the Snapshot was effectively removed.
	RemoveSnapshot(ctx context.Context, channelId string) (bool, error)

	// SnapshotCount returns the number of Snapshots in the Store.
	SnapshotCount(ctx context.Context) (int, error)
}

// MemStore provides "in memory" implementation of Store.
type MemStore struct {
	mut   sync.Mutex
	snaps map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{snaps: make(map[string][]byte)}
}

// SaveSnapshot implements Store.
func (self *MemStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	err := snap.Check()
	if nil != err {
		return wrapError(err, "invalid snapshot")
	}
	srzsnap, err := cbor.Marshal(snap)
	if nil != err {
		return wrapError(err, "failed serializing snapshot")
	}

	self.mut.Lock()
	defer self.mut.Unlock()
	self.snaps[snap.ChannelId] = srzsnap
	return nil
}

// LoadSnapshot implements Store.
func (self *MemStore) LoadSnapshot(_ context.Context, channelId string, dst *Snapshot) (bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	srzsnap, found := self.snaps[channelId]
	if !found {
		return false, nil
	}
	err := cbor.Unmarshal(srzsnap, dst)
	if nil != err {
		return false, wrapError(err, "failed deserializing snapshot")
	}
	return true, nil
}

// RemoveSnapshot implements Store.
func (self *MemStore) RemoveSnapshot(_ context.Context, channelId string) (bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	_, found := self.snaps[channelId]
	delete(self.snaps, channelId)
	return found, nil
}

// SnapshotCount implements Store.
func (self *MemStore) SnapshotCount(_ context.Context) (int, error) {
	self.mut.Lock()
	defer self.mut.Unlock()
	return len(self.snaps), nil
}

var _ Store = &MemStore{}

// Snapshot exports the channel state.
func (self *Engine) Snapshot() Snapshot {
	self.mut.Lock()
	defer self.mut.Unlock()

	snap := Snapshot{
		ChannelId:       self.id,
		Type:            self.typ,
		State:           self.state,
		Log:             slices.Clone(self.entries),
		NextEventId:     self.nextId,
		PeerNextEventId: self.peerNext,
	}
	if nil != self.peer {
		info := self.peer.Info()
		snap.Peer = &info
	}
	return snap
}

// Save saves the channel Snapshot in the Engine Store.
func (self *Engine) Save(ctx context.Context) error {
	if nil == self.store {
		return newError("no Store configured")
	}
	err := self.store.SaveSnapshot(ctx, self.Snapshot())
	return wrapError(err, "failed saving snapshot") // nil if err is nil
}

func (self *Engine) autoSave(ctx context.Context) {
	if nil == self.store {
		return
	}
	err := self.Save(ctx)
	if nil != err {
		observability.GetObservability(ctx).Log().Error("failed saving channel", "error", err)
	}
}

// Restore returns a running Engine that resumes the channel exported in snap.
//
// cfg configures the restored Engine, its Identity must be the one that took part in
// the channel since the shared key is derived again from it. An empty cfg.ChannelId
// is set from snap.
func Restore(ctx context.Context, cfg Cfg, snap Snapshot) (*Engine, error) {
	err := snap.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Snapshot")
	}
	if "" != cfg.ChannelId && cfg.ChannelId != snap.ChannelId {
		return nil, newError("Cfg ChannelId %s does not match Snapshot %s", cfg.ChannelId, snap.ChannelId)
	}
	cfg.ChannelId = snap.ChannelId
	if "" == cfg.Type {
		cfg.Type = snap.Type
	}

	self, err := newEngine(cfg)
	if nil != err {
		return nil, err
	}
	if nil != snap.Peer {
		self.peer, err = peer.Establish(cfg.Identity, *snap.Peer)
		if nil != err {
			return nil, wrapError(err, "failed restoring peer session")
		}
	}
	self.state = snap.State
	self.entries = slices.Clone(snap.Log)
	self.nextId = snap.NextEventId
	self.peerNext = snap.PeerNextEventId
	for _, entry := range self.entries {
		evt := entry.Event
		switch {
		case entry.Inbound:
			self.seen[evt.Metadata.EventId] = struct{}{}
		case !evt.Type.IsRequest() && "" != evt.Metadata.RequestId:
			self.responses[evt.Metadata.RequestId] = evt
		}
	}
	switch self.state {
	case Open:
		self.table.SetOpen(true)
	case Closed:
		self.table.Close(nil)
	}

	err = self.start(ctx)
	if nil != err {
		return nil, err
	}
	return self, nil
}

// Load restores the channel cfg.ChannelId from cfg.Store.
// It errors with ErrNotFound if the Store has no Snapshot of the channel.
func Load(ctx context.Context, cfg Cfg) (*Engine, error) {
	if nil == cfg.Store {
		return nil, newError("nil Store")
	}
	var snap Snapshot
	found, err := cfg.Store.LoadSnapshot(ctx, cfg.ChannelId, &snap)
	if nil != err {
		return nil, wrapError(err, "failed loading snapshot")
	}
	if !found {
		return nil, flagError(ErrNotFound, nil, "no snapshot for channel %s", cfg.ChannelId)
	}
	return Restore(ctx, cfg, snap)
}

package boltdb

import (
	"context"
	"path"
	"slices"
	"testing"

	"github.com/google/uuid"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/channel"
	"code.kerpass.org/channel/pkg/identity"
	"code.kerpass.org/channel/pkg/peer"
	"code.kerpass.org/channel/pkg/transport"
)

func newStore(t *testing.T) *SnapshotStore {
	t.Helper()
	store, err := New(path.Join(t.TempDir(), "channel.db"))
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	return store
}

func mustKeyPair(t *testing.T, name string) *identity.KeyPair {
	t.Helper()
	kp, err := identity.GenerateKeyPair(name)
	if nil != err {
		t.Fatalf("failed generating keys, got error %v", err)
	}
	return kp
}

func TestNew(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "channel.db")
	_, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	// reopening keeps the schema
	_, err = New(dbPath)
	if nil != err {
		t.Errorf("failed second New, got error %v", err)
	}

	_, err = New(path.Join(t.TempDir(), "missing", "channel.db"))
	if nil == err {
		t.Error("failed invalid path control")
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	ctx := observability.TestContext(t)
	store := newStore(t)
	bob := mustKeyPair(t, "bob")
	info := &peer.Info{Identifier: bob.Identifier(), PublicKeys: bob.PublicKeys()}

	err := store.SaveSnapshot(ctx, channel.Snapshot{})
	if nil == err {
		t.Error("failed invalid Snapshot control")
	}

	for _, id := range []string{"c1", "c2", "c3"} {
		err = store.SaveSnapshot(ctx, channel.Snapshot{ChannelId: id, Type: "pipe", State: channel.Open, Peer: info})
		if nil != err {
			t.Fatalf("failed SaveSnapshot %s, got error %v", id, err)
		}
	}
	count, err := store.SnapshotCount(ctx)
	if nil != err || 3 != count {
		t.Fatalf("failed SnapshotCount control, got %d, error %v", count, err)
	}

	// c2 moves to Closed
	err = store.SaveSnapshot(ctx, channel.Snapshot{ChannelId: "c2", Type: "pipe", State: channel.Closed, Peer: info})
	if nil != err {
		t.Fatalf("failed SaveSnapshot update, got error %v", err)
	}
	open, err := store.ListChannels(ctx, channel.Open, 0)
	if nil != err {
		t.Fatalf("failed ListChannels, got error %v", err)
	}
	if !slices.Equal([]string{"c1", "c3"}, open) {
		t.Errorf("failed open channels control, got %v", open)
	}
	closed, _ := store.ListChannels(ctx, channel.Closed, 0)
	if !slices.Equal([]string{"c2"}, closed) {
		t.Errorf("failed closed channels control, got %v", closed)
	}
	limited, _ := store.ListChannels(ctx, channel.Open, 1)
	if 1 != len(limited) {
		t.Errorf("failed limit control, got %v", limited)
	}

	var snap channel.Snapshot
	found, err := store.LoadSnapshot(ctx, "c2", &snap)
	if nil != err || !found {
		t.Fatalf("failed LoadSnapshot, got found %v, error %v", found, err)
	}
	if channel.Closed != snap.State || "bob" != snap.Peer.Identifier || !snap.Peer.PublicKeys.Equal(bob.PublicKeys()) {
		t.Errorf("failed loaded Snapshot control, got %+v", snap)
	}

	removed, err := store.RemoveSnapshot(ctx, "c2")
	if nil != err || !removed {
		t.Fatalf("failed RemoveSnapshot, got removed %v, error %v", removed, err)
	}
	removed, _ = store.RemoveSnapshot(ctx, "c2")
	if removed {
		t.Error("failed second RemoveSnapshot control")
	}
	closed, _ = store.ListChannels(ctx, channel.Closed, 0)
	if 0 != len(closed) {
		t.Errorf("failed stateIdx cleanup control, got %v", closed)
	}
	found, _ = store.LoadSnapshot(ctx, "c2", &snap)
	if found {
		t.Error("failed removed Snapshot control")
	}
}

func TestEngineStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	alice, bob := mustKeyPair(t, "alice"), mustKeyPair(t, "bob")
	pa, pb := transport.Pipe(ctx)
	defer pa.Close()

	channelId := uuid.NewString()
	a, err := channel.New(ctx, channel.Cfg{ChannelId: channelId, Identity: alice, Port: pa, Store: store})
	if nil != err {
		t.Fatalf("failed creating alice Engine, got error %v", err)
	}
	b, err := channel.New(ctx, channel.Cfg{ChannelId: channelId, Identity: bob, Port: pb})
	if nil != err {
		t.Fatalf("failed creating bob Engine, got error %v", err)
	}
	defer b.Stop()

	if err = a.Open(ctx); nil != err {
		t.Fatalf("failed Open, got error %v", err)
	}
	a.Stop()

	restored, err := channel.Load(ctx, channel.Cfg{ChannelId: channelId, Identity: alice, Port: pa, Store: store})
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	defer restored.Stop()
	if channel.Open != restored.State() {
		t.Errorf("failed restored state control, got %s", restored.State())
	}
	rcpt, err := restored.Message(ctx, []byte("resumed"))
	if nil != err {
		t.Fatalf("failed Message after Load, got error %v", err)
	}
	var msg channel.Message
	if err = rcpt.Decode(&msg); nil != err || "resumed" != string(msg.Body) {
		t.Errorf("failed receipt control, got %q, error %v", msg.Body, err)
	}

	if err = restored.Close(ctx, "done"); nil != err {
		t.Fatalf("failed Close, got error %v", err)
	}
	closed, err := store.ListChannels(ctx, channel.Closed, 0)
	if nil != err || !slices.Equal([]string{channelId}, closed) {
		t.Errorf("failed closed channel control, got %v, error %v", closed, err)
	}
}

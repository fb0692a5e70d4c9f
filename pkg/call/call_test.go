package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"code.kerpass.org/channel/pkg/channel"
	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
	"code.kerpass.org/channel/pkg/transport"
)

type phones struct {
	ctx          context.Context
	caller, peer *Line
	a, b         *channel.Engine
	pb           *transport.PipeEnd
}

func setup(t *testing.T, answerer Answerer) *phones {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pa, pb := transport.Pipe(ctx)
	t.Cleanup(pa.Close)

	p := &phones{ctx: ctx, caller: NewLine(nil), peer: NewLine(answerer), pb: pb}
	channelId := uuid.NewString()
	var err error
	p.a, err = channel.New(ctx, channel.Cfg{
		ChannelId: channelId,
		Identity:  mustKeyPair(t, "alice"),
		Port:      pa,
		Actions:   p.caller.Actions(),
	})
	if nil != err {
		t.Fatalf("failed creating alice Engine, got error %v", err)
	}
	t.Cleanup(p.a.Stop)
	p.b, err = channel.New(ctx, channel.Cfg{
		ChannelId: channelId,
		Identity:  mustKeyPair(t, "bob"),
		Port:      pb,
		Actions:   p.peer.Actions(),
	})
	if nil != err {
		t.Fatalf("failed creating bob Engine, got error %v", err)
	}
	t.Cleanup(p.b.Stop)

	if err = p.a.Open(ctx); nil != err {
		t.Fatalf("failed Open, got error %v", err)
	}
	return p
}

func mustKeyPair(t *testing.T, name string) *identity.KeyPair {
	t.Helper()
	kp, err := identity.GenerateKeyPair(name)
	if nil != err {
		t.Fatalf("failed generating keys, got error %v", err)
	}
	return kp
}

func acceptAll(_ context.Context, offer Offer) (Answer, error) {
	return Answer{Accepted: true, Media: "answer:" + offer.Media}, nil
}

func TestCallAndHangup(t *testing.T) {
	p := setup(t, acceptAll)

	answer, err := p.caller.Call(p.ctx, p.a, "offer")
	if nil != err {
		t.Fatalf("failed Call, got error %v", err)
	}
	if !answer.Accepted || "answer:offer" != answer.Media {
		t.Errorf("failed Answer control, got %+v", answer)
	}
	callId := p.caller.Active()
	if "" == callId || callId != answer.CallId || callId != p.peer.Active() {
		t.Fatalf("failed active call control, got %q & %q", callId, p.peer.Active())
	}

	_, err = p.caller.Call(p.ctx, p.a, "second")
	if !errors.Is(err, ErrBusy) {
		t.Errorf("failed busy caller control, got error %v", err)
	}

	if err = p.caller.Hangup(p.ctx, p.a, "bye"); nil != err {
		t.Fatalf("failed Hangup, got error %v", err)
	}
	if "" != p.caller.Active() || "" != p.peer.Active() {
		t.Errorf("failed hangup control, got %q & %q", p.caller.Active(), p.peer.Active())
	}

	err = p.caller.Hangup(p.ctx, p.a, "again")
	if !errors.Is(err, ErrNoCall) {
		t.Errorf("failed no call control, got error %v", err)
	}
}

func TestCallDeclined(t *testing.T) {
	p := setup(t, func(context.Context, Offer) (Answer, error) {
		return Answer{Accepted: false}, nil
	})

	_, err := p.caller.Call(p.ctx, p.a, "offer")
	if !errors.Is(err, ErrDeclined) {
		t.Errorf("failed declined control, got error %v", err)
	}
	if "" != p.caller.Active() || "" != p.peer.Active() {
		t.Error("failed declined call release control")
	}
}

func TestCallAnswererError(t *testing.T) {
	p := setup(t, func(context.Context, Offer) (Answer, error) {
		return Answer{}, errors.New("no camera")
	})

	_, err := p.caller.Call(p.ctx, p.a, "offer", dispatch.WithTimeout(5*time.Second))
	if !errors.Is(err, dispatch.ErrPeer) {
		t.Errorf("failed peer error control, got error %v", err)
	}
	if "" != p.caller.Active() {
		t.Error("failed failed call release control")
	}
}

func TestCallBusyPeer(t *testing.T) {
	p := setup(t, acceptAll)
	// peer already holds a call
	if err := p.peer.reserve("other"); nil != err {
		t.Fatalf("failed reserve, got error %v", err)
	}

	_, err := p.caller.Call(p.ctx, p.a, "offer")
	if !errors.Is(err, dispatch.ErrPeer) {
		t.Errorf("failed busy peer control, got error %v", err)
	}
	if "other" != p.peer.Active() {
		t.Errorf("failed peer call control, got %q", p.peer.Active())
	}
}

func TestCloseEndsCall(t *testing.T) {
	p := setup(t, acceptAll)
	p.caller.Watch(p.a)
	p.peer.Watch(p.b)

	if _, err := p.caller.Call(p.ctx, p.a, "offer"); nil != err {
		t.Fatalf("failed Call, got error %v", err)
	}
	if err := p.a.Close(p.ctx, "done"); nil != err {
		t.Fatalf("failed Close, got error %v", err)
	}
	if "" != p.caller.Active() {
		t.Error("failed caller close control")
	}
	deadline := time.Now().Add(5 * time.Second)
	for "" != p.peer.Active() {
		if time.Now().After(deadline) {
			t.Fatal("failed peer close control")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := p.caller.Call(p.ctx, p.a, "offer")
	if !errors.Is(err, dispatch.ErrChannelClosed) {
		t.Errorf("failed closed channel control, got error %v", err)
	}
}

func TestCloseTimeoutEndsCall(t *testing.T) {
	p := setup(t, acceptAll)
	p.caller.Watch(p.a)

	if _, err := p.caller.Call(p.ctx, p.a, "offer"); nil != err {
		t.Fatalf("failed Call, got error %v", err)
	}
	p.pb.SetFilter(func(evt event.Event) bool { return event.CloseConfirm != evt.Type })
	err := p.a.Close(p.ctx, "done", dispatch.WithTimeout(100*time.Millisecond))
	if !errors.Is(err, dispatch.ErrRequestTimeout) {
		t.Fatalf("failed close timeout control, got error %v", err)
	}
	if channel.Closed != p.a.State() {
		t.Fatalf("failed implicit close control, got %s", p.a.State())
	}
	if "" != p.caller.Active() {
		t.Error("failed caller close control, call still active")
	}
}

func TestCanceledCloseKeepsCall(t *testing.T) {
	p := setup(t, acceptAll)
	p.caller.Watch(p.a)

	if _, err := p.caller.Call(p.ctx, p.a, "offer"); nil != err {
		t.Fatalf("failed Call, got error %v", err)
	}
	// a CLOSE_REQUEST_ERROR that leaves the channel open does not end the call
	ctx, cancel := context.WithCancel(p.ctx)
	cancel()
	if err := p.a.Close(ctx, "canceled"); nil == err {
		t.Fatal("failed canceled Close control")
	}
	if channel.Open != p.a.State() || "" == p.caller.Active() {
		t.Errorf("failed open channel control, state %s active %q", p.a.State(), p.caller.Active())
	}
}

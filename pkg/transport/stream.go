package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/event"
)

// MaxFrameSize is the largest frame a RWTransport reads or writes.
const MaxFrameSize = 0xFFFF

// Transport reads & writes delimited frames.
type Transport interface {
	ReadBytes() ([]byte, error)
	WriteBytes(data []byte) error
}

// RWTransport frames data with a uint16 big endian length prefix.
type RWTransport struct {
	R io.Reader // source from which frames are read.
	W io.Writer // destination to which frames are written.
}

// ReadBytes reads a single frame.
func (self RWTransport) ReadBytes() ([]byte, error) {
	psb := make([]byte, 2)
	_, err := io.ReadFull(self.R, psb)
	if nil != err {
		return nil, wrapError(err, "failed reading frame size")
	}
	psz := binary.BigEndian.Uint16(psb)

	data := make([]byte, int(psz))
	_, err = io.ReadFull(self.R, data)
	if nil != err {
		return nil, wrapError(err, "failed reading frame")
	}
	return data, nil
}

// WriteBytes writes data as a single frame.
func (self RWTransport) WriteBytes(data []byte) error {
	if len(data) > MaxFrameSize {
		return flagError(ErrFrameTooLarge, nil, "frame of %d bytes larger than %d", len(data), MaxFrameSize)
	}

	pdata := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(pdata, uint16(len(data)))
	copy(pdata[2:], data)

	_, err := self.W.Write(pdata)
	return wrapError(err, "failed writing frame") // nil if err is nil
}

var _ Transport = RWTransport{}

// StreamPort exchanges Events as frames of a Transport, eg a TCP connection.
type StreamPort struct {
	*Router
	T Transport
	S Serializer

	wmut sync.Mutex
}

// NewStreamPort returns a StreamPort that frames Events over rw.
// If s is nil, Events are CBOR encoded.
func NewStreamPort(rw io.ReadWriter, s Serializer, accept AcceptFunc) *StreamPort {
	if nil == s {
		s = CBORSerializer{}
	}
	return &StreamPort{
		Router: NewRouter(accept),
		T:      RWTransport{R: rw, W: rw},
		S:      WrapInSafeSerializer(s),
	}
}

// Deliver implements Port Deliver.
func (self *StreamPort) Deliver(ctx context.Context, evt event.Event) error {
	srzevt, err := self.S.Marshal(evt)
	if nil != err {
		return wrapError(err, "failed marshalling %s event", evt.Type)
	}

	self.wmut.Lock()
	defer self.wmut.Unlock()
	return self.T.WriteBytes(srzevt)
}

// Serve reads Events until the Transport fails or ctx is done, routing each of them.
//
// Frames that do not decode to a valid Event are logged and skipped.
// Serve returns nil when the stream is closed.
func (self *StreamPort) Serve(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()
	for {
		if err := ctx.Err(); nil != err {
			return err
		}
		frame, err := self.T.ReadBytes()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		if nil != err {
			return err
		}

		var evt event.Event
		err = self.S.Unmarshal(frame, &evt)
		if nil != err {
			log.Debug("dropped invalid frame", "error", err)
			continue
		}
		self.routeOrLog(ctx, evt)
	}
}

var _ Port = &StreamPort{}

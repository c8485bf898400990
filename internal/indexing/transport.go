package indexing

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxFrameBytes = 32 << 20

var ErrTransportClosed = errors.New("indexer transport closed")

// Transport moves messages between the coordinator and one indexer.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
	// wsjson writers must not interleave frames.
	writeMu sync.Mutex
}

// AcceptTransport upgrades an indexer's HTTP request to a websocket
// transport.
func AcceptTransport(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (Transport, error) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

// DialTransport connects to a coordinator's websocket endpoint.
func DialTransport(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsjson.Write(ctx, t.conn, msg)
}

func (t *wsTransport) Receive(ctx context.Context) (Message, error) {
	var msg Message
	if err := wsjson.Read(ctx, t.conn, &msg); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return Message{}, ErrTransportClosed
		}
		return Message{}, err
	}
	return msg, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// ChannelTransport is an in-process transport. NewChannelPipe returns its two
// connected ends.
type ChannelTransport struct {
	in     <-chan Message
	out    chan<- Message
	closed chan struct{}
	peer   chan struct{}
	once   sync.Once
}

func NewChannelPipe(buffer int) (*ChannelTransport, *ChannelTransport) {
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &ChannelTransport{in: ba, out: ab, closed: aClosed, peer: bClosed}
	b := &ChannelTransport{in: ab, out: ba, closed: bClosed, peer: aClosed}
	return a, b
}

func (t *ChannelTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-t.peer:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	case <-t.peer:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ChannelTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closed:
		return Message{}, ErrTransportClosed
	case <-t.peer:
		return Message{}, ErrTransportClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *ChannelTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

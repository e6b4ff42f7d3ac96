package audit

import (
	"io"
	"net"
	"sync"
	"time"
)

// transport 不收发数据的内存传输，关闭后读取返回错误
type transport struct {
	once   sync.Once
	closed chan struct{}
}

func newTransport() *transport {
	return &transport{closed: make(chan struct{})}
}

func (t *transport) NextReader() (int, io.Reader, error) {
	<-t.closed
	return 0, nil, net.ErrClosed
}

func (t *transport) WriteMessage(int, []byte) error            { return nil }
func (t *transport) WriteControl(int, []byte, time.Time) error { return nil }
func (t *transport) SetReadDeadline(time.Time) error           { return nil }
func (t *transport) SetWriteDeadline(time.Time) error          { return nil }
func (t *transport) SetReadLimit(int64)                        {}
func (t *transport) SetPongHandler(func(string) error)         {}
func (t *transport) RemoteAddr() net.Addr                      { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9000} }

func (t *transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

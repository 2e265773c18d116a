// Package wire implements the framed binary protocol used between game
// clients and the compile server: length-prefixed, endian-tagged
// request/response frames over a plain TCP connection, plus the
// peer-to-peer Forward/Backward primitives used by the fallback path.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// MaxPayloadSize is the hard ceiling on any single frame's payload, in
// either direction.
const MaxPayloadSize = 1 << 20 // 1 MiB

// ErrInvalidSize is returned when a received frame declares a length of
// zero or greater than MaxPayloadSize.
var ErrInvalidSize = errors.New("wire: invalid frame size")

// ErrRecvTimeout is returned when a receive does not complete within the
// 10-second wall-clock retry budget.
var ErrRecvTimeout = errors.New("wire: recv timed out")

const (
	recvRetryBackoff = 5 * time.Millisecond
	recvRetryBudget  = 10 * time.Second
	sendChunkSize    = 4096
)

var openSockets int64

// OpenSocketCount returns the process-wide count of live Codec instances,
// used by the tick worker's status line and the status endpoint.
func OpenSocketCount() int64 {
	return atomic.LoadInt64(&openSockets)
}

// Codec wraps a TCP connection with the server's framing. One Codec per
// accepted connection, and one per outbound fallback-peer dial.
type Codec struct {
	conn      net.Conn
	peerSwap  bool // true once Recv has observed the peer's endianness differs from ours
	closeOnce int32
}

// NewCodec wraps conn and accounts it in the process-wide open-socket
// counter. Call Close exactly once when done.
func NewCodec(conn net.Conn) *Codec {
	atomic.AddInt64(&openSockets, 1)
	return &Codec{conn: conn}
}

// Close closes the underlying connection and decrements the open-socket
// counter. Safe to call more than once.
func (c *Codec) Close() error {
	if atomic.CompareAndSwapInt32(&c.closeOnce, 0, 1) {
		atomic.AddInt64(&openSockets, -1)
	}
	return c.conn.Close()
}

// PeerIP returns the 32-bit representation of the remote IPv4 address, or
// zero if the peer address isn't IPv4 (e.g. a unix socket in tests).
func (c *Codec) PeerIP() uint32 {
	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok || addr.IP == nil {
		return 0
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

func reverse8(b [8]byte) [8]byte {
	for i, j := 0, 7; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// readFull reads exactly len(buf) bytes, looping on short reads and
// retrying transient/would-block errors with a 5ms backoff up to a 10s
// total budget.
func (c *Codec) readFull(buf []byte) error {
	deadline := time.Now().Add(recvRetryBudget)
	c.conn.SetReadDeadline(deadline)
	read := 0
	for read < len(buf) {
		n, err := c.conn.Read(buf[read:])
		read += n
		if read == len(buf) {
			return nil
		}
		if err != nil {
			if isTemporary(err) {
				if time.Now().After(deadline) {
					return ErrRecvTimeout
				}
				time.Sleep(recvRetryBackoff)
				continue
			}
			return err
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return ErrRecvTimeout
			}
			time.Sleep(recvRetryBackoff)
		}
	}
	return nil
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Recv reads one request frame: an 8-byte length/endian word followed by
// that many bytes of payload.
func (c *Codec) Recv() ([]byte, error) {
	var head [8]byte
	if err := c.readFull(head[:]); err != nil {
		return nil, err
	}

	word := binary.LittleEndian.Uint64(head[:])
	if uint32(word>>32) != 0 {
		head = reverse8(head)
		word = binary.LittleEndian.Uint64(head[:])
		c.peerSwap = true
	}
	length := uint32(word)

	if length == 0 || length > MaxPayloadSize {
		return nil, ErrInvalidSize
	}

	payload := make([]byte, length)
	if err := c.readFull(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// RecvResponse reads one response frame as written by Send: a 4-byte
// length (5 bytes for V2+, with the JobState immediately following the
// length) and then that many bytes of body. Used by the client side of
// the protocol and by tests that exercise a Dispatcher end-to-end.
func (c *Codec) RecvResponse(version ProtocolVersion) (JobState, []byte, error) {
	var lenBytes [4]byte
	if err := c.readFull(lenBytes[:]); err != nil {
		return None, nil, err
	}
	length := binary.LittleEndian.Uint32(lenBytes[:])
	if c.peerSwap {
		length = uint32(lenBytes[3]) | uint32(lenBytes[2])<<8 | uint32(lenBytes[1])<<16 | uint32(lenBytes[0])<<24
	}
	if length > MaxPayloadSize {
		return None, nil, ErrInvalidSize
	}

	state := None
	if version >= V2 {
		var stateByte [1]byte
		if err := c.readFull(stateByte[:]); err != nil {
			return None, nil, err
		}
		state = JobState(stateByte[0])
	}

	body := make([]byte, length)
	if length > 0 {
		if err := c.readFull(body); err != nil {
			return None, nil, err
		}
	}
	return state, body, nil
}

func (c *Codec) writeChunked(buf []byte) error {
	for len(buf) > 0 {
		n := len(buf)
		if n > sendChunkSize {
			n = sendChunkSize
		}
		written := 0
		for written < n {
			w, err := c.conn.Write(buf[written:n])
			written += w
			if err != nil {
				return err
			}
		}
		buf = buf[n:]
	}
	return nil
}

// Send writes one response frame. For version < V2 the header is a bare
// 4-byte little-endian length; for V2+ a 1-byte JobState immediately
// follows the length. If Recv previously observed a differently-endianed
// peer, the 4-byte length is byte-swapped to match.
func (c *Codec) Send(version ProtocolVersion, state JobState, body []byte) error {
	if len(body) > MaxPayloadSize {
		return ErrInvalidSize
	}
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(body)))
	if c.peerSwap {
		lenBytes[0], lenBytes[1], lenBytes[2], lenBytes[3] = lenBytes[3], lenBytes[2], lenBytes[1], lenBytes[0]
	}

	header := lenBytes[:]
	if version >= V2 {
		header = append(header, byte(state))
	}
	if err := c.writeChunked(header); err != nil {
		return err
	}
	return c.writeChunked(body)
}

// SendString writes a plain, unframed chunked string, with no length or
// JobState header.
func (c *Codec) SendString(s string) error {
	return c.writeChunked([]byte(s))
}

// Forward writes payload to an outbound peer connection as an 8-byte
// length-prefixed frame, used by the fallback path to re-transmit the
// entire inbound request verbatim.
func (c *Codec) Forward(payload []byte) error {
	var head [8]byte
	binary.LittleEndian.PutUint32(head[:4], uint32(len(payload)))
	if err := c.writeChunked(head[:]); err != nil {
		return err
	}
	return c.writeChunked(payload)
}

// Backward reads a peer's forwarded response: a 4-byte length followed by
// that many bytes. It returns the length prefix concatenated with the
// body so callers can inspect the byte that immediately follows the
// length (the V2+ JobState byte) without re-parsing the header twice.
func (c *Codec) Backward() ([]byte, error) {
	var lenBytes [4]byte
	if err := c.readFull(lenBytes[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBytes[:])
	if length > MaxPayloadSize {
		return nil, ErrInvalidSize
	}
	body := make([]byte, length)
	if length > 0 {
		if err := c.readFull(body); err != nil {
			return nil, err
		}
	}
	out := make([]byte, 0, 4+length)
	out = append(out, lenBytes[:]...)
	out = append(out, body...)
	return out, nil
}

// DialPeer opens a plain TCP connection to a fallback peer and wraps it
// in a Codec, accounting it in the open-socket counter like any other
// connection.
func DialPeer(addr string, timeout time.Duration) (*Codec, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewCodec(conn), nil
}

var _ io.Closer = (*Codec)(nil)

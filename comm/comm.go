/*Package comm provides interfaces and embeddable types for communication with
delay hardware over a serial line or a TCP socket.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  construct it with NewRemoteDevice, passing the terminators the device
		expects and a serial.Config if the device is on a serial line.
	3.  write methods for the device on top of Send, Recv and SendRecv.

A minimal example for a controller that answers "POS? 1" with "1=+12.5":

	type Stage struct {
		*comm.RemoteDevice
	}

	func (s *Stage) Pos() (string, error) {
		s.Lock()
		defer s.Unlock()
		resp, err := s.OpenSendRecv([]byte("POS? 1"))
		return string(resp), err
	}

The connection is kept open between calls; Close releases it.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

// Terminators holds the receive and transmit termination bytes
type Terminators struct {
	Rx byte
	Tx byte
}

/*RemoteDevice has an address and implements Communicator

the embedded mutex is not used by RemoteDevice itself; types built on it
lock around a full query/response exchange so that responses are never
interleaved between goroutines.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is the network address (host:port) or serial port name
	Addr string

	// IsSerial selects a serial connection over TCP
	IsSerial bool

	// Timeout is applied to connect, read, and write
	Timeout time.Duration

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	terms   Terminators
	serConf *serial.Config
	reader  *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil, in
// which case carriage returns are used in both directions.  serConf is only
// used when serial is true.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serConf *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &Terminators{Rx: '\r', Tx: '\r'}
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Timeout:  3 * time.Second,
		terms:    *terms,
		serConf:  serConf}
}

// Open the connection, setting the Conn variable.  Open is a no-op if the
// connection is already open.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff, controllers behind terminal servers
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.IsSerial {
		if rd.serConf == nil {
			return ErrNoSerialConf
		}
		conf := *rd.serConf
		conf.ReadTimeout = rd.Timeout
		conn, err = serial.OpenPort(&conf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// Send writes data to the remote, appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.refreshDeadline()
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, rd.terms.Tx)
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.refreshDeadline()
	term := rd.terms.Rx
	buf, err := rd.reader.ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		buf = buf[:len(buf)-1]
		// PI and SRS controllers may add a \r ahead of a \n
		return bytes.TrimSuffix(buf, []byte{'\r'}), nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSend opens the connection if needed and sends b
func (rd *RemoteDevice) OpenSend(b []byte) error {
	if err := rd.Open(); err != nil {
		return err
	}
	return rd.Send(b)
}

// OpenSendRecv opens the connection if needed, then does SendRecv
func (rd *RemoteDevice) OpenSendRecv(b []byte) ([]byte, error) {
	if err := rd.Open(); err != nil {
		return []byte{}, err
	}
	return rd.SendRecv(b)
}

func (rd *RemoteDevice) refreshDeadline() {
	if c, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		c.SetDeadline(time.Now().Add(rd.Timeout))
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

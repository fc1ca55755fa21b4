package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is a raw DBus connection.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Transport.Write, but additionally sends
	// the given files as ancillary data.
	WriteWithFiles(bs []byte, fds []*os.File) (int, error)
}

// DialUnix connects and authenticates to the bus at the given socket
// path. A leading "@" selects a Linux abstract socket.
//
// ctx bounds the connection and authentication handshake only.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	ret := &unixTransport{
		conn: c.(*net.UnixConn),
		fds:  queue.New[*os.File](),
	}
	ret.buf = bufio.NewReader(funcReader(ret.readMsg))

	deadline, _ := ctx.Deadline()
	if err := ret.conn.SetDeadline(deadline); err != nil {
		ret.Close()
		return nil, err
	}
	if err := ret.authenticate(); err != nil {
		ret.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", path, err)
	}
	if err := ret.conn.SetDeadline(time.Time{}); err != nil {
		ret.Close()
		return nil, err
	}
	return ret, nil
}

// unixTransport is a Transport over a Unix domain socket.
type unixTransport struct {
	conn *net.UnixConn
	buf  *bufio.Reader
	oob  [512]byte
	// canPassFDs is whether the bus agreed to unix fd passing.
	canPassFDs bool
	// fds are received files not yet claimed by GetFiles.
	fds *queue.Queue[*os.File]
}

// authenticate runs the client side of the SASL handshake, with the
// EXTERNAL mechanism. The bus learns our identity from the socket's
// peer credentials, so the handshake only has to claim our uid.
func (u *unixTransport) authenticate() error {
	uid := hex.EncodeToString([]byte(strconv.Itoa(os.Getuid())))
	resp, err := u.command("\x00AUTH EXTERNAL " + uid)
	if err != nil {
		return err
	}
	switch verb, rest, _ := strings.Cut(resp, " "); verb {
	case "OK":
	case "REJECTED":
		return fmt.Errorf("EXTERNAL auth rejected, server supports %q", rest)
	default:
		return fmt.Errorf("unexpected auth response %q", resp)
	}

	resp, err = u.command("NEGOTIATE_UNIX_FD")
	if err != nil {
		return err
	}
	switch verb, _, _ := strings.Cut(resp, " "); verb {
	case "AGREE_UNIX_FD":
		u.canPassFDs = true
	case "ERROR":
		// Fine, some buses do not pass fds.
	default:
		return fmt.Errorf("unexpected NEGOTIATE_UNIX_FD response %q", resp)
	}

	_, err = io.WriteString(u.conn, "BEGIN\r\n")
	return err
}

// command sends one handshake line and returns the response line,
// without its line ending.
func (u *unixTransport) command(line string) (string, error) {
	if _, err := io.WriteString(u.conn, line+"\r\n"); err != nil {
		return "", err
	}
	resp, err := u.buf.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(resp, "\r\n"), nil
}

func (u *unixTransport) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) Close() error {
	for u.fds.Len() > 0 {
		f, _ := u.fds.Pop()
		f.Close()
	}
	return u.conn.Close()
}

func (u *unixTransport) WriteWithFiles(bs []byte, files []*os.File) (int, error) {
	if len(files) == 0 {
		return u.Write(bs)
	}
	if !u.canPassFDs {
		return 0, errors.New("bus does not support passing file descriptors")
	}

	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	rights := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, rights, nil)
	switch {
	case err != nil:
	case oobn != len(rights):
		err = io.ErrShortWrite
	default:
		return n, nil
	}
	u.Close()
	return n, err
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	if n > u.fds.Len() {
		return nil, fmt.Errorf("message refers to %d files, only %d received", n, u.fds.Len())
	}
	ret := make([]*os.File, n)
	for i := range ret {
		ret[i], _ = u.fds.Pop()
	}
	return ret, nil
}

// readMsg reads from the socket, and queues any files received
// alongside the bytes.
func (u *unixTransport) readMsg(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		err = errors.New("control message truncated")
	} else if oobn > 0 {
		if fdErr := u.receiveFiles(u.oob[:oobn]); fdErr != nil {
			err = fdErr
		}
	}
	if err != nil {
		u.Close()
		return 0, err
	}
	return n, nil
}

// receiveFiles queues the files carried by the control messages in
// oob. It queues every valid fd even if some messages are malformed,
// so that Close can release all of them.
func (u *unixTransport) receiveFiles(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			if f := os.NewFile(uintptr(fd), ""); f != nil {
				u.fds.Add(f)
			} else {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received", fd))
			}
		}
	}
	return errors.Join(errs...)
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) {
	return f(bs)
}

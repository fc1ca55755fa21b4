// Package dbustest runs isolated bus instances for tests.
package dbustest

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dbus "github.com/danderson/dyndbus"
)

//go:embed dbus.config
var dbusConfig string

const startTimeout = 10 * time.Second

// Available reports whether the binaries needed to run a test bus are
// installed.
func Available() bool {
	for _, bin := range []string{"dbus-daemon", "dbus-monitor"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is a dbus-daemon instance private to one test.
type Bus struct {
	sock  string
	stop  context.CancelFunc
	procs []<-chan struct{}
}

// New starts a bus for the calling test, and stops it when the test
// ends. It skips the test if [Available] is false.
//
// If logMonitor is true, every message that crosses the bus is logged
// with t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(dbusConfig), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ret := &Bus{
		sock: filepath.Join(tmp, "bus.sock"),
		stop: cancel,
	}
	t.Cleanup(ret.close)

	daemon := exec.CommandContext(ctx, "dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog", "--address="+ret.Address())
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := ret.run(ctx, daemon); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	if err := waitForSocket(ctx, ret.sock); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		mon := exec.CommandContext(ctx, "dbus-monitor", "--address", ret.Address())
		out, err := mon.StdoutPipe()
		if err != nil {
			t.Fatal(err)
		}
		mon.Stderr = os.Stderr
		ready := make(chan struct{})
		logged := make(chan struct{})
		ret.procs = append(ret.procs, logged)
		go func() {
			defer close(logged)
			logMessages(t, out, ready)
		}()
		if err := ret.run(ctx, mon); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		select {
		case <-ready:
		case <-time.After(startTimeout):
			t.Fatal("timed out waiting for monitor")
		}
	}

	return ret
}

// run starts cmd, and tracks it until it exits.
func (b *Bus) run(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	b.procs = append(b.procs, done)
	go func() {
		defer close(done)
		err := cmd.Wait()
		if ctx.Err() == nil {
			log.Printf("%s exited prematurely: %v", filepath.Base(cmd.Path), err)
		}
	}()
	return nil
}

func (b *Bus) close() {
	b.stop()
	timeout := time.After(startTimeout)
	for _, done := range b.procs {
		select {
		case <-done:
		case <-timeout:
			log.Print("timed out waiting for test bus to stop")
			return
		}
	}
}

func waitForSocket(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// logMessages logs the output of dbus-monitor one message at a time,
// and closes ready once the monitor has printed its first line.
func logMessages(t *testing.T, r io.Reader, ready chan<- struct{}) {
	var msg []string
	flush := func() {
		if len(msg) > 0 {
			t.Log(strings.Join(msg, "\n"))
			msg = msg[:0]
		}
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if isMessageStart(line) {
			flush()
		}
		if msg == nil {
			close(ready)
		}
		msg = append(msg, line)
	}
	flush()
}

func isMessageStart(line string) bool {
	for _, p := range []string{"method call ", "method return ", "signal ", "error "} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the DBus address of the bus, in the format of
// DBUS_SESSION_BUS_ADDRESS.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// SetEnv points the session and system bus addresses of the
// environment at b, for the duration of the test.
func (b *Bus) SetEnv(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", b.Address())
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", b.Address())
}

// MustConn returns a connection to the bus, which is closed when the
// test ends. It fails the test if it cannot connect.
func (b *Bus) MustConn(t *testing.T) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	ret, err := dbus.Dial(ctx, b.Address())
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

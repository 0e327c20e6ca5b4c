package chatwire

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/chat"
)

// syncBuffer collects client output that is read while the client still runs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// scriptedServer runs f against the server end of a pipe and reports its
// error after the client side is done. The server end is closed once the
// script finishes, so the client observes a server hangup.
func scriptedServer(t *testing.T, f func(codec *chat.FrameCodec) error) (client net.Conn, wait func() error) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
	})

	scriptErr := make(chan error, 1)
	go func() {
		err := f(chat.NewFrameCodec(serverEnd))
		serverEnd.Close()
		scriptErr <- err
	}()

	return clientEnd, func() error {
		select {
		case err := <-scriptErr:
			return err
		case <-time.After(2 * time.Second):
			return io.ErrNoProgress
		}
	}
}

func newTestClient(t *testing.T, in io.Reader, out io.Writer) *Client {
	t.Helper()
	c, err := NewClient(
		WithClientInput(in),
		WithClientOutput(out),
		WithClientDirs(t.TempDir(), t.TempDir()),
	)
	require.NoError(t, err)
	return c
}

func expectMessage[M chat.Message](codec *chat.FrameCodec) (M, error) {
	var zero M
	m, err := codec.ReadNext()
	if err != nil {
		return zero, err
	}
	got, ok := m.(M)
	if !ok {
		return zero, io.ErrUnexpectedEOF
	}
	return got, nil
}

func TestClientInteractiveChat(t *testing.T) {
	in, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}
	c := newTestClient(t, in, out)

	conn, wait := scriptedServer(t, func(codec *chat.FrameCodec) error {
		signup, err := expectMessage[*chat.Signup](codec)
		if err != nil {
			return err
		}
		if err := codec.Send(&chat.Text{Body: "Welcome, " + signup.Username}); err != nil {
			return err
		}
		if _, err := expectMessage[*chat.Text](codec); err != nil {
			return err
		}
		_, err = expectMessage[*chat.Quit](codec)
		return err
	})

	runErr := make(chan error, 1)
	go func() { runErr <- c.run(context.Background(), conn) }()

	_, err := io.WriteString(inW, ".signup alice pw\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Welcome, alice")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "hello everyone\n.quit\n")
	require.NoError(t, err)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop on quit")
	}
	require.NoError(t, wait())
}

func TestClientSavesAttachments(t *testing.T) {
	in, inW := io.Pipe() // held open, the server ends the run
	defer inW.Close()
	var out bytes.Buffer
	c := newTestClient(t, in, &out)

	conn, wait := scriptedServer(t, func(codec *chat.FrameCodec) error {
		for _, m := range []chat.Message{
			&chat.Text{Body: "hi from bob"},
			&chat.File{Name: "/home/bob/report.txt", Data: []byte("quarterly")},
			&chat.Image{Data: []byte{0x89, 'P', 'N', 'G'}},
		} {
			if err := codec.Send(m); err != nil {
				return err
			}
		}
		return nil
	})

	// The script hangs up after the last attachment; the run ends cleanly.
	require.NoError(t, c.run(context.Background(), conn))
	require.NoError(t, wait())
	require.Contains(t, out.String(), "hi from bob")

	// The file keeps its base name, the image is named by receive time.
	data, err := os.ReadFile(filepath.Join(c.filesDir, "report.txt"))
	require.NoError(t, err)
	require.Equal(t, "quarterly", string(data))

	entries, err := os.ReadDir(c.imagesDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err = os.ReadFile(filepath.Join(c.imagesDir, entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestClientPrintsParseErrors(t *testing.T) {
	in := strings.NewReader(".login onlyuser\n.frobnicate\n.quit\n")
	var out bytes.Buffer
	c := newTestClient(t, in, &out)

	conn, wait := scriptedServer(t, func(codec *chat.FrameCodec) error {
		// Bad lines never reach the wire, only the quit does.
		_, err := expectMessage[*chat.Quit](codec)
		return err
	})

	require.NoError(t, c.run(context.Background(), conn))
	require.NoError(t, wait())
	require.Contains(t, out.String(), "Login requires two arguments - username and password")
	require.Contains(t, out.String(), "Unknown command")
}

func TestClientQuitsOnInputEOF(t *testing.T) {
	var out bytes.Buffer
	c := newTestClient(t, strings.NewReader(""), &out)

	conn, wait := scriptedServer(t, func(codec *chat.FrameCodec) error {
		_, err := expectMessage[*chat.Quit](codec)
		return err
	})

	require.NoError(t, c.run(context.Background(), conn))
	require.NoError(t, wait())
}

func TestReceivedFileName(t *testing.T) {
	for _, tc := range []struct {
		path string
		want string
	}{
		{path: "report.txt", want: "report.txt"},
		{path: "/home/bob/report.txt", want: "report.txt"},
		{path: "a/b/../c.txt", want: "c.txt"},
		{path: "..hidden", want: "..hidden"},
	} {
		name, err := receivedFileName(tc.path)
		require.NoError(t, err, tc.path)
		require.Equal(t, tc.want, name)
	}

	for _, path := range []string{".", "..", "/", "a/.."} {
		_, err := receivedFileName(path)
		require.Error(t, err, path)
	}
}

package chatwire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/chat"
)

// Init tunes process wide defaults, currently the uuid rand pool used by the
// store for ids and salts. Call it once from main.
func Init() {
	uuid.EnableRandPool()
}

const (
	// DefaultFilesDir receives shared files, named by their base name.
	DefaultFilesDir = "files"
	// DefaultImagesDir receives shared images, named by receive time.
	DefaultImagesDir = "images"
)

// Client is the interactive chat client: it parses typed lines into
// messages, sends them, and renders whatever the server fans out. Received
// files and images land in the files and images directories.
type Client struct {
	filesDir  string
	imagesDir string
	parser    *chat.Parser
	maxFrame  uint32

	in     io.Reader
	out    io.Writer
	errOut io.Writer
	log    zerolog.Logger
}

type ClientOption func(c *Client) error

// WithClientLogger allows customizing client logger
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = logger
		return nil
	}
}

// WithClientDirs overrides where received files and images are written.
func WithClientDirs(filesDir, imagesDir string) ClientOption {
	return func(c *Client) error {
		if filesDir == "" || imagesDir == "" {
			return errors.New("client dirs must not be empty")
		}
		c.filesDir = filesDir
		c.imagesDir = imagesDir
		return nil
	}
}

// WithClientInput overrides the line source, default os.Stdin.
func WithClientInput(r io.Reader) ClientOption {
	return func(c *Client) error {
		c.in = r
		return nil
	}
}

// WithClientOutput overrides where chat lines and parse errors are printed,
// defaults os.Stdout and os.Stderr.
func WithClientOutput(w io.Writer) ClientOption {
	return func(c *Client) error {
		c.out = w
		c.errOut = w
		return nil
	}
}

// WithClientParser overrides the command parser, for a different attachment
// size cap.
func WithClientParser(p *chat.Parser) ClientOption {
	return func(c *Client) error {
		c.parser = p
		return nil
	}
}

// NewClient creates a client handle.
func NewClient(options ...ClientOption) (*Client, error) {
	c := &Client{
		filesDir:  DefaultFilesDir,
		imagesDir: DefaultImagesDir,
		parser:    chat.NewParser(),
		maxFrame:  chat.DefaultMaxFrameSize,
		in:        os.Stdin,
		out:       os.Stdout,
		errOut:    os.Stderr,
		log:       log.Logger.With().Str("caller", "Client").Logger(),
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run connects to addr and processes traffic until the input ends, a quit
// command is typed, the server goes away or ctx is done.
func (c *Client) Run(ctx context.Context, addr string) error {
	for _, dir := range []string{c.filesDir, c.imagesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s err=%w", dir, err)
		}
	}

	c.log.Info().Msgf("Connecting to %s", addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s err=%w", addr, err)
	}
	defer conn.Close()

	return c.run(ctx, conn)
}

func (c *Client) run(ctx context.Context, conn net.Conn) error {
	codec := chat.NewFrameCodec(conn, chat.WithMaxFrameSize(c.maxFrame))

	done := make(chan struct{})
	defer close(done)

	lines := make(chan string)
	go c.readInput(lines, done)

	inbound := make(chan chat.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			m, err := codec.ReadNext()
			if err != nil {
				readErr <- err
				return
			}
			if m == nil {
				continue
			}
			select {
			case inbound <- m:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				// Input ended, leave like a typed quit.
				return codec.Send(&chat.Quit{})
			}
			m, err := c.parser.ParseLine(strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(c.errOut, err)
				continue
			}
			if err := codec.Send(m); err != nil {
				return fmt.Errorf("send err=%w", err)
			}
			if m.Kind() == chat.KindQuit {
				return nil
			}

		case m := <-inbound:
			if err := c.display(m); err != nil {
				return err
			}

		case err := <-readErr:
			if isDisconnect(err) {
				c.log.Info().Msg("Server closed the connection")
				return nil
			}
			return fmt.Errorf("server read err=%w", err)
		}
	}
}

func (c *Client) readInput(lines chan<- string, done <-chan struct{}) {
	sc := bufio.NewScanner(c.in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		c.log.Debug().Err(err).Msg("Input read failed")
	}
	close(lines)
}

// display renders one server message: text to the output, attachments to
// disk. Anything else coming from the server is a protocol violation.
func (c *Client) display(m chat.Message) error {
	switch m := m.(type) {
	case *chat.Text:
		fmt.Fprintln(c.out, m.Body)
		return nil

	case *chat.File:
		name, err := receivedFileName(m.Name)
		if err != nil {
			return err
		}
		path := filepath.Join(c.filesDir, name)
		if err := os.WriteFile(path, m.Data, 0o644); err != nil {
			return fmt.Errorf("write %s err=%w", path, err)
		}
		c.log.Info().Msgf("Saved shared file to %s", path)
		return nil

	case *chat.Image:
		path := filepath.Join(c.imagesDir, strconv.FormatInt(time.Now().UnixMilli(), 10))
		if err := os.WriteFile(path, m.Data, 0o644); err != nil {
			return fmt.Errorf("write %s err=%w", path, err)
		}
		c.log.Info().Msgf("Saved shared image to %s", path)
		return nil
	}
	return fmt.Errorf("unexpected %s message from server", m.Kind())
}

// receivedFileName reduces a sender supplied path to a local base name, so a
// malicious name can not escape the files directory.
func receivedFileName(path string) (string, error) {
	name := filepath.Base(path)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid path received: %s", path)
	}
	return name, nil
}

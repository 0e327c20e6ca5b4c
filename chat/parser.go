package chat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
)

// DefaultMaxFileBytes bounds attachments slurped from disk by ParseLine.
const DefaultMaxFileBytes int64 = 16 << 20

// Parse errors surfaced to the person typing the command. The text is shown
// verbatim, so it keeps the command usage wording.
var (
	ErrUnknownCommand   = errors.New("Unknown command")
	ErrLoginUsage       = errors.New("Login requires two arguments - username and password")
	ErrSignupUsage      = errors.New("Use .signup <new_username> <new_password>")
	ErrPasswdUsage      = errors.New("Passwd requires the new password to be typed two times")
	ErrPasswordMismatch = errors.New("Passwords don't match!")
	ErrFileTooLarge     = errors.New("file exceeds attachment size limit")
)

// Dotted command shapes, tried in order. A line matching none of them is
// plain text.
var (
	regexCommand3 = regexp.MustCompile(`^\.(\S+) (\S+) (\S+)$`)
	regexCommand2 = regexp.MustCompile(`^\.(\S+) (\S+)$`)
	regexCommand1 = regexp.MustCompile(`^\.(\S+)$`)
)

// Parser turns typed input lines into Messages. The zero options parser, also
// reachable through the package level ParseLine, caps attachments at
// DefaultMaxFileBytes.
type Parser struct {
	maxFileBytes int64
}

// ParserOption modifies a Parser during construction.
type ParserOption func(p *Parser)

// WithMaxFileBytes overrides the attachment size cap.
func WithMaxFileBytes(n int64) ParserOption {
	return func(p *Parser) {
		p.maxFileBytes = n
	}
}

// NewParser creates a command line parser.
func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		maxFileBytes: DefaultMaxFileBytes,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

var defaultParser = NewParser()

// ParseLine parses line with the default parser.
func ParseLine(line string) (Message, error) {
	return defaultParser.ParseLine(line)
}

// ParseLine turns one typed line into a Message. Lines starting with a dot
// select a command; every other line is a Text message carrying the line
// unchanged. The file and image commands read the named file here, on the
// sending side, so the returned Message is self contained.
func (p *Parser) ParseLine(line string) (Message, error) {
	if caps := regexCommand3.FindStringSubmatch(line); caps != nil {
		switch caps[1] {
		case "login":
			return &Login{Username: caps[2], Password: caps[3]}, nil
		case "signup":
			return &Signup{Username: caps[2], Password: caps[3]}, nil
		case "passwd":
			if caps[2] != caps[3] {
				return nil, ErrPasswordMismatch
			}
			return &Passwd{NewPassword: caps[3]}, nil
		default:
			return nil, fmt.Errorf("%w: .%s", ErrUnknownCommand, caps[1])
		}
	}
	if caps := regexCommand2.FindStringSubmatch(line); caps != nil {
		switch caps[1] {
		case "file":
			data, err := p.readAttachment(caps[2])
			if err != nil {
				return nil, err
			}
			return &File{Name: caps[2], Data: data}, nil
		case "image":
			data, err := p.readAttachment(caps[2])
			if err != nil {
				return nil, err
			}
			return &Image{Data: data}, nil
		case "login":
			return nil, ErrLoginUsage
		case "signup":
			return nil, ErrSignupUsage
		case "passwd":
			return nil, ErrPasswdUsage
		default:
			return nil, fmt.Errorf("%w: .%s", ErrUnknownCommand, caps[1])
		}
	}
	if caps := regexCommand1.FindStringSubmatch(line); caps != nil {
		if caps[1] == "quit" {
			return &Quit{}, nil
		}
		return nil, fmt.Errorf("%w: .%s", ErrUnknownCommand, caps[1])
	}
	return &Text{Body: line}, nil
}

func (p *Parser) readAttachment(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open file %s err=%w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat file %s err=%w", path, err)
	}
	if info.Size() > p.maxFileBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, path, info.Size(), p.maxFileBytes)
	}

	// The size is rechecked through the limit reader so a file growing
	// between Stat and read can not blow the cap.
	data, err := io.ReadAll(io.LimitReader(f, p.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read file %s err=%w", path, err)
	}
	if int64(len(data)) > p.maxFileBytes {
		return nil, fmt.Errorf("%w: %s, limit %d", ErrFileTooLarge, path, p.maxFileBytes)
	}
	return data, nil
}

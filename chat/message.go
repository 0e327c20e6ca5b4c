// Package chat implements the chatwire protocol core: the message variants,
// their binary wire codec, the length-prefixed frame codec, the command line
// parser and the in-process broadcast bus.
package chat

import (
	"fmt"
)

// Kind is the wire discriminator of a Message variant. The numeric values are
// part of the wire format and must never be reordered.
type Kind uint32

const (
	KindText Kind = iota
	KindFile
	KindImage
	KindLogin
	KindSignup
	KindPasswd
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	case KindImage:
		return "image"
	case KindLogin:
		return "login"
	case KindSignup:
		return "signup"
	case KindPasswd:
		return "passwd"
	case KindQuit:
		return "quit"
	}
	return "unknown"
}

// Message is one protocol payload. Exactly one frame carries exactly one
// Message. Variants are *Text, *File, *Image, *Login, *Signup, *Passwd and
// *Quit.
type Message interface {
	Kind() Kind
	// Short returns short loggable info about the message. It never includes
	// attachment bytes or credentials.
	Short() string
}

// Text is a plain chat line.
type Text struct {
	Body string
}

func (m *Text) Kind() Kind    { return KindText }
func (m *Text) Short() string { return fmt.Sprintf("text len=%d", len(m.Body)) }

// File is a named binary attachment. Name is the sender's originating path as
// typed; receivers must reduce it to a base name before writing to disk.
type File struct {
	Name string
	Data []byte
}

func (m *File) Kind() Kind    { return KindFile }
func (m *File) Short() string { return fmt.Sprintf("file name=%s len=%d", m.Name, len(m.Data)) }

// Image is an unnamed binary image. The receiver assigns a name.
type Image struct {
	Data []byte
}

func (m *Image) Kind() Kind    { return KindImage }
func (m *Image) Short() string { return fmt.Sprintf("image len=%d", len(m.Data)) }

// Login requests authentication of an existing account.
type Login struct {
	Username string
	Password string
}

func (m *Login) Kind() Kind    { return KindLogin }
func (m *Login) Short() string { return "login user=" + m.Username }

// Signup requests creation of a new account.
type Signup struct {
	Username string
	Password string
}

func (m *Signup) Kind() Kind    { return KindSignup }
func (m *Signup) Short() string { return "signup user=" + m.Username }

// Passwd changes the password of the authenticated caller.
type Passwd struct {
	NewPassword string
}

func (m *Passwd) Kind() Kind    { return KindPasswd }
func (m *Passwd) Short() string { return "passwd" }

// Quit asks the server to end the session.
type Quit struct{}

func (m *Quit) Kind() Kind    { return KindQuit }
func (m *Quit) Short() string { return "quit" }

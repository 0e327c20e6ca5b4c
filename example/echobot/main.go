package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/chat"
)

// Echobot logs into a chat server and answers every message that mentions
// its username. It speaks the wire protocol directly through chat.FrameCodec
// instead of going through the interactive client.
func main() {
	srv := flag.String("srv", "127.0.0.1:11111", "Chat server address")
	username := flag.String("u", "echobot", "Username")
	password := flag.String("p", "echobot", "Password")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		log.Logger = log.Logger.Level(lvl)
	}

	conn, err := net.Dial("tcp", *srv)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to connect")
	}
	defer conn.Close()

	codec := chat.NewFrameCodec(conn)
	if err := login(codec, *username, *password); err != nil {
		log.Fatal().Err(err).Msg("Fail to log in")
	}
	log.Info().Str("user", *username).Msg("Logged in, waiting for mentions")

	mention := "@" + *username
	for {
		m, err := codec.ReadNext()
		if err != nil {
			log.Fatal().Err(err).Msg("Server connection lost")
		}
		if m == nil {
			continue
		}
		text, ok := m.(*chat.Text)
		if !ok || !strings.Contains(text.Body, mention) {
			continue
		}
		reply := fmt.Sprintf("%s heard: %s", *username, text.Body)
		if err := codec.Send(&chat.Text{Body: reply}); err != nil {
			log.Fatal().Err(err).Msg("Fail to send reply")
		}
	}
}

// login authenticates and falls back to signup on the first run.
func login(codec *chat.FrameCodec, username, password string) error {
	if err := codec.Send(&chat.Login{Username: username, Password: password}); err != nil {
		return err
	}
	reply, err := readText(codec)
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "Welcome") {
		return nil
	}

	if err := codec.Send(&chat.Signup{Username: username, Password: password}); err != nil {
		return err
	}
	reply, err = readText(codec)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "Welcome") {
		return fmt.Errorf("server refused bot account: %s", reply)
	}
	return nil
}

func readText(codec *chat.FrameCodec) (string, error) {
	for {
		m, err := codec.ReadNext()
		if err != nil {
			return "", err
		}
		if m == nil {
			continue
		}
		if text, ok := m.(*chat.Text); ok {
			return text.Body, nil
		}
	}
}

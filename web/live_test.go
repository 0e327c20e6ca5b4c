package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/chat"
)

func TestConsoleLiveFeed(t *testing.T) {
	bus := chat.NewBus(8)
	c, _ := newTestConsole(t, WithConsoleBus(bus))
	ts := httptest.NewServer(c.Handler())
	defer ts.Close()

	// Log in over real HTTP to obtain the session cookie.
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.PostForm(ts.URL+"/login", url.Values{"login": {"admin"}, "password": {"admin"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	var cookie *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == cookieUserID {
			cookie = ck
		}
	}
	require.NotNil(t, cookie, "no login cookie set")

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Cookie": []string{cookie.Name + "=" + cookie.Value},
		}),
	}
	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/live"
	conn, _, _, err := dialer.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	defer conn.Close()

	// The feed subscribes right after the handshake.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	bus.Publish(chat.Envelope{From: "10.0.0.7:1111", User: "alice", Msg: &chat.Text{Body: "hi"}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	require.JSONEq(t, `{"user":"alice","text":"hi"}`, string(data))

	// Command envelopes never reach the feed, attachments become markers.
	bus.Publish(chat.Envelope{From: "10.0.0.7:1111", User: "alice", Msg: &chat.Login{Username: "x", Password: "y"}})
	bus.Publish(chat.Envelope{From: "10.0.0.7:1111", User: "alice", Msg: &chat.File{Name: "notes.txt", Data: []byte{1}}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, _, err = wsutil.ReadServerData(conn)
	require.NoError(t, err)
	require.JSONEq(t, `{"user":"alice","text":"[Shared file notes.txt]"}`, string(data))

	// Closing the socket releases the subscription.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestConsoleLiveRequiresAdmin(t *testing.T) {
	c, _ := newTestConsole(t, WithConsoleBus(chat.NewBus(4)))
	ts := httptest.NewServer(c.Handler())
	defer ts.Close()

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/live"
	_, _, _, err := ws.DefaultDialer.Dial(context.Background(), wsURL)
	require.Error(t, err)
}

func TestConsoleLiveDisabledWithoutBus(t *testing.T) {
	c, _ := newTestConsole(t)
	rec := get(t, c.Handler(), "/live")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-streams/errs"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialReadWriteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		_ = c.Write(ctx, typ, data)
		_ = c.Write(ctx, websocket.MessageBinary, []byte{0x0a, 0x01})
		_ = c.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewDialer("test", Options{}).Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(int(websocket.StatusNormalClosure), "")

	require.NoError(t, conn.Write(ctx, []byte(`{"ping":1}`)))

	frame, err := conn.Read(ctx)
	require.NoError(t, err)
	require.False(t, frame.Binary)
	require.Equal(t, `{"ping":1}`, string(frame.Data))
	require.False(t, frame.Received.IsZero())

	frame, err = conn.Read(ctx)
	require.NoError(t, err)
	require.True(t, frame.Binary)

	_, err = conn.Read(ctx)
	require.ErrorIs(t, err, errs.ErrConnection)
	require.Equal(t, int(websocket.StatusGoingAway), CloseCode(err))
}

func TestDialUnauthorizedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewDialer("test", Options{HandshakeTimeout: time.Second}).Dial(context.Background(), wsURL(srv), nil)
	require.ErrorIs(t, err, errs.ErrAuth)
}

func TestDialRefusedIsConnectionError(t *testing.T) {
	_, err := NewDialer("test", Options{HandshakeTimeout: time.Second}).Dial(context.Background(), "ws://127.0.0.1:1/ws", nil)
	require.ErrorIs(t, err, errs.ErrConnection)
}

func TestWriteLimit(t *testing.T) {
	c := &wsConn{exchange: "test", writeLimit: 4}
	err := c.Write(context.Background(), []byte("too long"))
	require.ErrorIs(t, err, errs.ErrInvalid)
}

func TestCloseCodeFromWrappedError(t *testing.T) {
	err := errs.New("test", errs.CodeConnection, errs.WithCause(websocket.CloseError{Code: websocket.StatusNoStatusRcvd}))
	require.Equal(t, 1005, CloseCode(err))
	require.Equal(t, -1, CloseCode(errors.New("plain")))
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

var errInputClosed = errors.New("input closed")

const writeTimeout = 5 * time.Second

// runSession dials the relay, registers and pumps lines out and messages to
// out until the connection ends. Errors that a reconnect cannot fix are
// wrapped with backoff.Permanent.
func runSession(ctx context.Context, cfg Config, lines <-chan string, out io.Writer, connected func()) error {
	kind, err := registerType(cfg.Role)
	if err != nil {
		return backoff.Permanent(err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.Server, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
			return backoff.Permanent(fmt.Errorf("handshake rejected with %s", resp.Status))
		}
		return err
	}
	defer conn.Close()

	write := func(msg proto.Message) error {
		b, err := proto.Encode(msg)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, b)
	}
	if err := write(proto.Register(kind, cfg.Key)); err != nil {
		return err
	}
	connected()
	obs.Info("client.registered", obs.Fields{"server": cfg.Server, "role": cfg.Role})

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(conn, out) }()

	var tick <-chan time.Time
	if cfg.Ping > 0 {
		t := time.NewTicker(cfg.Ping)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			closeNormally(conn, readErr)
			return backoff.Permanent(ctx.Err())
		case err := <-readErr:
			return classify(err)
		case line, ok := <-lines:
			if !ok {
				closeNormally(conn, readErr)
				return backoff.Permanent(errInputClosed)
			}
			if err := write(proto.Text(line)); err != nil {
				return err
			}
		case <-tick:
			if err := write(proto.Message{Type: proto.TypePing}); err != nil {
				return err
			}
		}
	}
}

func readLoop(conn *websocket.Conn, out io.Writer) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			obs.Warn("client.decode", obs.Fields{"err": err.Error()})
			continue
		}
		switch msg.Type {
		case proto.TypePong:
			obs.Debug("client.pong", obs.Fields{})
		case proto.TypeMessage:
			printData(out, msg.Data)
		default:
			obs.Debug("client.ignored", obs.Fields{"type": string(msg.Type)})
		}
	}
}

// printData writes string payloads as plain text and anything else as JSON.
func printData(out io.Writer, data json.RawMessage) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		fmt.Fprintln(out, s)
		return
	}
	fmt.Fprintln(out, string(data))
}

// closeNormally sends a close frame and waits briefly for the server's reply.
func closeNormally(conn *websocket.Conn, readErr <-chan error) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		return
	}
	select {
	case <-readErr:
	case <-time.After(time.Second):
	}
}

// classify decides whether a closed connection is worth reconnecting.
func classify(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		obs.Info("client.closed", obs.Fields{"code": ce.Code, "reason": ce.Text})
		switch ce.Code {
		case websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData,
			websocket.ClosePolicyViolation, websocket.CloseMessageTooBig:
			return backoff.Permanent(err)
		}
	}
	return err
}

// Package main provides a CI-friendly WebSocket smoke test for the plaza relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - authenticate -> connect + players snapshot
//   - playerJoined fanout to an existing player
//   - update -> playerUpdate at another client
//   - chat -> chatAck to the sender and chat fanout
//   - ping -> pong
//   - playerDisconnect after a client leaves
//
// Tokens come from -token-a/-token-b, or are minted with -paseto-secret when
// the server verifies PASETO tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"plaza/cmd/identity"
	v1 "plaza/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// frame is one decoded server frame; raw keeps the full body for typed decoding.
type frame struct {
	Type string
	raw  []byte
}

type smokeClient struct {
	name string
	conn *websocket.Conn
	id   string

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA   = flag.String("token-a", "", "Bearer token for client A")
		tokenB   = flag.String("token-b", "", "Bearer token for client B")
		secret   = flag.String("paseto-secret", "", "Hex Ed25519 secret used to mint tokens when -token-a/-token-b are empty")
		issuer   = flag.String("issuer", "", "Issuer claim for minted tokens")
		text     = flag.String("text", "hello plaza 👋", "Chat message to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
		moveToX  = flag.Float64("x", 120, "X coordinate client A moves to")
		moveToY  = flag.Float64("y", 80, "Y coordinate client A moves to")
		skinName = flag.String("skin", "default", "Skin sent with authenticate")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	ta, tb := mustTokens(*tokenA, *tokenB, *secret, *issuer)

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	mustAuthenticate(root, a, ta, "Smoke A", *skinName, *timeout)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)
	players := mustAuthenticate(root, b, tb, "Smoke B", *skinName, *timeout)
	if !containsPlayer(players, a.id) {
		fatalf("players snapshot for B is missing A (%s)", a.id)
	}

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.id, b.id, *origin)
	}

	var joined v1.PlayerJoinedFrame
	a.mustReadInto(root, v1.TypePlayerJoined, *timeout, &joined)
	if joined.Player.ID != b.id {
		fatalf("playerJoined id mismatch (A): got=%q want=%q", joined.Player.ID, b.id)
	}

	mustWrite(root, a.conn, map[string]any{"type": v1.TypeUpdate, "x": *moveToX, "y": *moveToY, "animation": "walk"}, *timeout)
	var upd v1.PlayerUpdateFrame
	b.mustReadInto(root, v1.TypePlayerUpdate, *timeout, &upd)
	if upd.Player.ID != a.id {
		fatalf("playerUpdate id mismatch (B): got=%q want=%q", upd.Player.ID, a.id)
	}
	if math.Abs(upd.Player.X-*moveToX) > 0.001 || math.Abs(upd.Player.Y-*moveToY) > 0.001 {
		fatalf("playerUpdate position mismatch (B): got=(%v,%v) want=(%v,%v)", upd.Player.X, upd.Player.Y, *moveToX, *moveToY)
	}

	mustWrite(root, a.conn, map[string]any{"type": v1.TypeChat, "message": *text}, *timeout)
	var ack v1.ChatAckFrame
	a.mustReadInto(root, v1.TypeChatAck, *timeout, &ack)
	if ack.Message != *text || strings.TrimSpace(ack.ID) == "" {
		fatalf("chatAck mismatch (A): id=%q message=%q", ack.ID, ack.Message)
	}
	var chat v1.ChatFrame
	b.mustReadInto(root, v1.TypeChat, *timeout, &chat)
	if chat.ID != ack.ID || chat.SenderID != a.id || chat.Message != *text {
		fatalf("chat mismatch (B): id=%q sender=%q message=%q", chat.ID, chat.SenderID, chat.Message)
	}
	if chat.Timestamp.IsZero() {
		fatalf("chat timestamp missing/zero (B)")
	}

	mustWrite(root, b.conn, map[string]any{"type": v1.TypePing}, *timeout)
	b.mustReadInto(root, v1.TypePong, *timeout, nil)

	closeWS(a.conn)
	var gone v1.PlayerDisconnectFrame
	b.mustReadInto(root, v1.TypePlayerDisconnect, *timeout, &gone)
	if gone.ID != a.id {
		fatalf("playerDisconnect id mismatch (B): got=%q want=%q", gone.ID, a.id)
	}

	fmt.Printf("OK: A=%s B=%s chat_id=%s\n", a.id, b.id, ack.ID)
}

func mustTokens(tokenA, tokenB, secretHex, issuer string) (string, string) {
	tokenA, tokenB = strings.TrimSpace(tokenA), strings.TrimSpace(tokenB)
	if tokenA != "" && tokenB != "" {
		return tokenA, tokenB
	}
	if strings.TrimSpace(secretHex) == "" {
		fatalf("provide -token-a and -token-b, or -paseto-secret")
	}
	iss, err := identity.NewPasetoIssuer(secretHex, issuer, 5*time.Minute)
	if err != nil {
		fatalf("paseto issuer: %v", err)
	}
	now := time.Now()
	suffix := fmt.Sprintf("%d", now.UnixNano())
	if tokenA == "" {
		tokenA = iss.Issue(identity.Identity{UserID: "smoke-a-" + suffix, DisplayName: "Smoke A"}, now)
	}
	if tokenB == "" {
		tokenB = iss.Issue(identity.Identity{UserID: "smoke-b-" + suffix, DisplayName: "Smoke B"}, now)
	}
	return tokenA, tokenB
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

// mustAuthenticate sends authenticate and returns the players snapshot.
func mustAuthenticate(parent context.Context, c *smokeClient, token, name, skin string, stepTimeout time.Duration) []v1.Player {
	mustWrite(parent, c.conn, v1.Authenticate{Token: token, DisplayName: name, Skin: skin}, stepTimeout, v1.TypeAuthenticate)

	var conn v1.ConnectFrame
	c.mustReadInto(parent, v1.TypeConnect, stepTimeout, &conn)
	if strings.TrimSpace(conn.ID) == "" {
		fatalf("connect frame missing id (%s)", c.name)
	}
	c.id = conn.ID

	var players v1.PlayersFrame
	c.mustReadInto(parent, v1.TypePlayers, stepTimeout, &players)
	if containsPlayer(players.List, c.id) {
		fatalf("players snapshot includes self (%s)", c.name)
	}
	return players.List
}

func containsPlayer(list []v1.Player, id string) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %s", data):
				default:
				}
				return
			}

			select {
			case c.inbox <- frame{Type: head.Type, raw: data}:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustReadInto waits for a frame of wantType and decodes it into dst (if
// non-nil). Broadcast frames that may interleave are skipped.
func (c *smokeClient) mustReadInto(parent context.Context, wantType string, stepTimeout time.Duration, dst any) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				if dst != nil {
					if err := json.Unmarshal(f.raw, dst); err != nil {
						fatalf("unmarshal %s (%s): %v", wantType, c.name, err)
					}
				}
				return
			}
			if f.Type == v1.TypeError {
				var ef v1.ErrorFrame
				_ = json.Unmarshal(f.raw, &ef)
				fatalf("server error (%s): kind=%q msg=%q", c.name, ef.Kind, ef.Message)
			}
			if isBackground(f.Type) {
				continue
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func isBackground(t string) bool {
	switch t {
	case v1.TypeOnlineUsersCount, v1.TypePlayerJoined, v1.TypePlayerUpdate,
		v1.TypeChat, v1.TypePlayerDisconnect, v1.TypeAnnouncement, v1.TypePing:
		return true
	}
	return false
}

// mustWrite marshals v and sends it. Struct frames carry no type field of
// their own, so a type may be given to merge into the object.
func mustWrite(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration, frameType ...string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if len(frameType) > 0 {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			fatalf("marshal frame: %v", err)
		}
		m["type"] = frameType[0]
		if b, err = json.Marshal(m); err != nil {
			fatalf("marshal frame: %v", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

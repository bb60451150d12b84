package frame

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/luciancaetano/kephaslink"
)

// acceptGUID is the fixed suffix hashed into Sec-WebSocket-Accept.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handshake headers the builder owns; caller values for them are ignored.
var reservedHeaders = []string{
	"Host",
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
}

// BuildHandshake builds the HTTP/1.1 upgrade request for u with a fresh
// random key. header is written as is, including an empty Authorization
// value if the caller chose to send one. It returns the request bytes and
// the key needed to verify the response.
func BuildHandshake(u *url.URL, header http.Header) ([]byte, string, error) {
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, "", fmt.Errorf("%s: unsupported scheme %q", kephaslink.ErrInvalidHandshake, u.Scheme)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("%s: missing host", kephaslink.ErrInvalidHandshake)
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, "", fmt.Errorf("%s: %w", kephaslink.ErrInvalidHandshake, err)
	}
	key := base64.StdEncoding.EncodeToString(nonce[:])

	extra := header.Clone()
	if extra == nil {
		extra = http.Header{}
	}
	for _, h := range reservedHeaders {
		extra.Del(h)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "GET %s HTTP/1.1\r\n", u.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", u.Host)
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&buf, "Sec-WebSocket-Key: %s\r\n", key)
	buf.WriteString("Sec-WebSocket-Version: 13\r\n")
	if err := extra.Write(&buf); err != nil {
		return nil, "", fmt.Errorf("%s: %w", kephaslink.ErrInvalidHandshake, err)
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), key, nil
}

// AcceptKey computes the Sec-WebSocket-Accept value expected for key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// CheckHandshakeResponse verifies the server's answer to a handshake sent
// with key.
func CheckHandshakeResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &kephaslink.ProtocolError{
			Reason: fmt.Sprintf("%s: status %d", kephaslink.ErrInvalidHandshake, resp.StatusCode),
		}
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return kephaslink.NewProtocolError("%s: missing Upgrade header", kephaslink.ErrInvalidHandshake)
	}
	if !headerHasToken(resp.Header, "Connection", "upgrade") {
		return kephaslink.NewProtocolError("%s: missing Connection upgrade token", kephaslink.ErrInvalidHandshake)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != AcceptKey(key) {
		return kephaslink.NewProtocolError("%s: Sec-WebSocket-Accept mismatch", kephaslink.ErrInvalidHandshake)
	}
	return nil
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

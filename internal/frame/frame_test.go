package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/luciancaetano/kephaslink"
)

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

// TestRoundTrip checks every length encoding regime, masked and unmasked.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, 125, 126, 127, 65535, 65536, 1 << 20}
	for _, size := range sizes {
		for _, mask := range []bool{false, true} {
			size, mask := size, mask
			t.Run(fmt.Sprintf("size=%d/mask=%v", size, mask), func(t *testing.T) {
				t.Parallel()

				payload := payloadOf(size)
				data, err := BuildFrame(OpBinary, payload, true, mask)
				if err != nil {
					t.Fatalf("BuildFrame(%d) error = %v", size, err)
				}

				msgs, rest, err := ParseFrames(data, 2<<20)
				if err != nil {
					t.Fatalf("ParseFrames(%d) error = %v", size, err)
				}
				if len(rest) != 0 {
					t.Errorf("remainder = %d bytes, want 0", len(rest))
				}
				if len(msgs) != 1 {
					t.Fatalf("got %d messages, want 1", len(msgs))
				}
				if msgs[0].Opcode != OpBinary {
					t.Errorf("opcode = %v, want binary", msgs[0].Opcode)
				}
				if !bytes.Equal(msgs[0].Payload, payload) {
					t.Errorf("payload of size %d (mask=%v) did not round trip", size, mask)
				}
			})
		}
	}
}

func TestHeaderLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		size       int
		wantHeader int
	}{
		{0, 2},
		{125, 2},
		{126, 4},
		{65535, 4},
		{65536, 10},
	}

	for _, tt := range tests {
		data, err := BuildFrame(OpText, payloadOf(tt.size), true, false)
		if err != nil {
			t.Fatalf("BuildFrame() error = %v", err)
		}
		if got := len(data) - tt.size; got != tt.wantHeader {
			t.Errorf("size %d: header = %d bytes, want %d", tt.size, got, tt.wantHeader)
		}
	}
}

func fragment(t *testing.T, payload []byte, n int, mask bool) []byte {
	t.Helper()

	var out []byte
	chunk := (len(payload) + n - 1) / n
	for i := 0; i < n; i++ {
		start := i * chunk
		end := start + chunk
		if start > len(payload) {
			start = len(payload)
		}
		if end > len(payload) {
			end = len(payload)
		}
		op := OpContinuation
		if i == 0 {
			op = OpText
		}
		data, err := BuildFrame(op, payload[start:end], i == n-1, mask)
		if err != nil {
			t.Fatalf("BuildFrame() error = %v", err)
		}
		out = append(out, data...)
	}
	return out
}

func TestFragmentation(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"op":"stats","players":3,"playingPlayers":1}`)
	for n := 1; n <= 5; n++ {
		data := fragment(t, payload, n, n%2 == 0)

		msgs, rest, err := ParseFrames(data, 0)
		if err != nil {
			t.Fatalf("n=%d: ParseFrames() error = %v", n, err)
		}
		if len(rest) != 0 {
			t.Errorf("n=%d: remainder = %d bytes", n, len(rest))
		}
		if len(msgs) != 1 || msgs[0].Opcode != OpText || !bytes.Equal(msgs[0].Payload, payload) {
			t.Errorf("n=%d: got %+v", n, msgs)
		}
	}
}

func TestIncompleteInputIsRemainder(t *testing.T) {
	t.Parallel()

	first, _ := BuildFrame(OpText, []byte("first"), true, true)
	second := fragment(t, []byte("second message"), 3, true)
	stream := append(append([]byte{}, first...), second...)

	for cut := 0; cut < len(stream); cut++ {
		msgs, rest, err := ParseFrames(stream[:cut], 0)
		if err != nil {
			t.Fatalf("cut %d: error = %v", cut, err)
		}

		wantMsgs := 0
		if cut >= len(first) {
			wantMsgs = 1
		}
		if len(msgs) != wantMsgs {
			t.Fatalf("cut %d: got %d messages, want %d", cut, len(msgs), wantMsgs)
		}

		// Feeding the remainder plus the rest of the stream yields the rest.
		next := append(append([]byte{}, rest...), stream[cut:]...)
		more, tail, err := ParseFrames(next, 0)
		if err != nil {
			t.Fatalf("cut %d: second pass error = %v", cut, err)
		}
		if len(tail) != 0 {
			t.Errorf("cut %d: tail = %d bytes", cut, len(tail))
		}
		if len(msgs)+len(more) != 2 {
			t.Errorf("cut %d: got %d messages overall, want 2", cut, len(msgs)+len(more))
		}
	}
}

func TestControlInsideFragmentedMessage(t *testing.T) {
	t.Parallel()

	start, _ := BuildFrame(OpText, []byte("hel"), false, false)
	ping, _ := BuildFrame(OpPing, []byte("p"), true, false)
	end, _ := BuildFrame(OpContinuation, []byte("lo"), true, false)

	// Without the final fragment nothing is consumed.
	partial := append(append([]byte{}, start...), ping...)
	msgs, rest, err := ParseFrames(partial, 0)
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if len(msgs) != 0 || !bytes.Equal(rest, partial) {
		t.Fatalf("partial: msgs=%d rest=%d, want 0 and %d", len(msgs), len(rest), len(partial))
	}

	msgs, rest, err = ParseFrames(append(partial, end...), 0)
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if len(rest) != 0 || len(msgs) != 2 {
		t.Fatalf("got %d messages and %d remainder bytes", len(msgs), len(rest))
	}
	if msgs[0].Opcode != OpPing || string(msgs[1].Payload) != "hello" {
		t.Errorf("got %v %q, want ping then hello", msgs[0].Opcode, msgs[1].Payload)
	}
}

func TestParseFramesErrors(t *testing.T) {
	t.Parallel()

	bigControl := append([]byte{0x89, 126, 0, 126}, payloadOf(126)...)
	tests := []struct {
		name    string
		data    []byte
		maxSize int
	}{
		{"reserved opcode", []byte{0x83, 0x00}, 0},
		{"reserved control opcode", []byte{0x8B, 0x00}, 0},
		{"rsv bit", []byte{0xC1, 0x00}, 0},
		{"fragmented ping", []byte{0x09, 0x00}, 0},
		{"oversized ping", bigControl, 0},
		{"stray continuation", []byte{0x80, 0x00}, 0},
		{"data inside fragmented message", []byte{0x01, 0x01, 'a', 0x81, 0x01, 'b'}, 0},
		{"64-bit length high bit", []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 1}, 0},
		{"frame over limit", []byte{0x82, 126, 0x01, 0x00}, 255},
		{"fragments over limit", []byte{0x01, 0x02, 'a', 'b', 0x80, 0x02, 'c', 'd'}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := ParseFrames(tt.data, tt.maxSize)
			var perr *kephaslink.ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("ParseFrames() error = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestBuildFrameRejectsBadControl(t *testing.T) {
	t.Parallel()

	if _, err := BuildFrame(OpPing, payloadOf(126), true, true); err == nil {
		t.Error("expected error for oversized ping")
	}
	if _, err := BuildFrame(OpClose, nil, false, true); err == nil {
		t.Error("expected error for fragmented close")
	}
	if _, err := BuildFrame(Opcode(0x3), nil, true, true); err == nil {
		t.Error("expected error for reserved opcode")
	}
}

func TestCloseFrame(t *testing.T) {
	t.Parallel()

	data, err := BuildCloseFrame(kephaslink.CloseNormalClosure, kephaslink.DestroyReason)
	if err != nil {
		t.Fatalf("BuildCloseFrame() error = %v", err)
	}
	if data[1]&maskBit == 0 {
		t.Error("client close frame is not masked")
	}

	msgs, _, err := ParseFrames(data, 0)
	if err != nil || len(msgs) != 1 || msgs[0].Opcode != OpClose {
		t.Fatalf("ParseFrames() = %v, %v", msgs, err)
	}

	code, reason, err := ParseClosePayload(msgs[0].Payload)
	if err != nil {
		t.Fatalf("ParseClosePayload() error = %v", err)
	}
	if code != kephaslink.CloseNormalClosure || reason != kephaslink.DestroyReason {
		t.Errorf("got (%d, %q)", code, reason)
	}
}

func TestClosePayload(t *testing.T) {
	t.Parallel()

	if p, err := ClosePayload(kephaslink.CloseNoStatus, ""); err != nil || len(p) != 0 {
		t.Errorf("ClosePayload(1005) = %v, %v, want empty", p, err)
	}
	if _, err := ClosePayload(999, ""); err == nil {
		t.Error("expected error for code 999")
	}
	if _, err := ClosePayload(1000, strings.Repeat("r", maxCloseReason+1)); err == nil {
		t.Error("expected error for long reason")
	}

	code, reason, err := ParseClosePayload(nil)
	if err != nil || code != kephaslink.CloseNoStatus || reason != "" {
		t.Errorf("ParseClosePayload(nil) = %d, %q, %v", code, reason, err)
	}
	if _, _, err := ParseClosePayload([]byte{0x03}); err == nil {
		t.Error("expected error for 1-byte payload")
	}
}

func TestAcceptKey(t *testing.T) {
	t.Parallel()

	// Sample from RFC 6455 section 1.3.
	if got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey() = %q", got)
	}
}

func TestBuildHandshake(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("ws://localhost:2333/v4/websocket")
	header := http.Header{}
	header.Set(kephaslink.HeaderAuthorization, "youshallnotpass")
	header.Set(kephaslink.HeaderUserID, "123")
	header.Set(kephaslink.HeaderClientName, kephaslink.DefaultClientName)
	header.Set("Upgrade", "h2c")

	raw, key, err := BuildHandshake(u, header)
	if err != nil {
		t.Fatalf("BuildHandshake() error = %v", err)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("handshake is not a valid request: %v", err)
	}
	if req.Method != http.MethodGet || req.URL.Path != "/v4/websocket" || req.Host != "localhost:2333" {
		t.Errorf("request line = %s %s host %s", req.Method, req.URL.Path, req.Host)
	}
	checks := map[string]string{
		"Upgrade":               "websocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     key,
		"Authorization":         "youshallnotpass",
		"User-Id":               "123",
		"Client-Name":           kephaslink.DefaultClientName,
	}
	for name, want := range checks {
		if got := req.Header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	_, key2, _ := BuildHandshake(u, header)
	if key == key2 {
		t.Error("handshake keys must differ between calls")
	}

	if _, _, err := BuildHandshake(&url.URL{Scheme: "ftp", Host: "x"}, nil); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestCheckHandshakeResponse(t *testing.T) {
	t.Parallel()

	key := "dGhlIHNhbXBsZSBub25jZQ=="
	good := func() *http.Response {
		h := http.Header{}
		h.Set("Upgrade", "websocket")
		h.Set("Connection", "keep-alive, Upgrade")
		h.Set("Sec-WebSocket-Accept", AcceptKey(key))
		return &http.Response{StatusCode: http.StatusSwitchingProtocols, Header: h}
	}

	if err := CheckHandshakeResponse(good(), key); err != nil {
		t.Errorf("valid response rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*http.Response)
	}{
		{"unauthorized", func(r *http.Response) { r.StatusCode = http.StatusUnauthorized }},
		{"no upgrade", func(r *http.Response) { r.Header.Del("Upgrade") }},
		{"no connection token", func(r *http.Response) { r.Header.Set("Connection", "close") }},
		{"bad accept", func(r *http.Response) { r.Header.Set("Sec-WebSocket-Accept", "nope") }},
	}
	for _, tt := range tests {
		resp := good()
		tt.mutate(resp)
		if err := CheckHandshakeResponse(resp, key); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

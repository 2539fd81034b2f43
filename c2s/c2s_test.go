// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s_test

import (
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/koine/auth"
	"mellium.im/koine/c2s"
	"mellium.im/koine/host"
	"mellium.im/koine/local"
	"mellium.im/koine/router"
	"mellium.im/koine/sm"
)

const streamHeader = "<?xml version='1.0'?><stream:stream xmlns='jabber:client' " +
	"xmlns:stream='http://etherx.jabber.org/streams' to='localhost' version='1.0'>"

type testServer struct {
	cfg     *c2s.Config
	backend *auth.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, host.Configure("localhost"))

	backend := auth.NewMemory()
	backend.Register("test", "localhost", "secret")
	backend.Register("alice", "localhost", "wonder")
	backend.Register("bob", "localhost", "builder")

	rt := router.New(nil)
	sessions := sm.New(rt, backend.UserExists)
	lh := local.New(rt, sessions)
	lh.Register("localhost")

	return &testServer{
		cfg: &c2s.Config{
			Router:      rt,
			SM:          sessions,
			Auth:        backend,
			SendTimeout: time.Second,
		},
		backend: backend,
	}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	c2s.Serve(server, ts.cfg)
	t.Cleanup(func() { client.Close() })
	return client
}

func send(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Write([]byte(data))
	require.NoError(t, err)
}

// readUntil accumulates server output until the marker appears.
func readUntil(t *testing.T, conn net.Conn, marker string) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		if strings.Contains(sb.String(), marker) {
			return sb.String()
		}
		n, err := conn.Read(buf)
		sb.Write(buf[:n])
		if strings.Contains(sb.String(), marker) {
			return sb.String()
		}
		require.NoError(t, err, "waiting for %q, got %q", marker, sb.String())
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// negotiate drives SASL PLAIN, the stream restart, bind and session for the
// given account and returns the bound full JID.
func negotiate(t *testing.T, conn net.Conn, user, pass, resource string) string {
	t.Helper()
	send(t, conn, streamHeader)
	features := readUntil(t, conn, "</stream:features>")
	require.Contains(t, features, "<mechanism>PLAIN</mechanism>")

	send(t, conn, "<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>"+
		b64("\x00"+user+"\x00"+pass)+"</auth>")
	readUntil(t, conn, "<success")

	send(t, conn, streamHeader)
	features = readUntil(t, conn, "</stream:features>")
	require.Contains(t, features, "<bind")
	require.Contains(t, features, "<session")

	send(t, conn, "<iq id='bind1' type='set'>"+
		"<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>"+
		"<resource>"+resource+"</resource></bind></iq>")
	bound := readUntil(t, conn, "</iq>")
	require.Contains(t, bound, "type='result'")
	require.Contains(t, bound, "id='bind1'")
	full := user + "@localhost/" + resource
	require.Contains(t, bound, "<jid>"+full+"</jid>")

	send(t, conn, "<iq id='sess1' type='set'>"+
		"<session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>")
	result := readUntil(t, conn, "</iq>")
	require.Contains(t, result, "type='result'")
	require.Contains(t, result, "id='sess1'")
	return full
}

func TestHappyPathPlainBindSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, streamHeader)
	header := readUntil(t, conn, "</stream:features>")
	require.Contains(t, header, "<?xml version='1.0'?><stream:stream")
	require.Contains(t, header, "from='localhost'")
	require.Contains(t, header, "version='1.0'")

	full := negotiate(t, conn, "test", "secret", "x")
	require.Equal(t, "test@localhost/x", full)
	require.Equal(t, 1, ts.cfg.SM.SessionCount("test", "localhost"))
}

func TestBadStreamNamespace(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "<?xml version='1.0'?><stream:stream xmlns='jabber:client' "+
		"xmlns:stream='http://wrong.example/streams' to='localhost' version='1.0'>")
	out := readUntil(t, conn, "</stream:stream>")
	require.Contains(t, out, "<stream:stream")
	require.Contains(t, out, "<stream:error>")
	require.Contains(t, out, "<invalid-namespace xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>")
}

func TestUnknownHost(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "<?xml version='1.0'?><stream:stream xmlns='jabber:client' "+
		"xmlns:stream='http://etherx.jabber.org/streams' to='nowhere.example' version='1.0'>")
	out := readUntil(t, conn, "</stream:stream>")
	require.Contains(t, out, "<host-unknown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>")
}

func TestWrongPasswordFails(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, streamHeader)
	readUntil(t, conn, "</stream:features>")
	send(t, conn, "<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>"+
		b64("\x00test\x00nope")+"</auth>")
	out := readUntil(t, conn, "</failure>")
	require.Contains(t, out, "<not-authorized/>")
}

func TestMessageRoutingBetweenSessions(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)

	negotiate(t, alice, "alice", "wonder", "desk")
	bobJID := negotiate(t, bob, "bob", "builder", "shed")

	send(t, alice, "<message type='chat' to='"+bobJID+"'><body>ping</body></message>")
	got := readUntil(t, bob, "</message>")
	require.Contains(t, got, "from='alice@localhost/desk'")
	require.Contains(t, got, "<body>ping</body>")
}

func TestBareJIDMessageUsesPriority(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bobDesk := ts.dial(t)
	bobShed := ts.dial(t)

	negotiate(t, alice, "alice", "wonder", "desk")
	negotiate(t, bobDesk, "bob", "builder", "desk")
	negotiate(t, bobShed, "bob", "builder", "shed")

	// only the shed session advertises a positive priority
	send(t, bobShed, "<presence><priority>5</priority></presence>")
	readUntil(t, bobShed, "</presence>")

	send(t, alice, "<message type='chat' to='bob@localhost'><body>knock</body></message>")
	got := readUntil(t, bobShed, "</message>")
	require.Contains(t, got, "<body>knock</body>")

	require.NoError(t, bobDesk.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 1024)
	n, _ := bobDesk.Read(buf)
	require.NotContains(t, string(buf[:n]), "knock")
}

func TestPresenceUnavailableClearsState(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	negotiate(t, conn, "test", "secret", "x")

	// first presence: expect the probe and the reflected self-presence
	send(t, conn, "<presence/>")
	readUntil(t, conn, "<presence")

	send(t, conn, "<presence type='unavailable'/>")
	got := readUntil(t, conn, "type='unavailable'")
	require.Contains(t, got, "type='unavailable'")
}

func TestResourceConflictReplacesOldSession(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t)
	second := ts.dial(t)

	negotiate(t, first, "alice", "wonder", "mobile")
	negotiate(t, second, "alice", "wonder", "mobile")

	// the older session is torn down with a conflict stream error
	out := readUntil(t, first, "</stream:stream>")
	require.Contains(t, out, "<conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/>")
	require.Equal(t, 1, ts.cfg.SM.SessionCount("alice", "localhost"))
}

func TestLegacyAuth(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	// a pre-1.0 stream falls back to jabber:iq:auth
	send(t, conn, "<?xml version='1.0'?><stream:stream xmlns='jabber:client' "+
		"xmlns:stream='http://etherx.jabber.org/streams' to='localhost'>")
	readUntil(t, conn, "from='localhost'")

	send(t, conn, "<iq id='a1' type='get'><query xmlns='jabber:iq:auth'>"+
		"<username>test</username></query></iq>")
	form := readUntil(t, conn, "</iq>")
	require.Contains(t, form, "<password/>")
	require.Contains(t, form, "<digest/>")
	require.Contains(t, form, "<resource/>")

	send(t, conn, "<iq id='a2' type='set'><query xmlns='jabber:iq:auth'>"+
		"<username>test</username><password>secret</password>"+
		"<resource>legacy</resource></query></iq>")
	out := readUntil(t, conn, "</iq>")
	require.Contains(t, out, "type='result'")
	require.Contains(t, out, "id='a2'")
	require.Equal(t, 1, ts.cfg.SM.SessionCount("test", "localhost"))
}

func TestLegacyAuthNoResource(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, "<?xml version='1.0'?><stream:stream xmlns='jabber:client' "+
		"xmlns:stream='http://etherx.jabber.org/streams' to='localhost'>")
	readUntil(t, conn, "from='localhost'")

	send(t, conn, "<iq id='a3' type='set'><query xmlns='jabber:iq:auth'>"+
		"<username>test</username><password>secret</password></query></iq>")
	out := readUntil(t, conn, "</iq>")
	require.Contains(t, out, "type='error'")
	require.Contains(t, out, "not-acceptable")
	// credentials are never echoed back
	require.NotContains(t, out, "secret")
}

func TestDigestMD5OverStream(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	send(t, conn, streamHeader)
	features := readUntil(t, conn, "</stream:features>")
	require.Contains(t, features, "<mechanism>DIGEST-MD5</mechanism>")

	send(t, conn, "<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='DIGEST-MD5'/>")
	out := readUntil(t, conn, "</challenge>")
	start := strings.Index(out, "<challenge")
	payload := out[strings.Index(out[start:], ">")+start+1 : strings.Index(out, "</challenge>")]
	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	require.Contains(t, string(decoded), `qop="auth"`)

	// an abort returns the stream to the feature-request state
	send(t, conn, "<abort xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>")
	out = readUntil(t, conn, "</failure>")
	require.Contains(t, out, "<aborted/>")

	// PLAIN still works afterwards
	send(t, conn, "<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>"+
		b64("\x00test\x00secret")+"</auth>")
	readUntil(t, conn, "<success")
}

func TestInvalidFromTearsDownStream(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	negotiate(t, conn, "test", "secret", "x")

	send(t, conn, "<message from='mallory@localhost/y' to='test@localhost'/>")
	out := readUntil(t, conn, "</stream:stream>")
	require.Contains(t, out, "<invalid-from")
}

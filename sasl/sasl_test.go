// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sasl_test

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	mesasl "mellium.im/sasl"

	"mellium.im/koine/sasl"
)

func testCallbacks(users map[string]string) sasl.Callbacks {
	return sasl.Callbacks{
		GetPassword: func(user string) (string, string, bool) {
			pass, ok := users[user]
			return pass, "internal", ok
		},
		CheckPassword: func(user, password string) (string, bool) {
			pass, ok := users[user]
			if !ok || pass != password {
				return "", false
			}
			return "internal", true
		},
	}
}

func TestPlainAcceptsClientInitialResponse(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"test": "secret"}))

	// Drive the exchange with a real client implementation.
	client := mesasl.NewClient(mesasl.Plain,
		mesasl.Authz(""), mesasl.Credentials("test", "secret"))
	more, resp, err := client.Step(nil)
	require.NoError(t, err)
	require.False(t, more)

	res := srv.Start("PLAIN", string(resp))
	require.Equal(t, sasl.Done, res.Kind)
	require.Equal(t, "test", res.Props.Username)
	require.Equal(t, "internal", res.Props.AuthModule)
}

func TestPlainRejectsWrongPassword(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"test": "secret"}))
	res := srv.Start("PLAIN", "\x00test\x00wrong")
	require.Equal(t, sasl.Failure, res.Kind)
	require.Equal(t, sasl.NotAuthorized, res.Condition)
	require.Equal(t, "test", res.Username)
}

func TestPlainStripsDomainAndPreps(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"test": "secret"}))
	res := srv.Start("PLAIN", "\x00TEST@localhost\x00secret")
	require.Equal(t, sasl.Done, res.Kind)
	require.Equal(t, "test", res.Props.Username)
}

func TestPlainMalformed(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(nil))
	for _, in := range []string{"", "no separators", "a\x00b"} {
		res := srv.Start("PLAIN", in)
		require.Equal(t, sasl.Failure, res.Kind)
		require.Equal(t, sasl.BadProtocol, res.Condition)
	}
}

func TestUnknownMechanism(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(nil))
	res := srv.Start("ANONYMOUS", "")
	require.Equal(t, sasl.Failure, res.Kind)
	require.Equal(t, sasl.InvalidMechanism, res.Condition)
}

func TestMechanismsListed(t *testing.T) {
	names := sasl.Mechanisms()
	require.Contains(t, names, "PLAIN")
	require.Contains(t, names, "DIGEST-MD5")
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// clientDigestResponse computes the client side of RFC 2831 for the tests.
func clientDigestResponse(user, realm, pass, nonce, cnonce, nc, qop, uri, prefix string) string {
	x := md5.Sum([]byte(user + ":" + realm + ":" + pass))
	a1 := string(x[:]) + ":" + nonce + ":" + cnonce
	a2 := prefix + ":" + uri
	return hexMD5(hexMD5(a1) + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + hexMD5(a2))
}

func challengeValue(t *testing.T, challenge, key string) string {
	t.Helper()
	for _, part := range strings.Split(challenge, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return strings.Trim(kv[1], `"`)
		}
	}
	t.Fatalf("challenge %q carries no %q", challenge, key)
	return ""
}

func TestDigestMD5FullExchange(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"juliet": "capulet"}))

	res := srv.Start("DIGEST-MD5", "")
	require.Equal(t, sasl.Continue, res.Kind)
	require.Contains(t, res.ServerOut, `qop="auth"`)
	require.Contains(t, res.ServerOut, "algorithm=md5-sess")
	nonce := challengeValue(t, res.ServerOut, "nonce")

	const (
		cnonce = "OA6MHXh6VqTrRk"
		nc     = "00000001"
		uri    = "xmpp/localhost"
	)
	response := clientDigestResponse("juliet", "", "capulet", nonce, cnonce, nc, "auth", uri, "AUTHENTICATE")
	in := `username="juliet",realm="",nonce="` + nonce + `",cnonce="` + cnonce +
		`",nc=` + nc + `,qop=auth,digest-uri="` + uri + `",response=` + response

	res = srv.StepResponse(res.Next, in)
	require.Equal(t, sasl.Continue, res.Kind)
	wantRspauth := clientDigestResponse("juliet", "", "capulet", nonce, cnonce, nc, "auth", uri, "")
	require.Equal(t, "rspauth="+wantRspauth, res.ServerOut)

	res = srv.StepResponse(res.Next, "")
	require.Equal(t, sasl.Done, res.Kind)
	require.Equal(t, "juliet", res.Props.Username)
}

func TestDigestMD5WrongResponse(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"juliet": "capulet"}))

	res := srv.Start("DIGEST-MD5", "")
	nonce := challengeValue(t, res.ServerOut, "nonce")
	in := `username="juliet",nonce="` + nonce + `",cnonce="x",nc=00000001,` +
		`qop=auth,digest-uri="xmpp/localhost",response=` + strings.Repeat("0", 32)

	res = srv.StepResponse(res.Next, in)
	require.Equal(t, sasl.Failure, res.Kind)
	require.Equal(t, sasl.NotAuthorized, res.Condition)
	require.Equal(t, "juliet", res.Username)
}

func TestDigestMD5BadURI(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"juliet": "capulet"}))
	res := srv.Start("DIGEST-MD5", "")
	in := `username="juliet",nonce="n",cnonce="c",nc=00000001,qop=auth,` +
		`digest-uri="xmpp/evil.example",response=abc`
	res = srv.StepResponse(res.Next, in)
	require.Equal(t, sasl.Failure, res.Kind)
	require.Equal(t, sasl.NotAuthorized, res.Condition)
}

func TestDigestMD5UnterminatedQuote(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(nil))
	res := srv.Start("DIGEST-MD5", "")
	res = srv.StepResponse(res.Next, `username="juliet`)
	require.Equal(t, sasl.Failure, res.Kind)
	require.Equal(t, sasl.BadProtocol, res.Condition)
}

func TestDigestMD5TrailingGarbageAtFinalStep(t *testing.T) {
	srv := sasl.NewServer("localhost", testCallbacks(map[string]string{"juliet": "capulet"}))
	res := srv.Start("DIGEST-MD5", "")
	nonce := challengeValue(t, res.ServerOut, "nonce")
	response := clientDigestResponse("juliet", "", "capulet", nonce, "c", "00000001", "auth", "xmpp/localhost", "AUTHENTICATE")
	in := `username="juliet",nonce="` + nonce + `",cnonce="c",nc=00000001,` +
		`qop=auth,digest-uri="xmpp/localhost",response=` + response
	res = srv.StepResponse(res.Next, in)
	require.Equal(t, sasl.Continue, res.Kind)

	res = srv.StepResponse(res.Next, "unexpected")
	require.Equal(t, sasl.Failure, res.Kind)
	require.Equal(t, sasl.BadProtocol, res.Condition)
}

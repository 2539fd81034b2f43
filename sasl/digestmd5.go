// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sasl

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"mellium.im/koine/internal/attr"
	"mellium.im/koine/xmpp/jid"
)

func init() {
	Register("DIGEST-MD5", digestMD5)
}

// digestMD5 implements the RFC 2831 subset used by XMPP. The negotiation
// walks three states: the initial challenge, the response verification and
// the final empty client response.
func digestMD5(fqdn string, cb Callbacks, clientIn string) Result {
	nonce := attr.RandomDigits()
	challenge := `nonce="` + nonce + `",qop="auth",charset=utf-8,algorithm=md5-sess`
	return Result{
		Kind:      Continue,
		ServerOut: challenge,
		Next: func(in string) Result {
			return digestStepThree(fqdn, cb, nonce, in)
		},
	}
}

func digestStepThree(fqdn string, cb Callbacks, nonce, clientIn string) Result {
	kv, ok := parseKeyValues(clientIn)
	if !ok {
		return Result{Kind: Failure, Condition: BadProtocol}
	}
	uri := kv["digest-uri"]
	if !digestURIValid(uri, fqdn) {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: kv["username"]}
	}
	username, err := jid.Nodeprep(kv["username"])
	if err != nil || username == "" {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: kv["username"]}
	}
	password, module, found := cb.GetPassword(username)
	if !found {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: username}
	}
	expected := digestResponse(username, kv["realm"], password, nonce, kv["cnonce"],
		kv["nc"], kv["qop"], kv["authzid"], uri, "AUTHENTICATE")
	if expected != kv["response"] {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: username}
	}
	rspauth := digestResponse(username, kv["realm"], password, nonce, kv["cnonce"],
		kv["nc"], kv["qop"], kv["authzid"], uri, "")
	props := Props{Username: username, Authzid: kv["authzid"], AuthModule: module}
	return Result{
		Kind:      Continue,
		ServerOut: "rspauth=" + rspauth,
		Next: func(in string) Result {
			if in != "" {
				return Result{Kind: Failure, Condition: BadProtocol}
			}
			return Result{Kind: Done, Props: props}
		},
	}
}

// digestResponse computes HEX(MD5(HEX(MD5(A1)):nonce:nc:cnonce:qop:HEX(MD5(A2)))).
func digestResponse(user, realm, password, nonce, cnonce, nc, qop, authzid, uri, prefix string) string {
	x := md5.Sum([]byte(user + ":" + realm + ":" + password))
	a1 := string(x[:]) + ":" + nonce + ":" + cnonce
	if authzid != "" {
		a1 += ":" + authzid
	}
	a2 := prefix + ":" + uri
	if qop != "auth" {
		a2 += ":00000000000000000000000000000000"
	}
	ha1 := hexMD5(a1)
	ha2 := hexMD5(a2)
	return hexMD5(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// digestURIValid accepts "xmpp/host" or "xmpp/host/servname" where the host
// or the service name matches the server FQDN.
func digestURIValid(uri, fqdn string) bool {
	parts := strings.Split(uri, "/")
	switch len(parts) {
	case 2:
		return parts[0] == "xmpp" && strings.EqualFold(parts[1], fqdn)
	case 3:
		return parts[0] == "xmpp" && strings.EqualFold(parts[2], fqdn)
	}
	return false
}

// parseKeyValues parses an RFC 2831 key/value list. Values are tokens or
// quoted strings with backslash escapes; an unterminated quote is
// malformed.
func parseKeyValues(s string) (map[string]string, bool) {
	kv := make(map[string]string)
	i := 0
	n := len(s)
	for i < n {
		// skip separators
		for i < n && (s[i] == ',' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n && s[i] != '=' {
			i++
		}
		if i >= n {
			return nil, false
		}
		key := strings.ToLower(strings.TrimSpace(s[start:i]))
		i++ // consume '='
		if key == "" {
			return nil, false
		}
		var value string
		if i < n && s[i] == '"' {
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				c := s[i]
				if c == '\\' {
					if i+1 >= n {
						return nil, false
					}
					sb.WriteByte(s[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, false
			}
			value = sb.String()
		} else {
			start = i
			for i < n && s[i] != ',' {
				i++
			}
			value = strings.TrimSpace(s[start:i])
		}
		kv[key] = value
	}
	return kv, true
}

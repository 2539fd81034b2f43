// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sasl

import (
	"strings"

	"mellium.im/koine/xmpp/jid"
)

func init() {
	Register("PLAIN", plain)
}

// plain implements the PLAIN mechanism: a single message of the form
// authzid NUL authcid NUL password. The authcid may carry an @domain
// suffix, which is stripped.
func plain(fqdn string, cb Callbacks, clientIn string) Result {
	parts := strings.Split(clientIn, "\x00")
	if len(parts) != 3 {
		return Result{Kind: Failure, Condition: BadProtocol}
	}
	authzid, user, password := parts[0], parts[1], parts[2]
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	prepped, err := jid.Nodeprep(user)
	if err != nil || prepped == "" {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: user}
	}
	module, ok := cb.CheckPassword(prepped, password)
	if !ok {
		return Result{Kind: Failure, Condition: NotAuthorized, Username: prepped}
	}
	return Result{Kind: Done, Props: Props{
		Username:   prepped,
		Authzid:    authzid,
		AuthModule: module,
	}}
}

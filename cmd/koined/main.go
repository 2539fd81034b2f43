// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The koined command runs a minimal client-to-server XMPP endpoint.
package main

import (
	"flag"
	"net"
	"os"
	"strings"
	"time"

	"mellium.im/koine/auth"
	"mellium.im/koine/c2s"
	"mellium.im/koine/host"
	"mellium.im/koine/local"
	"mellium.im/koine/log"
	"mellium.im/koine/router"
	"mellium.im/koine/sm"
)

func main() {
	addr := flag.String("addr", ":5222", "client listener address")
	domains := flag.String("domains", "localhost", "comma separated served domains")
	users := flag.String("users", "", "comma separated user:password pairs")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	hostNames := strings.Split(*domains, ",")
	if err := host.Configure(hostNames...); err != nil {
		log.Errorf("invalid domain list: %v", err)
		os.Exit(1)
	}

	backend := auth.NewMemory()
	for _, pair := range strings.Split(*users, ",") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			log.Errorf("invalid user spec %q", pair)
			os.Exit(1)
		}
		for _, name := range host.Names() {
			backend.Register(parts[0], name, parts[1])
		}
	}

	rt := router.New(nil)
	sessions := sm.New(rt, backend.UserExists)
	lh := local.New(rt, sessions)
	lh.Register(host.Names()...)

	cfg := &c2s.Config{
		Router:      rt,
		SM:          sessions,
		Auth:        backend,
		SendTimeout: 15 * time.Second,
		BufferLimit: 65536,
		Lang:        "en",
	}

	if err := listenAndServe(*addr, cfg); err != nil {
		log.Errorf("listener: %v", err)
		os.Exit(1)
	}
}

// listenAndServe accepts client connections, spawning a connection process
// for each.
func listenAndServe(addr string, cfg *c2s.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Infof("listening on %s for %s", addr, strings.Join(host.Names(), ", "))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		c2s.Serve(conn, cfg)
	}
}

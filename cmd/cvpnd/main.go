// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/node"
)

// waitSigterm blocks the current thread until a SIGINT or SIGTERM appears.
func waitSigterm() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	rand.Seed(time.Now().UnixNano())

	cfg, err := parseNode(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	n, err := node.New(cfg)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start node")
	}

	watcher, err := watchConfiguration(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Configuration watching is unavailable")
	} else {
		defer func() { _ = watcher.Close() }()
	}

	waitSigterm()
	log.Info("Shutting down..")

	if err := n.Close(); err != nil {
		log.WithError(err).Warn("Shutdown errored")
	}
}

// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/conn"
	"github.com/cloudvpn/cloudvpn-go/pkg/node"
	"github.com/cloudvpn/cloudvpn-go/pkg/routing"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Routing   routing.Conf
	Limits    limitsConf
	Discovery discoveryConf
	Status    statusConf
	Listen    []convergenceConf
	Peer      []convergenceConf
	Gate      []gateConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Node    string
	Cert    string
	Key     string
	Workers int
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// limitsConf describes the Limits-configuration block; durations are
// strings like "5s".
type limitsConf struct {
	MTU             int    `toml:"mtu"`
	MaxWaitingData  int    `toml:"max-waiting-data"`
	MaxWaitingProto int    `toml:"max-waiting-proto"`
	MaxRemoteRoutes int    `toml:"max-remote-routes"`
	Keepalive       string `toml:"keepalive"`
	Timeout         string `toml:"timeout"`
	Retry           string `toml:"retry"`
	Tick            string `toml:"tick"`

	REDEnabled   *bool `toml:"red-enabled"`
	REDThreshold int   `toml:"red-threshold"`

	UploadTotal   int `toml:"upload-total"`
	UploadConn    int `toml:"upload-conn"`
	UploadBurst   int `toml:"upload-burst"`
	DownloadTotal int `toml:"download-total"`
	DownloadConn  int `toml:"download-conn"`
	DownloadBurst int `toml:"download-burst"`
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// statusConf describes the Status-configuration block.
type statusConf struct {
	Listen string
}

// convergenceConf describes one "listen" or "peer" block.
type convergenceConf struct {
	Node     string
	Protocol string
	Endpoint string
}

// gateConf describes one "gate" block.
type gateConf struct {
	Type     string
	Endpoint string
	Instance uint32
	Promisc  bool
	Local    []string
}

func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	log.WithField("duration", s).Warn("Unparsable duration, using the default")
	return fallback
}

func parseLimits(conf limitsConf) conn.Limits {
	limits := conn.DefaultLimits()

	if conf.MTU > 0 {
		limits.MTU = conf.MTU
	}
	if conf.MaxWaitingData > 0 {
		limits.MaxWaitingData = conf.MaxWaitingData
	}
	if conf.MaxWaitingProto > 0 {
		limits.MaxWaitingProto = conf.MaxWaitingProto
	}
	if conf.MaxRemoteRoutes > 0 {
		limits.MaxRemoteRoutes = conf.MaxRemoteRoutes
	}

	limits.Keepalive = parseDuration(conf.Keepalive, limits.Keepalive)
	limits.Timeout = parseDuration(conf.Timeout, limits.Timeout)
	limits.Retry = parseDuration(conf.Retry, limits.Retry)
	limits.Tick = parseDuration(conf.Tick, limits.Tick)

	if conf.REDEnabled != nil {
		limits.REDEnabled = *conf.REDEnabled
	}
	if conf.REDThreshold > 0 {
		limits.REDThreshold = conf.REDThreshold
	}

	limits.UploadTotal = conf.UploadTotal
	limits.UploadConn = conf.UploadConn
	limits.UploadBurst = conf.UploadBurst
	limits.DownloadTotal = conf.DownloadTotal
	limits.DownloadConn = conf.DownloadConn
	limits.DownloadBurst = conf.DownloadBurst

	return limits
}

// parseNode builds a node.Config from the given TOML file.
func parseNode(filename string) (cfg node.Config, err error) {
	conf := tomlConfig{Routing: routing.DefaultConf()}
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	if conf.Core.Node == "" {
		err = fmt.Errorf("core.node is empty")
		return
	}

	cfg = node.Config{
		Node:         conf.Core.Node,
		CertFile:     conf.Core.Cert,
		KeyFile:      conf.Core.Key,
		Workers:      conf.Core.Workers,
		Routing:      conf.Routing,
		Limits:       parseLimits(conf.Limits),
		StatusListen: conf.Status.Listen,
		Discovery: node.DiscoveryConfig{
			IPv4:     conf.Discovery.IPv4,
			IPv6:     conf.Discovery.IPv6,
			Interval: time.Duration(conf.Discovery.Interval) * time.Second,
		},
	}

	for _, listen := range conf.Listen {
		cfg.Listeners = append(cfg.Listeners, node.ListenerConfig{
			Scheme:   listen.Protocol,
			Endpoint: listen.Endpoint,
		})
	}
	for _, peer := range conf.Peer {
		cfg.Peers = append(cfg.Peers, node.PeerConfig{
			Scheme:   peer.Protocol,
			Endpoint: peer.Endpoint,
			Node:     peer.Node,
		})
	}
	for _, g := range conf.Gate {
		cfg.Gates = append(cfg.Gates, node.GateConfig{
			Type:     g.Type,
			Endpoint: g.Endpoint,
			Instance: g.Instance,
			Promisc:  g.Promisc,
			Local:    g.Local,
		})
	}

	return
}

// watchConfiguration reapplies the runtime-adjustable settings, currently
// the logging block, whenever the configuration file changes.
func watchConfiguration(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Reloading configuration failed")
					continue
				}

				configureLogging(conf.Logging)
				log.WithField("file", filename).Info("Reapplied logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return watcher, nil
}

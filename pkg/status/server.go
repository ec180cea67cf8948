// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package status exposes a node's runtime state: a small REST API for the
// route table and the connection list, and a WebSocket feed streaming the
// events handed to Publish. The node publishes connection state
// transitions; routing changes are not published on the feed.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/conn"
	"github.com/cloudvpn/cloudvpn-go/pkg/routing"
)

// Event is one entry of the live feed.
type Event struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// RouteRow is one route table entry of the /api/routes response.
type RouteRow struct {
	Address string `json:"address"`
	Ping    uint32 `json:"ping"`
	Dist    uint32 `json:"dist"`
	Next    int    `json:"next"`
}

// ConnRow is one connection of the /api/connections response.
type ConnRow struct {
	ID             int       `json:"id"`
	State          string    `json:"state"`
	Address        string    `json:"address,omitempty"`
	Peer           string    `json:"peer,omitempty"`
	PeerName       string    `json:"peer_name,omitempty"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	Ping           uint32    `json:"ping"`
	ProtoQueue     int       `json:"proto_queue"`
	DataQueue      int       `json:"data_queue"`

	InPackets  uint64 `json:"in_packets"`
	InBytes    uint64 `json:"in_bytes"`
	OutPackets uint64 `json:"out_packets"`
	OutBytes   uint64 `json:"out_bytes"`
	Drops      uint64 `json:"drops"`
}

// Server publishes the node state over HTTP.
type Server struct {
	node     string
	registry *conn.Registry
	table    *routing.Table

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mutex       sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewServer creates and starts a status Server on the given address.
func NewServer(address, node string, registry *conn.Registry, table *routing.Table) *Server {
	s := &Server{
		node:        node,
		registry:    registry,
		table:       table,
		router:      mux.NewRouter(),
		upgrader:    websocket.Upgrader{},
		subscribers: make(map[chan Event]struct{}),
	}

	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/routes", s.handleRoutes).Methods(http.MethodGet)
	s.router.HandleFunc("/api/connections", s.handleConnections).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:    address,
		Handler: s.router,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Status server failed")
		}
	}()

	log.WithField("address", address).Info("Status server listening")

	return s
}

// ServeHTTP makes the Server usable under a foreign HTTP mux, e.g. in
// tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publish pushes an event to all feed subscribers, dropping it for the
// slow ones.
func (s *Server) Publish(kind, text string) {
	event := Event{Time: time.Now(), Kind: kind, Text: text}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for subscriber := range s.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.AggregateStats()

	writeJSON(w, map[string]interface{}{
		"node":        s.node,
		"routes":      len(s.table.Routes()),
		"connections": len(s.registry.Connections()),
		"in_packets":  stats.InPacketsTotal,
		"in_bytes":    stats.InBytesTotal,
		"out_packets": stats.OutPacketsTotal,
		"out_bytes":   stats.OutBytesTotal,
		"drops":       stats.DroppedData + stats.DroppedProto,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.table.Routes()

	rows := make([]RouteRow, 0, len(routes))
	for addr, info := range routes {
		rows = append(rows, RouteRow{
			Address: addr.String(),
			Ping:    info.Ping,
			Dist:    info.Dist,
			Next:    info.Next,
		})
	}

	writeJSON(w, rows)
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.registry.Connections()

	rows := make([]ConnRow, 0, len(conns))
	for _, c := range conns {
		stats := c.StatsSnapshot()
		proto, data := c.QueueSizes()

		rows = append(rows, ConnRow{
			ID:             c.ID(),
			State:          c.State().String(),
			Address:        c.Address(),
			Peer:           c.PeerAddr(),
			PeerName:       c.PeerName(),
			ConnectedSince: c.ConnectedSince(),
			Ping:           c.PathPing(),
			ProtoQueue:     proto,
			DataQueue:      data,
			InPackets:      stats.InPacketsTotal,
			InBytes:        stats.InBytesTotal,
			OutPackets:     stats.OutPacketsTotal,
			OutBytes:       stats.OutBytesTotal,
			Drops:          stats.DroppedData + stats.DroppedProto,
		})
	}

	writeJSON(w, rows)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Status feed upgrade failed")
		return
	}

	events := make(chan Event, 32)

	s.mutex.Lock()
	s.subscribers[events] = struct{}{}
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.subscribers, events)
		s.mutex.Unlock()

		_ = ws.Close()
	}()

	for event := range events {
		if err := ws.WriteJSON(event); err != nil {
			return
		}
	}
}

// Close shuts the status server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Debug("Status response encoding failed")
	}
}

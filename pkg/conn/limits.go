// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import "time"

// Limits bundles the resource caps and timings shared by all connections
// of a Registry. The zero values of the rate limiter fields disable the
// respective limiter.
type Limits struct {
	// MTU bounds a single frame's payload.
	MTU int

	// MaxWaitingData and MaxWaitingProto bound the send queues in bytes.
	MaxWaitingData  int
	MaxWaitingProto int

	// MaxRemoteRoutes bounds the routes a peer may advertise before the
	// connection is reset.
	MaxRemoteRoutes int

	Keepalive time.Duration
	Timeout   time.Duration
	Retry     time.Duration
	Tick      time.Duration

	// REDEnabled turns on random early drop for data frames once the data
	// queue passes REDThreshold bytes.
	REDEnabled   bool
	REDThreshold int

	// Upload token bucket: Total is the per-tick budget split across all
	// active connections, Conn the per-connection per-tick refill and
	// Burst the balance cap. All in bytes.
	UploadTotal int
	UploadConn  int
	UploadBurst int

	// Download allowance, same scheme; connections exceeding their burst
	// pause reading until the over-budget counter drains.
	DownloadTotal int
	DownloadConn  int
	DownloadBurst int

	// PingDiff is the round-trip change in microseconds above which a new
	// measurement dirties the route table.
	PingDiff uint32
}

// DefaultLimits returns the Limits used when the configuration stays
// silent.
func DefaultLimits() Limits {
	return Limits{
		MTU:             8192,
		MaxWaitingData:  512 * 1024,
		MaxWaitingProto: 64 * 1024,
		MaxRemoteRoutes: 64,
		Keepalive:       5 * time.Second,
		Timeout:         60 * time.Second,
		Retry:           10 * time.Second,
		Tick:            time.Second,
		REDEnabled:      true,
		REDThreshold:    256 * 1024,
		PingDiff:        5000,
	}
}

// uploadEnabled reports whether the upload limiter is configured.
func (limits Limits) uploadEnabled() bool {
	return limits.UploadTotal > 0 || limits.UploadConn > 0
}

// downloadEnabled reports whether the download limiter is configured.
func (limits Limits) downloadEnabled() bool {
	return limits.DownloadTotal > 0 || limits.DownloadConn > 0
}

// SPDX-License-Identifier: GPL-3.0-or-later

package modules

import (
	"github.com/15124585561/scannerl"
)

// Reason codes concluded by [*Banner].
const (
	// ReasonBanner means the target volunteered (or answered with) a
	// banner, attached as outcome data.
	ReasonBanner = "banner"

	// ReasonNoBanner means the connection succeeded but the target sent
	// nothing before the response timeout.
	ReasonNoBanner = "no_banner"
)

// Banner grabs whatever the target sends after connecting, optionally
// poking it with a trigger payload first.
//
// The zero value grabs a single listen-only chunk, which fits
// greeting-first protocols (SMTP, FTP, SSH). Protocols that only speak
// when spoken to need a Payload.
//
// Banner is safe for use by concurrent probes.
type Banner struct {
	// Payload is the optional trigger sent after connecting. When
	// empty nothing is sent and the probe just listens.
	Payload []byte

	// MaxPackets bounds how many chunks are collected before
	// concluding. Non-positive means one.
	MaxPackets int
}

var _ scannerl.Module = &Banner{}

// bannerStarted marks that the collection cycle has been issued.
type bannerStarted struct{}

// Name implements [scannerl.Module].
func (m *Banner) Name() string { return "banner" }

// React implements [scannerl.Module].
func (m *Banner) React(cycle *scannerl.Cycle) scannerl.Verdict {
	if cycle.State == nil {
		return scannerl.Continue{
			ExpectPackets: m.packetBudget(),
			Payload:       m.Payload,
			State:         bannerStarted{},
		}
	}
	if len(cycle.Received) > 0 {
		return scannerl.Conclude{Outcome: scannerl.Outcome{
			Status: scannerl.StatusUp,
			Reason: ReasonBanner,
			Data:   cycle.Received,
		}}
	}
	return scannerl.Conclude{Outcome: scannerl.Outcome{
		Status: scannerl.StatusUp,
		Reason: ReasonNoBanner,
	}}
}

func (m *Banner) packetBudget() int {
	if m.MaxPackets > 0 {
		return m.MaxPackets
	}
	return 1
}

// SPDX-License-Identifier: GPL-3.0-or-later

// Package modules bundles ready-made probe modules for the scannerl
// engine.
//
// Each module implements [scannerl.Module] and keeps its per-probe
// state in the opaque state value round-tripped through the cycle, so a
// single module value can drive any number of concurrent probes.
package modules

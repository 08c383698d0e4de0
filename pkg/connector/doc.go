// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Discord-Matrix bridge on top of a Matrix
// application service.
//
// The core of the bridge is the mapping layer: every bridged Discord channel
// has a room key, every Discord member has a Matrix ghost, and every Matrix
// sender has a Discord webhook per channel. Provisioning is idempotent and
// safe under concurrent events. Rows are claimed with atomic inserts and
// changed with versioned compare-and-swap updates; in-process duplicate work
// is collapsed with singleflight.
//
// # Core Types
//
// [DiscordConnector] wires the components together and routes events from
// both sides. It depends only on [DiscordAPI], [MatrixAPI], the mapping store
// and a media fetcher, so tests inject recording fakes.
//
// [RoomProvisioner] claims room keys, creates rooms when their alias is
// queried, binds custom rooms and tears rooms down when channels are deleted.
//
// [GhostProvisioner] registers ghosts, keeps their profiles in sync and joins
// them to the rooms of the channels they can see.
//
// [RelayManager] owns the per-channel webhooks Matrix users post through.
//
// # Echo Prevention
//
// Messages from the bridge's own Discord user, from its relay webhooks, from
// ghosts and from the bridge bot are never relayed back. These checks must
// not be removed.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Discord markdown.
//   - discordfmt converts Discord markdown to Matrix HTML.
package connector

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides the ordered, concurrency-safe store of chat
// sessions.
//
// The store guarantees three invariants at all times: at least one session
// exists, exactly one is current, and the current ID always references an
// existing session. Removing the current session fails over to the next
// session in insertion order, then the previous, then the first; removing
// the last session synthesizes a fresh default one.
//
// # Key Types
//
//   - Store: the session collection, safe for concurrent use
//   - Defaults: the template for synthesized default sessions
//
// # Usage
//
//	store := session.NewStore(session.DefaultDefaults())
//	sess := store.AddSession("Kubernetes help")
//	if err := store.SetCurrentSession(sess.ID); err != nil {
//		// unknown ID
//	}
//
// Readers return deep clones; mutation goes through the store's methods so
// every write happens under its lock.
package session

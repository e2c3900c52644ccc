// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Splicerelay accepts TCP connections and relays each one to an upstream
// Unix socket or TCP address without copying payload bytes through user
// space. Supports standalone mode (listen and relay until SIGINT or
// SIGTERM) and exec mode (start the relay, then run a child command and
// stop the relay when it exits).
package main

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrpc implements the framed JSON-RPC 2.0 channel spoken by the
// finder helper over its stdio.
//
// # Architecture
//
//	  helper stdout ──► codec.ReadMessage ──► inbound queue ──► dispatcher
//	                       (ReadLoop)          (unbounded)      │
//	                                                            ├─► pending[id] (responses)
//	                                                            ├─► notification handlers
//	                                                            └─► request handlers (goroutine each)
//	  helper stdin  ◄── codec.WriteMessage ◄── Call / Notify / replies (writeMu)
//
// Responses and notifications share one ordered queue, so a response is
// never observed before the notifications the peer sent ahead of it. The
// read loop never waits on handlers: a slow handler delays later deliveries
// but nothing is dropped.
//
// # Framing
//
// Two framings are supported: Content-Length headers (the default, same as
// the Language Server Protocol base layer) and newline-delimited JSON.
//
// # Thread Safety
//
// All exported methods on Conn are safe for concurrent use.
package jsonrpc

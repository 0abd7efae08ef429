// Package gateway connects the coordinator to its workers.
//
// A Gateway is one live connection to one worker process. It carries any
// number of Channels, each bound to a named remote service ("worker",
// "treesync"). Channels are multiplexed over a single frame Transport:
//
//	Dialer.Open ──► Conn ──► Transport (stdio pipes | ssh session | websocket)
//	                 │
//	                 ├── Channel 1 "treesync"
//	                 └── Channel 2 "worker"
//
// Each Conn runs exactly one reader goroutine. All inbound items for all of
// its channels are delivered on that goroutine, in wire order, either to the
// channel's callback or to a buffer drained by Receive. When a channel ends
// (remote close, remote error, local Close, or loss of the whole gateway)
// it delivers a single end-of-stream Item.
//
// Three transport kinds are supported, matching spec.Kind:
//
//   - popen: a local subprocess speaking length-prefixed frames on stdio
//   - ssh: the same program run through an SSH session
//   - socket: a websocket connection to an already running worker host
//
// Group tracks the gateways of a run and terminates them with a timeout.
package gateway

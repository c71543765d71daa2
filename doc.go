// Package jwc is a client for coordinating voice playback across a fleet of
// remote audio-streaming servers. It multiplexes sessions against many such
// servers, groups them into named pools, binds each guild's playback link to
// the best available node in its pool, and migrates links on node failure or
// on an operator-requested pool change.
//
// # Quick Start
//
// Construct a Client, register one or more nodes, and hand voice-server
// updates from your gateway layer to the returned Link:
//
//	client, err := jwc.NewClient(jwc.ClientConfig{
//	    Token:     botToken,
//	    Embedder:  gateway,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if _, err := client.AddNode(jwc.NodeConfig{
//	    Name:     "node-1",
//	    Host:     "127.0.0.1",
//	    Port:     2333,
//	    Password: "youshallnotpass",
//	    Pool:     "music",
//	}); err != nil {
//	    log.Fatal(err)
//	}
//
//	client.SetCurrentPool(guildID, "music")
//	link, err := client.GetOrCreateLink(guildID, region.US)
//
// # Architecture
//
// Five pieces cooperate: a penalty engine scores each node from its recent
// track-lifecycle events and latest stats; a balancer picks the
// lowest-scored available node in a pool; a node session owns one remote
// server's REST calls, event socket, and reconnect state machine; a link
// tracks one guild's current node and drives migration; and the client
// orchestrator ties these together, owning the node registry and the
// pool-to-guild mapping.
//
// # Configuration
//
// [ClientConfig] and [NodeConfig] are the in-memory, validated structs
// consumed by [NewClient] and [Client.AddNode]. [FileConfig] is the
// JSON-tagged document a host process loads from disk via
// [LoadConfigFromFile] and converts with [FileConfig.ToNodes].
//
// # Sub-packages
//
// The following sub-packages provide optional or supporting functionality:
//
//   - penalty: per-node rolling score from track-lifecycle events
//   - balancer: pool-scoped node selection
//   - region: voice-endpoint to region-group inference
//   - rest: the per-node HTTP control-plane client
//   - transport: the per-node event-socket client and reconnect state machine
//   - events: the multicast, backpressure-aware event publisher
//   - metrics: optional Prometheus instrumentation
//   - eventbridge: optional NATS mirroring of the client's event stream
//   - poolstore: the guild-to-pool mapping, with an optional NATS-KV-backed
//     implementation for sharing it across cooperating processes
package jwc

package jwc

import "context"

// Embedder is the chat-platform gateway collaborator: the three operations
// the coordination layer needs from whatever owns the bot's voice-gateway
// connection. The core never talks to the gateway directly.
type Embedder interface {
	// InAudioChannel reports whether the bot currently occupies any voice
	// channel in guildID.
	InAudioChannel(ctx context.Context, guildID string) (bool, error)
	// Connect asks the gateway to join channelID in guildID.
	Connect(ctx context.Context, guildID, channelID string) error
	// Disconnect asks the gateway to leave guildID's voice channel.
	Disconnect(ctx context.Context, guildID string) error
}

// nodeCollaborator is the narrow, non-owning handle a Node holds back to its
// owning Client. Node never imports the orchestrator's full surface — this
// interface exists precisely to break the cyclic ownership between Client
// (which owns Nodes) and Node (which must notify its owner on disconnect and
// ready), mirroring the teacher's Platform/App back-reference style.
type nodeCollaborator interface {
	// onNodeDisconnected is called once when a node's socket transitions to
	// not-open, whether from a transport failure or a server-initiated
	// close.
	onNodeDisconnected(n *Node)
	// transferOrphansTo is called after a node receives Ready, to claim any
	// players left orphaned on now-unavailable siblings in the same pool.
	transferOrphansTo(n *Node)
	// getLinkIfCached returns the existing link for guildID without
	// creating one, or nil if none exists.
	getLinkIfCached(guildID string) *Link
	// removeDestroyedLink drops guildID's link from the registry after a
	// destroy or an unrecoverable close code.
	removeDestroyedLink(guildID string)
}

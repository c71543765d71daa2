package jwc

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jwc-audio/jwc/metrics"
	"github.com/jwc-audio/jwc/proto"
)

// LinkState is a link's position in its small connection state machine.
type LinkState int32

const (
	Connecting LinkState = iota
	Connected
	Disconnected
)

func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Link binds one guild's voice playback to a node. It is created by
// Client.GetOrCreateLink for a guild whose pool is known, and removed from
// the client's registry by Destroy or by a terminal voice close code. When
// its node's pool runs out of survivors the link is kept and marked
// Disconnected. Identity is by GuildID alone.
type Link struct {
	guildID       string
	node          atomic.Pointer[Node]
	state         atomic.Int32
	handoverDelay time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func newLink(guildID string, node *Node, handoverDelay time.Duration, logger *slog.Logger, m *metrics.Metrics) *Link {
	l := &Link{
		guildID:       guildID,
		handoverDelay: handoverDelay,
		logger:        logger.With("component", "link", "guild", guildID),
		metrics:       m,
	}
	l.node.Store(node)
	l.state.Store(int32(Disconnected))
	return l
}

// GuildID returns the guild this link is bound to.
func (l *Link) GuildID() string { return l.guildID }

// Node returns the link's currently-selected node.
func (l *Link) Node() *Node { return l.node.Load() }

// State returns the link's current connection state.
func (l *Link) State() LinkState { return LinkState(l.state.Load()) }

func (l *Link) setState(s LinkState) {
	l.state.Store(int32(s))
	if l.metrics != nil {
		l.metrics.SetLinkState(l.guildID, int(s))
	}
}

// setConnectionState is driven by the node session's playerUpdate dispatch:
// State.Connected true maps to Connected, false to Disconnected.
func (l *Link) setConnectionState(connected bool) {
	if connected {
		l.setState(Connected)
	} else {
		l.setState(Disconnected)
	}
}

// UpdateVoiceState pushes a fresh Discord voice-server credential bundle to
// the link's current node. A no-op if that node is currently unavailable —
// the caller is expected to retry once the node (or a replacement via
// TransferNode) becomes available again.
func (l *Link) UpdateVoiceState(ctx context.Context, vs proto.VoiceState) error {
	node := l.node.Load()
	if node == nil || !node.Available() {
		return nil
	}

	l.setState(Connecting)
	update := proto.NewPlayerUpdate()
	update.Voice = &vs
	if _, err := node.UpdatePlayer(ctx, l.guildID, update, false); err != nil {
		l.logger.Warn("voice state update failed", "error", err)
		l.setState(Disconnected)
		return err
	}
	l.logger.Debug("voice state updated")
	return nil
}

// TransferNode migrates the link to newNode, carrying forward the old
// node's full player state (track, position, volume, paused, filters, voice
// state) after the link's handover delay (DefaultHandoverDelay unless
// ClientConfig.HandoverDelay overrides it) elapses. The link's node pointer
// switches to newNode immediately, before the delayed recreation completes,
// so observers see the new binding right away.
func (l *Link) TransferNode(ctx context.Context, newNode *Node) error {
	l.setState(Connecting)
	oldNode := l.node.Swap(newNode)

	if oldNode == nil {
		return nil
	}
	cp, ok := oldNode.snapshotPlayer(l.guildID)
	if !ok {
		return nil
	}

	update := buildTransferUpdate(cp)

	if err := l.awaitHandover(ctx); err != nil {
		l.setState(Disconnected)
		return err
	}

	if _, err := newNode.UpdatePlayer(ctx, l.guildID, update, false); err != nil {
		l.logger.Warn("transfer failed", "to_node", newNode.Name(), "error", err)
		l.setState(Disconnected)
		return err
	}

	oldNode.evictPlayer(l.guildID)
	l.logger.Info("transferred", "from_node", oldNode.Name(), "to_node", newNode.Name())
	return nil
}

// TransferToPool migrates the link to newNode in newPool, seeding only
// volume, voice state, and filters — not the current track, since a pool
// change is treated as starting fresh playback context on the new pool.
// The old node's player is destroyed synchronously before the new one is
// created. on success, after is invoked with newNode once the new player
// exists.
func (l *Link) TransferToPool(ctx context.Context, newNode *Node, newPool string, after func(*Node)) error {
	l.setState(Connecting)
	oldNode := l.node.Swap(newNode)

	var update *proto.PlayerUpdate
	if oldNode != nil {
		if cp, ok := oldNode.snapshotPlayer(l.guildID); ok {
			update = buildPoolTransferUpdate(cp)
		}
		if err := oldNode.DestroyPlayer(ctx, l.guildID); err != nil {
			l.logger.Warn("failed to destroy player on old node during pool transfer", "from_node", oldNode.Name(), "error", err)
		}
	}
	if update == nil {
		update = proto.NewPlayerUpdate()
	}

	if err := l.awaitHandover(ctx); err != nil {
		l.setState(Disconnected)
		return err
	}

	if _, err := newNode.UpdatePlayer(ctx, l.guildID, update, false); err != nil {
		l.logger.Warn("pool transfer failed", "to_node", newNode.Name(), "pool", newPool, "error", err)
		l.setState(Disconnected)
		return err
	}

	l.logger.Info("transferred to pool", "pool", newPool, "to_node", newNode.Name())
	if after != nil {
		after(newNode)
	}
	return nil
}

// Destroy destroys the player and link on the currently-selected node.
func (l *Link) Destroy(ctx context.Context) error {
	node := l.node.Load()
	if node == nil {
		return nil
	}
	return node.DestroyPlayerAndLink(ctx, l.guildID)
}

// awaitHandover blocks for the link's configured handover delay, or returns
// early with ctx's error if ctx is canceled first. The delay is a
// server-side settling requirement, not incidental latency, so it is never
// skipped even when ctx has no deadline of its own.
func (l *Link) awaitHandover(ctx context.Context) error {
	timer := time.NewTimer(l.handoverDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildTransferUpdate(cp *cachedPlayer) *proto.PlayerUpdate {
	update := proto.NewPlayerUpdate()
	if cp.Track != nil {
		encoded := cp.Track.Encoded
		update.EncodedTrack = &encoded
	}
	position := cp.State.Position
	update.Position = &position
	volume := cp.Volume
	update.Volume = &volume
	paused := cp.Paused
	update.Paused = &paused
	update.Filters = cp.Filters
	voice := cp.Voice
	update.Voice = &voice
	return update
}

func buildPoolTransferUpdate(cp *cachedPlayer) *proto.PlayerUpdate {
	update := proto.NewPlayerUpdate()
	volume := cp.Volume
	update.Volume = &volume
	update.Filters = cp.Filters
	voice := cp.Voice
	update.Voice = &voice
	return update
}

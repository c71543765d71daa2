package jwc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwc-audio/jwc/balancer"
	"github.com/jwc-audio/jwc/events"
	"github.com/jwc-audio/jwc/poolstore"
	"github.com/jwc-audio/jwc/region"
)

// Member identifies a guild member the orchestrator needs to reason about
// when establishing a fresh voice connection: whose channel to join, and
// whether the bot itself is already connected somewhere in the guild.
type Member struct {
	GuildID   string
	UserID    string
	ChannelID string
}

// Client is the coordination-layer orchestrator: it owns the node registry,
// the guild-to-pool mapping, the reconnect scheduler, and the refiled
// client-wide event stream.
type Client struct {
	cfg    ClientConfig
	userID string
	logger *slog.Logger

	nodes       atomic.Pointer[[]*Node]
	links       sync.Map // guildID -> *Link
	currentPool poolstore.Store
	balancer    *balancer.Selector

	publisher *events.Publisher[ClientEvent]
	nodeSubs  sync.Map // node name -> events.Subscription[ClientEvent]

	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	closed atomic.Bool
}

// NewClient validates cfg, decodes the bot identity from its token, and
// returns an orchestrator with no nodes registered yet.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.applyDefaults()

	userID, err := botIdentity(cfg.Token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		userID:      userID,
		logger:      cfg.Logger.With("component", "client", "instance", cfg.Instance),
		currentPool: poolstore.NewMemory(),
		balancer:    balancer.New(balancer.WithProvider(balancer.PoolCapacityProvider{})),
		publisher:   events.New[ClientEvent](),
	}
	empty := make([]*Node, 0)
	c.nodes.Store(&empty)

	c.startReconnectScheduler()
	return c, nil
}

// SetCurrentPool assigns guildID to pool, overriding any prior assignment.
func (c *Client) SetCurrentPool(guildID, pool string) {
	c.currentPool.Set(guildID, pool)
}

// SetPoolStore swaps in an alternative pool-assignment store — e.g. a
// poolstore/natskv.Store — before any nodes are added. Not safe to call
// concurrently with other Client methods.
func (c *Client) SetPoolStore(store poolstore.Store) {
	c.currentPool = store
}

// AddNode registers and connects a new node. Rejects a duplicate name.
func (c *Client) AddNode(cfg NodeConfig) (*Node, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	for _, existing := range c.GetNodes(false) {
		if existing.Name() == cfg.Name {
			return nil, ErrNodeExists
		}
	}

	node := newNode(cfg, c, c.cfg.Instance, c.userID, c.cfg.Logger, c.cfg.Codec, c.cfg.Metrics)
	node.reportGauges()

	sub, err := node.Events(64, events.DropPolicyDropOldest)
	if err != nil {
		return nil, err
	}
	c.nodeSubs.Store(cfg.Name, sub)
	go c.refileNodeEvents(sub)

	c.appendNode(node)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.applyDefaults().RequestTimeout)
	defer cancel()
	if err := node.connect(ctx); err != nil {
		c.logger.Warn("initial connect failed, will retry via reconnect scheduler", "node", cfg.Name, "error", err)
	}

	c.logger.Info("node added", "node", cfg.Name, "pool", cfg.Pool)
	return node, nil
}

func (c *Client) refileNodeEvents(sub events.Subscription[ClientEvent]) {
	for event := range sub.C() {
		if err := c.publisher.Publish(event); err != nil {
			c.logger.Debug("client event publish failed", "kind", event.Kind, "error", err)
		}
	}
}

func (c *Client) appendNode(node *Node) {
	for {
		old := c.nodes.Load()
		next := make([]*Node, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = node
		if c.nodes.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (c *Client) removeNode(node *Node) {
	for {
		old := c.nodes.Load()
		next := make([]*Node, 0, len(*old))
		for _, n := range *old {
			if n != node {
				next = append(next, n)
			}
		}
		if c.nodes.CompareAndSwap(old, &next) {
			return
		}
	}
}

// GetNodes returns every registered node, or only the currently available
// ones when onlyAvailable is true.
func (c *Client) GetNodes(onlyAvailable bool) []*Node {
	all := *c.nodes.Load()
	if !onlyAvailable {
		out := make([]*Node, len(all))
		copy(out, all)
		return out
	}
	out := make([]*Node, 0, len(all))
	for _, n := range all {
		if n.Available() {
			out = append(out, n)
		}
	}
	return out
}

func (c *Client) nodesInPool(pool string) []*Node {
	out := make([]*Node, 0)
	for _, n := range c.GetNodes(false) {
		if n.Config().Pool == pool {
			out = append(out, n)
		}
	}
	return out
}

func toCandidates(nodes []*Node) []balancer.Candidate {
	out := make([]balancer.Candidate, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

// GetOrCreateLink returns the existing link for guildID, or creates one by
// looking up its assigned pool and asking the balancer to pick a node
// within it. Fails with ErrPoolUnmapped if SetCurrentPool was never called
// for this guild.
func (c *Client) GetOrCreateLink(guildID string, voiceRegion region.Group) (*Link, error) {
	if existing := c.getLinkIfCached(guildID); existing != nil {
		return existing, nil
	}

	pool, ok := c.currentPool.Get(guildID)
	if !ok {
		return nil, ErrPoolUnmapped
	}

	candidates := toCandidates(c.nodesInPool(pool))
	chosen, err := c.balancer.Select(candidates, voiceRegion, guildID)
	if err != nil {
		return nil, err
	}

	link := newLink(guildID, chosen.(*Node), c.cfg.HandoverDelay, c.cfg.Logger, c.cfg.Metrics)
	actual, _ := c.links.LoadOrStore(guildID, link)
	return actual.(*Link), nil
}

// LoadAndTransferToNode assigns guildID to pool, ensures the bot is
// connected to a voice channel in that guild (joining the author's current
// channel if it isn't already in one), and transfers the guild's link onto
// the best available node in pool. Returns false without error if pool has
// no available node to transfer onto.
//
// Waiting for the chat platform's own asynchronous voice-server handshake
// is the gateway collaborator's concern, not this library's — see the
// Embedder non-goal — so once Connect has been issued (or was unnecessary
// because the bot was already connected) this proceeds straight to
// selecting a node and transferring, rather than blocking on an external
// event this package has no handle on.
func (c *Client) LoadAndTransferToNode(ctx context.Context, guildID, pool string, author, self Member, onTransfer func(*Node)) (bool, error) {
	if c.closed.Load() {
		return false, ErrClientClosed
	}
	c.SetCurrentPool(guildID, pool)

	if len(toCandidates(c.nodesInPool(pool))) == 0 {
		return false, nil
	}
	available := false
	for _, n := range c.nodesInPool(pool) {
		if n.Available() {
			available = true
			break
		}
	}
	if !available {
		return false, nil
	}

	inChannel, err := c.cfg.Embedder.InAudioChannel(ctx, guildID)
	if err != nil {
		return false, err
	}
	if !inChannel {
		if err := c.cfg.Embedder.Connect(ctx, guildID, author.ChannelID); err != nil {
			return false, err
		}
	}

	candidates := toCandidates(c.nodesInPool(pool))
	chosen, err := c.balancer.Select(candidates, region.Unknown, guildID)
	if err != nil {
		return false, err
	}

	link, err := c.GetOrCreateLink(guildID, region.Unknown)
	if err != nil {
		return false, err
	}

	if err := link.TransferToPool(ctx, chosen.(*Node), pool, onTransfer); err != nil {
		return false, err
	}
	return true, nil
}

// DisconnectAudio asks the gateway collaborator to leave guildID's voice
// channel.
func (c *Client) DisconnectAudio(ctx context.Context, guildID string) error {
	return c.cfg.Embedder.Disconnect(ctx, guildID)
}

// Events subscribes to the orchestrator's refiled event stream, which
// carries every node's events regardless of which node produced them.
func (c *Client) Events(bufferSize int, policy events.DropPolicy) (events.Subscription[ClientEvent], error) {
	return c.publisher.Subscribe(bufferSize, policy)
}

// --- nodeCollaborator ---

func (c *Client) getLinkIfCached(guildID string) *Link {
	v, ok := c.links.Load(guildID)
	if !ok {
		return nil
	}
	return v.(*Link)
}

func (c *Client) removeDestroyedLink(guildID string) {
	c.links.Delete(guildID)
}

func (c *Client) onNodeDisconnected(node *Node) {
	if c.closed.Load() {
		return
	}

	siblings := c.nodesInPool(node.Config().Pool)
	if len(siblings) <= 1 {
		c.links.Range(func(_, value any) bool {
			value.(*Link).setState(Disconnected)
			return true
		})
		return
	}
	if allUnavailable(siblings) {
		c.disconnectLinksBoundTo(node)
		return
	}

	candidates := toCandidates(siblings)
	c.links.Range(func(key, value any) bool {
		link := value.(*Link)
		if link.Node() != node {
			return true
		}
		voiceRegion := region.Unknown
		if cp, ok := node.snapshotPlayer(link.GuildID()); ok {
			voiceRegion = cp.VoiceRegion
		}
		chosen, err := c.balancer.Select(candidates, voiceRegion, link.GuildID())
		if err != nil {
			c.logger.Warn("no replacement node for disconnected link", "guild", link.GuildID(), "error", err)
			link.setState(Disconnected)
			return true
		}
		if err := link.TransferNode(context.Background(), chosen.(*Node)); err != nil {
			c.logger.Warn("link transfer after node disconnect failed", "guild", link.GuildID(), "error", err)
		}
		return true
	})
}

func allUnavailable(nodes []*Node) bool {
	for _, n := range nodes {
		if n.Available() {
			return false
		}
	}
	return true
}

func (c *Client) disconnectLinksBoundTo(node *Node) {
	c.links.Range(func(_, value any) bool {
		link := value.(*Link)
		if link.Node() == node {
			link.setState(Disconnected)
		}
		return true
	})
}

func (c *Client) transferOrphansTo(node *Node) {
	if !node.Available() {
		return
	}
	pool := node.Config().Pool

	for _, other := range c.GetNodes(false) {
		if other == node || other.Available() {
			continue
		}
		other.rangePlayers(func(guildID string, cp *cachedPlayer) {
			link := c.getLinkIfCached(guildID)
			if link == nil || !cp.Voice.IsUsable() {
				return
			}
			assignedPool, ok := c.currentPool.Get(guildID)
			if !ok || assignedPool != pool {
				return
			}
			if err := link.TransferNode(context.Background(), node); err != nil {
				c.logger.Warn("orphan transfer failed", "guild", guildID, "to_node", node.Name(), "error", err)
			}
		})
	}
}

// --- reconnect scheduler ---

func (c *Client) startReconnectScheduler() {
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.reconnectDone = make(chan struct{})

	go func() {
		defer close(c.reconnectDone)
		ticker := time.NewTicker(c.cfg.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runReconnectPass(ctx)
			}
		}
	}()
}

func (c *Client) runReconnectPass(ctx context.Context) {
	for _, node := range c.GetNodes(false) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("reconnect probe panicked", "node", node.Name(), "panic", r)
				}
			}()
			node.maybeReconnect(ctx)
		}()
	}
}

// Close disposes every subscription, closes every node, stops the
// reconnect scheduler, and disposes the orchestrator's own publisher.
// Idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.reconnectCancel()
	<-c.reconnectDone

	for _, node := range c.GetNodes(false) {
		node.close()
	}
	c.nodeSubs.Range(func(_, value any) bool {
		value.(events.Subscription[ClientEvent]).Unsubscribe()
		return true
	})
	c.publisher.Close()

	c.logger.Info("client closed")
	return nil
}

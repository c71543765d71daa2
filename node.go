package jwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwc-audio/jwc/events"
	"github.com/jwc-audio/jwc/metrics"
	"github.com/jwc-audio/jwc/penalty"
	"github.com/jwc-audio/jwc/proto"
	"github.com/jwc-audio/jwc/region"
	"github.com/jwc-audio/jwc/rest"
	"github.com/jwc-audio/jwc/transport"
)

// ClientEvent is the typed envelope every node event is republished as,
// regardless of its wire opcode, so application listeners and the NATS
// event bridge see one uniform shape.
type ClientEvent struct {
	Node    string `json:"node"`
	GuildID string `json:"guildId,omitempty"`
	Kind    string `json:"kind"`
	Data    any    `json:"data"`
}

const (
	eventKindReady           = "ready"
	eventKindStats           = "stats"
	eventKindPlayerUpdate    = "player_update"
	eventKindTrackStart      = "track_start"
	eventKindTrackEnd        = "track_end"
	eventKindTrackException = "track_exception"
	eventKindTrackStuck      = "track_stuck"
	eventKindSocketClosed    = "socket_closed"
)

// Node is one remote audio server: its REST control plane, event socket,
// reconnect state, and the guild-keyed player cache the session maintains
// locally.
type Node struct {
	cfg      NodeConfig
	owner    nodeCollaborator
	instance string
	userID   string
	logger   *slog.Logger

	rest   *rest.Client
	socket *transport.Socket

	sessionID atomic.Pointer[string]
	available atomic.Bool
	stats     atomic.Pointer[proto.Stats]

	players sync.Map // guildID -> *cachedPlayer

	penalty   *penalty.Tracker
	publisher *events.Publisher[ClientEvent]
	metrics   *metrics.Metrics

	closed atomic.Bool
}

func newNode(cfg NodeConfig, owner nodeCollaborator, instance, userID string, logger *slog.Logger, codec rest.Codec, m *metrics.Metrics) *Node {
	cfg = cfg.applyDefaults()
	n := &Node{
		cfg:       cfg,
		owner:     owner,
		instance:  instance,
		userID:    userID,
		logger:    logger.With("component", "node", "node", cfg.Name),
		rest:      rest.New(cfg.HTTPURL(), cfg.Password, cfg.RequestTimeout, codec),
		penalty:   penalty.NewTracker(),
		publisher: events.New[ClientEvent](),
		metrics:   m,
	}
	n.socket = transport.New(transport.DialConfig{
		URL:              cfg.WSURL(),
		Authorization:    cfg.Password,
		ClientName:       "jwc/" + instance,
		UserID:           userID,
		HandshakeTimeout: cfg.RequestTimeout,
	}, n)
	if n.metrics != nil {
		n.rest.SetObserver(func(method string, duration time.Duration, err error) {
			n.metrics.ObserveREST(n.cfg.Name, method, duration, err)
		})
	}
	return n
}

// reportGauges pushes the node's current availability, penalty score, and
// player count into the configured metrics collector. A no-op when no
// collector was configured.
func (n *Node) reportGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.SetNodeAvailable(n.cfg.Name, n.Available())
	n.metrics.SetNodePenaltyScore(n.cfg.Name, n.PenaltyTotal())
	n.metrics.SetNodePlayers(n.cfg.Name, n.PlayerCount())
}

// Name returns the node's configured name.
func (n *Node) Name() string { return n.cfg.Name }

// Config returns the node's configuration.
func (n *Node) Config() NodeConfig { return n.cfg }

// Available reports whether this node is currently usable for routing.
func (n *Node) Available() bool { return n.available.Load() }

// SessionID returns the session ID assigned by the remote server on ready,
// or "" if the node has never become ready.
func (n *Node) SessionID() string {
	if p := n.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// Stats returns the most recently received stats snapshot, or nil.
func (n *Node) Stats() *proto.Stats { return n.stats.Load() }

// PenaltyTotal implements balancer.Candidate.
func (n *Node) PenaltyTotal() int {
	return n.penalty.CalculateTotal(n.Available(), n.Stats(), n.playingPlayerCount())
}

// RegionGroup implements balancer.Candidate.
func (n *Node) RegionGroup() region.Group { return n.cfg.RegionGroup }

// PlayerCount implements balancer.Candidate.
func (n *Node) PlayerCount() int {
	count := 0
	n.players.Range(func(_, _ any) bool { count++; return true })
	return count
}

// MaxPlayers implements balancer.Candidate.
func (n *Node) MaxPlayers() int { return n.cfg.MaxPlayers }

func (n *Node) playingPlayerCount() int {
	count := 0
	n.players.Range(func(_, v any) bool {
		if v.(*cachedPlayer).isPlaying() {
			count++
		}
		return true
	})
	return count
}

// Events returns a subscription to this node's own event stream, separate
// from the orchestrator's refiled stream, useful for node-scoped listeners.
func (n *Node) Events(bufferSize int, policy events.DropPolicy) (events.Subscription[ClientEvent], error) {
	return n.publisher.Subscribe(bufferSize, policy)
}

func (n *Node) playerPath(guildID string) string {
	return fmt.Sprintf("/v4/sessions/%s/players/%s", n.SessionID(), guildID)
}

func (n *Node) cachePlayer(guildID string, p *proto.Player) *cachedPlayer {
	cp := newCachedPlayer(p)
	n.players.Store(guildID, cp)
	n.reportGauges()
	return cp
}

// snapshotPlayer returns the cached player for guildID without making a
// remote call, used by Link to seed a transfer update from the node it is
// migrating away from.
func (n *Node) snapshotPlayer(guildID string) (*cachedPlayer, bool) {
	v, ok := n.players.Load(guildID)
	if !ok {
		return nil, false
	}
	return v.(*cachedPlayer), true
}

// evictPlayer removes guildID's cache entry without issuing a remote
// destroy, used once a transfer has successfully recreated the player on
// its new node.
func (n *Node) evictPlayer(guildID string) {
	n.players.Delete(guildID)
	n.reportGauges()
}

// rangePlayers calls fn for every cached player on this node. Used by the
// orchestrator to find orphaned players on unavailable nodes.
func (n *Node) rangePlayers(fn func(guildID string, cp *cachedPlayer)) {
	n.players.Range(func(key, value any) bool {
		fn(key.(string), value.(*cachedPlayer))
		return true
	})
}

// GetPlayer returns the cached player for guildID if present, otherwise
// fetches it from the remote server. A 404 (no such player yet) is treated
// as "create one" by submitting an empty update.
func (n *Node) GetPlayer(ctx context.Context, guildID string) (*proto.Player, error) {
	if !n.Available() {
		return nil, ErrNodeUnavailable
	}
	if v, ok := n.players.Load(guildID); ok {
		return v.(*cachedPlayer).Player, nil
	}

	var p proto.Player
	err := n.rest.Get(ctx, n.playerPath(guildID), &p)
	if err == nil {
		n.cachePlayer(guildID, &p)
		return &p, nil
	}

	var restErr *rest.Error
	if errors.As(err, &restErr) && restErr.Status == 404 {
		return n.UpdatePlayer(ctx, guildID, proto.NewPlayerUpdate(), false)
	}
	return nil, err
}

// UpdatePlayer PATCHes guildID's player with update and replaces the cache
// entry on success.
func (n *Node) UpdatePlayer(ctx context.Context, guildID string, update *proto.PlayerUpdate, noReplace bool) (*proto.Player, error) {
	if !n.Available() {
		return nil, ErrNodeUnavailable
	}
	path := fmt.Sprintf("%s?noReplace=%t", n.playerPath(guildID), noReplace)

	var p proto.Player
	if err := n.rest.Patch(ctx, path, update, &p); err != nil {
		return nil, err
	}
	n.cachePlayer(guildID, &p)
	return &p, nil
}

// DestroyPlayer deletes guildID's player on the remote server and evicts it
// from the local cache.
func (n *Node) DestroyPlayer(ctx context.Context, guildID string) error {
	if !n.Available() {
		return ErrNodeUnavailable
	}
	if err := n.rest.Delete(ctx, n.playerPath(guildID)); err != nil {
		return err
	}
	n.players.Delete(guildID)
	n.reportGauges()
	return nil
}

// DestroyPlayerAndLink destroys the player, then asks the orchestrator to
// drop the corresponding link regardless of the destroy's outcome.
func (n *Node) DestroyPlayerAndLink(ctx context.Context, guildID string) error {
	err := n.DestroyPlayer(ctx, guildID)
	n.owner.removeDestroyedLink(guildID)
	return err
}

// LoadItem resolves identifier against the remote server's track loader.
func (n *Node) LoadItem(ctx context.Context, identifier string) (*proto.LoadResult, error) {
	if !n.Available() {
		return nil, ErrNodeUnavailable
	}
	var res proto.LoadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := n.rest.Get(ctx, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetInfo fetches the remote server's capability/version document.
func (n *Node) GetInfo(ctx context.Context) (*proto.Info, error) {
	if !n.Available() {
		return nil, ErrNodeUnavailable
	}
	var info proto.Info
	if err := n.rest.Get(ctx, "/v4/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// connect dials the event socket. Called once by the orchestrator when the
// node is registered.
func (n *Node) connect(ctx context.Context) error {
	return n.socket.Connect(ctx)
}

// maybeReconnect drives the node's reconnect probe; invoked periodically by
// the orchestrator's reconnect scheduler.
func (n *Node) maybeReconnect(ctx context.Context) {
	attempted, err := n.socket.MaybeReconnect(ctx, time.Now())
	if !attempted {
		return
	}
	if n.metrics != nil {
		backoff := time.Duration(transport.BackoffSeconds(n.socket.ReconnectAttempts()) * float64(time.Second))
		n.metrics.IncReconnectAttempt(n.cfg.Name, backoff)
	}
	if err != nil {
		n.logger.Debug("reconnect attempt failed", "attempts", n.socket.ReconnectAttempts(), "error", err)
		return
	}
	n.logger.Debug("reconnect attempt issued", "attempts", n.socket.ReconnectAttempts())
}

// close tears down the socket and REST client. Idempotent.
func (n *Node) close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	n.socket.Close(transport.CloseNormal, "client closing")
	n.rest.Close()
	n.publisher.Close()
}

// --- transport.Handler ---

func (n *Node) OnOpen() {
	n.logger.Debug("event socket open")
}

func (n *Node) OnMessage(data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.logger.Warn("malformed event socket message", "error", err)
		return
	}

	switch env.Op {
	case proto.OpReady:
		n.handleReady(data)
	case proto.OpStats:
		n.handleStats(data)
	case proto.OpPlayerUpdate:
		n.handlePlayerUpdate(data)
	case proto.OpEvent:
		n.handleEvent(env.Type, data)
	default:
		n.logger.Debug("unknown opcode", "op", env.Op)
	}
}

func (n *Node) handleReady(data []byte) {
	var ready proto.Ready
	if err := json.Unmarshal(data, &ready); err != nil {
		n.logger.Warn("malformed ready message", "error", err)
		return
	}

	if !ready.Resumed {
		n.penalty.Reset()
	}
	sid := ready.SessionID
	n.sessionID.Store(&sid)
	n.available.Store(true)
	n.logger.Info("node ready", "session_id", sid, "resumed", ready.Resumed)
	n.reportGauges()

	n.rebindCachedPlayers()
	n.owner.transferOrphansTo(n)

	n.publish(ClientEvent{Node: n.cfg.Name, Kind: eventKindReady, Data: ready})
}

// rebindCachedPlayers re-POSTs every cached player whose voice state is
// still usable, so a resumed or fresh session re-establishes playback
// without the caller needing to replay voice-server updates itself.
func (n *Node) rebindCachedPlayers() {
	n.players.Range(func(key, value any) bool {
		guildID := key.(string)
		cp := value.(*cachedPlayer)
		if !cp.Voice.IsUsable() {
			return true
		}
		update := proto.NewPlayerUpdate()
		voice := cp.Voice
		update.Voice = &voice
		if _, err := n.UpdatePlayer(context.Background(), guildID, update, false); err != nil {
			n.logger.Warn("failed to rebind cached player", "guild", guildID, "error", err)
		}
		return true
	})
}

func (n *Node) handleStats(data []byte) {
	var msg proto.StatsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		n.logger.Warn("malformed stats message", "error", err)
		return
	}
	stats := msg.Stats
	n.stats.Store(&stats)
	n.reportGauges()
	n.publish(ClientEvent{Node: n.cfg.Name, Kind: eventKindStats, Data: stats})
}

func (n *Node) handlePlayerUpdate(data []byte) {
	var msg proto.PlayerUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		n.logger.Warn("malformed player update message", "error", err)
		return
	}

	if v, ok := n.players.Load(msg.GuildID); ok {
		cp := v.(*cachedPlayer)
		updated := *cp.Player
		updated.State = msg.State
		n.cachePlayer(msg.GuildID, &updated)
	}

	if link := n.owner.getLinkIfCached(msg.GuildID); link != nil {
		link.setConnectionState(msg.State.Connected)
	}

	n.publish(ClientEvent{Node: n.cfg.Name, GuildID: msg.GuildID, Kind: eventKindPlayerUpdate, Data: msg})
}

func (n *Node) handleEvent(eventType proto.EventType, data []byte) {
	switch eventType {
	case proto.EventTrackStart:
		var evt proto.TrackStartEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			n.logger.Warn("malformed track start event", "error", err)
			return
		}
		n.penalty.Record(penalty.LoadAttempt)
		n.setPlayerTrack(evt.GuildID, &evt.Track)
		n.publish(ClientEvent{Node: n.cfg.Name, GuildID: evt.GuildID, Kind: eventKindTrackStart, Data: evt})

	case proto.EventTrackEnd:
		var evt proto.TrackEndEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			n.logger.Warn("malformed track end event", "error", err)
			return
		}
		n.penalty.RecordTrackEnd(evt.Reason)
		n.setPlayerTrack(evt.GuildID, nil)
		n.publish(ClientEvent{Node: n.cfg.Name, GuildID: evt.GuildID, Kind: eventKindTrackEnd, Data: evt})

	case proto.EventTrackException:
		var evt proto.TrackExceptionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			n.logger.Warn("malformed track exception event", "error", err)
			return
		}
		n.penalty.Record(penalty.TrackException)
		n.publish(ClientEvent{Node: n.cfg.Name, GuildID: evt.GuildID, Kind: eventKindTrackException, Data: evt})

	case proto.EventTrackStuck:
		var evt proto.TrackStuckEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			n.logger.Warn("malformed track stuck event", "error", err)
			return
		}
		n.penalty.Record(penalty.TrackStuck)
		n.publish(ClientEvent{Node: n.cfg.Name, GuildID: evt.GuildID, Kind: eventKindTrackStuck, Data: evt})

	case proto.EventWebSocketClosed:
		var evt proto.WebSocketClosedEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			n.logger.Warn("malformed websocket closed event", "error", err)
			return
		}
		n.publish(ClientEvent{Node: n.cfg.Name, GuildID: evt.GuildID, Kind: eventKindSocketClosed, Data: evt})

		if evt.Code == proto.CloseCodeInvalidSession || evt.Code == proto.CloseCodeSessionTimeout {
			if err := n.DestroyPlayerAndLink(context.Background(), evt.GuildID); err != nil {
				n.logger.Warn("failed to destroy player after terminal voice close", "guild", evt.GuildID, "code", evt.Code, "error", err)
			}
		}

	default:
		n.logger.Debug("unknown event type", "type", eventType)
	}
}

func (n *Node) setPlayerTrack(guildID string, track *proto.Track) {
	v, ok := n.players.Load(guildID)
	if !ok {
		return
	}
	cp := v.(*cachedPlayer)
	updated := *cp.Player
	updated.Track = track
	n.cachePlayer(guildID, &updated)
}

func (n *Node) publish(event ClientEvent) {
	if err := n.publisher.Publish(event); err != nil {
		n.logger.Debug("event publish failed", "kind", event.Kind, "error", err)
	}
}

func (n *Node) OnFailure(err error) {
	n.available.Store(false)
	n.reportGauges()
	n.logger.Warn("event socket failure", "error", err)
	n.owner.onNodeDisconnected(n)
}

func (n *Node) OnClose(code int, reason string, byRemote bool) {
	n.available.Store(false)
	n.reportGauges()
	n.logger.Info("event socket closed", "code", code, "reason", reason, "by_remote", byRemote)
	n.owner.onNodeDisconnected(n)
}

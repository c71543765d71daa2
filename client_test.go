package jwc_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwc "github.com/jwc-audio/jwc"
	"github.com/jwc-audio/jwc/balancer"
	"github.com/jwc-audio/jwc/proto"
	"github.com/jwc-audio/jwc/region"
)

const testToken = "MTIzNDU2Nzg5MDEyMzQ1Njc4.timestampseg.hmacsegmentvalue"

// --- fake remote audio server ---

type wireUpdate struct {
	EncodedTrack *string           `json:"encodedTrack,omitempty"`
	Volume       *int              `json:"volume,omitempty"`
	Paused       *bool             `json:"paused,omitempty"`
	Voice        *proto.VoiceState `json:"voice,omitempty"`
	Filters      proto.Filters     `json:"filters,omitempty"`
}

// fakeNode stands in for one remote audio server: it upgrades the event
// socket, pushes a ready frame on connect, and serves the player REST
// endpoints out of an in-memory map.
type fakeNode struct {
	mu        sync.Mutex
	players   map[string]*proto.Player
	conn      *websocket.Conn
	connCh    chan struct{}
	sessionID string
	srv       *httptest.Server
}

func newFakeNode(sessionID string) *fakeNode {
	fn := &fakeNode{
		players:   map[string]*proto.Player{},
		sessionID: sessionID,
		connCh:    make(chan struct{}, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/websocket", fn.handleWS)
	mux.HandleFunc("/v4/sessions/", fn.handlePlayer)
	fn.srv = httptest.NewServer(mux)
	return fn
}

func (fn *fakeNode) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fn.mu.Lock()
	fn.conn = conn
	fn.mu.Unlock()

	fn.writeJSON(map[string]any{"op": "ready", "resumed": false, "sessionId": fn.sessionID})
	select {
	case fn.connCh <- struct{}{}:
	default:
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (fn *fakeNode) writeJSON(v any) {
	fn.mu.Lock()
	conn := fn.conn
	fn.mu.Unlock()
	if conn == nil {
		return
	}
	data, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// failConnection drops the socket without a close frame, the path that
// drives Node.OnFailure rather than OnClose.
func (fn *fakeNode) failConnection() {
	fn.mu.Lock()
	conn := fn.conn
	fn.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (fn *fakeNode) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-fn.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for node to connect")
	}
}

func (fn *fakeNode) handlePlayer(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v4/sessions/"), "/")
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	guild := strings.SplitN(parts[2], "?", 2)[0]

	fn.mu.Lock()
	defer fn.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		p, ok := fn.players[guild]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(proto.Error{Status: 404, Message: "no such player"})
			return
		}
		_ = json.NewEncoder(w).Encode(p)

	case http.MethodPatch:
		var body wireUpdate
		_ = json.NewDecoder(r.Body).Decode(&body)
		p, ok := fn.players[guild]
		if !ok {
			p = &proto.Player{GuildID: guild}
		}
		if body.EncodedTrack != nil {
			p.Track = &proto.Track{Encoded: *body.EncodedTrack}
		}
		if body.Volume != nil {
			p.Volume = *body.Volume
		}
		if body.Paused != nil {
			p.Paused = *body.Paused
		}
		if body.Voice != nil {
			p.Voice = *body.Voice
		}
		if body.Filters != nil {
			p.Filters = body.Filters
		}
		fn.players[guild] = p
		_ = json.NewEncoder(w).Encode(p)

	case http.MethodDelete:
		delete(fn.players, guild)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (fn *fakeNode) hasPlayer(guild string) bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	_, ok := fn.players[guild]
	return ok
}

func nodeConfigFor(t *testing.T, fn *fakeNode, name, pool string) jwc.NodeConfig {
	t.Helper()
	u, err := url.Parse(fn.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return jwc.NodeConfig{
		Name:           name,
		Host:           host,
		Port:           port,
		Password:       "secret",
		Pool:           pool,
		RequestTimeout: 2 * time.Second,
	}
}

// --- fake gateway collaborator ---

type fakeEmbedder struct {
	mu              sync.Mutex
	inChannel       map[string]bool
	connectCalls    []jwc.Member
	disconnectCalls []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{inChannel: map[string]bool{}}
}

func (f *fakeEmbedder) InAudioChannel(_ context.Context, guildID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inChannel[guildID], nil
}

func (f *fakeEmbedder) Connect(_ context.Context, guildID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls = append(f.connectCalls, jwc.Member{GuildID: guildID, ChannelID: channelID})
	f.inChannel[guildID] = true
	return nil
}

func (f *fakeEmbedder) Disconnect(_ context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inChannel, guildID)
	f.disconnectCalls = append(f.disconnectCalls, guildID)
	return nil
}

func newTestClient(t *testing.T, embedder jwc.Embedder) *jwc.Client {
	t.Helper()
	if embedder == nil {
		embedder = newFakeEmbedder()
	}
	c, err := jwc.NewClient(jwc.ClientConfig{
		Token:             testToken,
		Embedder:          embedder,
		HandoverDelay:     20 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// --- tests ---

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := jwc.NewClient(jwc.ClientConfig{Embedder: newFakeEmbedder()})
	assert.Error(t, err)

	_, err = jwc.NewClient(jwc.ClientConfig{Token: testToken})
	assert.Error(t, err)
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	fn := newFakeNode("sess-a")
	defer fn.srv.Close()

	c := newTestClient(t, nil)
	cfg := nodeConfigFor(t, fn, "alpha", "music")

	_, err := c.AddNode(cfg)
	require.NoError(t, err)

	_, err = c.AddNode(cfg)
	assert.ErrorIs(t, err, jwc.ErrNodeExists)
}

func TestAddNodeBecomesAvailableAfterReady(t *testing.T) {
	fn := newFakeNode("sess-a")
	defer fn.srv.Close()

	c := newTestClient(t, nil)
	node, err := c.AddNode(nodeConfigFor(t, fn, "alpha", "music"))
	require.NoError(t, err)

	fn.waitConnected(t)
	assert.Eventually(t, node.Available, time.Second, 10*time.Millisecond)
	assert.Equal(t, "sess-a", node.SessionID())
}

func TestGetOrCreateLinkFailsWithoutPoolAssignment(t *testing.T) {
	c := newTestClient(t, nil)
	_, err := c.GetOrCreateLink("guild-1", region.Unknown)
	assert.ErrorIs(t, err, jwc.ErrPoolUnmapped)
}

func TestGetOrCreateLinkPicksAvailableNodeInPool(t *testing.T) {
	fn := newFakeNode("sess-a")
	defer fn.srv.Close()

	c := newTestClient(t, nil)
	node, err := c.AddNode(nodeConfigFor(t, fn, "alpha", "music"))
	require.NoError(t, err)
	fn.waitConnected(t)
	assert.Eventually(t, node.Available, time.Second, 10*time.Millisecond)

	c.SetCurrentPool("guild-1", "music")
	link, err := c.GetOrCreateLink("guild-1", region.Unknown)
	require.NoError(t, err)
	assert.Equal(t, node, link.Node())

	again, err := c.GetOrCreateLink("guild-1", region.Unknown)
	require.NoError(t, err)
	assert.Same(t, link, again)
}

func TestGetOrCreateLinkFailsWhenPoolHasNoAvailableNode(t *testing.T) {
	c := newTestClient(t, nil)
	c.SetCurrentPool("guild-1", "music")
	_, err := c.GetOrCreateLink("guild-1", region.Unknown)
	assert.ErrorIs(t, err, balancer.ErrNoAvailableNode)
}

func TestLinkTransfersToSiblingWhenNodeFails(t *testing.T) {
	fnA := newFakeNode("sess-a")
	defer fnA.srv.Close()
	fnB := newFakeNode("sess-b")
	defer fnB.srv.Close()

	c := newTestClient(t, nil)
	nodeA, err := c.AddNode(nodeConfigFor(t, fnA, "alpha", "music"))
	require.NoError(t, err)
	nodeB, err := c.AddNode(nodeConfigFor(t, fnB, "bravo", "music"))
	require.NoError(t, err)

	fnA.waitConnected(t)
	fnB.waitConnected(t)
	assert.Eventually(t, nodeA.Available, time.Second, 10*time.Millisecond)
	assert.Eventually(t, nodeB.Available, time.Second, 10*time.Millisecond)

	c.SetCurrentPool("guild-1", "music")

	ctx := context.Background()
	vs := proto.VoiceState{Token: "tok", Endpoint: "us-east1234.discord.media:443", SessionID: "vsess"}
	_, err = nodeA.UpdatePlayer(ctx, "guild-1", &proto.PlayerUpdate{Voice: &vs}, false)
	require.NoError(t, err)

	link, err := c.GetOrCreateLink("guild-1", region.Unknown)
	require.NoError(t, err)
	// Force the link onto alpha regardless of which node the balancer
	// happened to pick, so failing alpha is guaranteed to trigger a
	// migration.
	if link.Node() != nodeA {
		require.NoError(t, link.TransferNode(ctx, nodeA))
	}

	fnA.failConnection()
	assert.Eventually(t, func() bool { return !nodeA.Available() }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return link.Node() == nodeB }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotentAndStopsScheduler(t *testing.T) {
	fn := newFakeNode("sess-a")
	defer fn.srv.Close()

	c := newTestClient(t, nil)
	_, err := c.AddNode(nodeConfigFor(t, fn, "alpha", "music"))
	require.NoError(t, err)
	fn.waitConnected(t)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestDisconnectAudioDelegatesToEmbedder(t *testing.T) {
	embedder := newFakeEmbedder()
	c := newTestClient(t, embedder)

	require.NoError(t, c.DisconnectAudio(context.Background(), "guild-1"))
	require.Len(t, embedder.disconnectCalls, 1)
	assert.Equal(t, "guild-1", embedder.disconnectCalls[0])
}

func TestLoadAndTransferToNodeConnectsWhenNotInChannel(t *testing.T) {
	fn := newFakeNode("sess-a")
	defer fn.srv.Close()

	embedder := newFakeEmbedder()
	c := newTestClient(t, embedder)
	node, err := c.AddNode(nodeConfigFor(t, fn, "alpha", "music"))
	require.NoError(t, err)
	fn.waitConnected(t)
	assert.Eventually(t, node.Available, time.Second, 10*time.Millisecond)

	author := jwc.Member{GuildID: "guild-1", UserID: "u1", ChannelID: "chan-1"}
	self := jwc.Member{GuildID: "guild-1", UserID: "bot-1"}

	var transferred *jwc.Node
	ok, err := c.LoadAndTransferToNode(context.Background(), "guild-1", "music", author, self, func(n *jwc.Node) {
		transferred = n
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, node, transferred)
	require.Len(t, embedder.connectCalls, 1)
	assert.Equal(t, "chan-1", embedder.connectCalls[0].ChannelID)

	assert.Eventually(t, func() bool { return fn.hasPlayer("guild-1") }, time.Second, 10*time.Millisecond)
}

func TestLoadAndTransferToNodeReturnsFalseWithoutAvailableNode(t *testing.T) {
	c := newTestClient(t, nil)
	c.SetCurrentPool("guild-1", "music")

	ok, err := c.LoadAndTransferToNode(context.Background(), "guild-1", "music", jwc.Member{}, jwc.Member{}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

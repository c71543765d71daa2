package jwc

import (
	"github.com/jwc-audio/jwc/proto"
	"github.com/jwc-audio/jwc/region"
)

// cachedPlayer is the node-local record for one guild's player: the wire
// shape returned by the remote server, plus the voice region group derived
// from its voice-state endpoint, which the balancer needs but the remote
// server never reports directly.
type cachedPlayer struct {
	*proto.Player
	VoiceRegion region.Group
}

// newCachedPlayer wraps p, deriving VoiceRegion from its voice state.
func newCachedPlayer(p *proto.Player) *cachedPlayer {
	return &cachedPlayer{
		Player:      p,
		VoiceRegion: region.FromEndpoint(p.Voice.Endpoint),
	}
}

// withVoiceState returns a copy of cp with its voice state (and derived
// region) replaced, for the common case of rebinding a cached player to a
// fresh voice-server update without waiting on a round trip.
func (cp *cachedPlayer) withVoiceState(vs proto.VoiceState) *cachedPlayer {
	p := *cp.Player
	p.Voice = vs
	return newCachedPlayer(&p)
}

// isPlaying reports whether this player currently has a track loaded,
// which feeds the penalty engine's locally-counted playing-player term.
func (cp *cachedPlayer) isPlaying() bool {
	return cp != nil && cp.Track != nil
}

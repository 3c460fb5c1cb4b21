package transport

import "context"

type peerSessionKey struct{}

// WithPeerSession marks a request context as coming from a transport that
// multiplexes many logical connections and correlates each to a session
// itself (the id is empty while the peer has not yet learned one). Single-
// connection transports like stdio never set it.
func WithPeerSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, peerSessionKey{}, id)
}

// PeerSession returns the peer-supplied session id and whether the transport
// provided one at all. The second return distinguishes a multiplexing
// transport with no id yet from a single-connection transport.
func PeerSession(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(peerSessionKey{}).(string)
	return id, ok
}

package core

// ConnectionID identifies one signaling connection. It is the key for
// everything the gateway tracks about a peer.
type ConnectionID string

// Package realtime implements the synchronization core: the connection
// registry and subscription index (Hub), the permission-aware event
// Broadcaster with bounded replay, the liveness Monitor and the websocket
// session protocol.
package realtime

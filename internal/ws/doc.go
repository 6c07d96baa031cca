// Package ws streams emissions estimates to WebSocket clients.
//
// Hub.ServeHTTP upgrades a connection, sends the current snapshot straight
// away and registers the client. Run re-sends the snapshot to every client on
// a fixed interval; Publish pushes each estimator Update as it happens.
// Clients whose outgoing buffer fills are disconnected.
package ws

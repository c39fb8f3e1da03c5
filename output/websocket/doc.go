// Package websocket is a consumer that broadcasts subjects and frames to
// WebSocket clients.
//
// Every message is a JSON envelope:
//
//	{"type": "frame", "id": "msg-42", "timestamp": 1736000000000, "payload": {...}}
//
// Types are "create", "static", "frame" and "remove". The payload always
// carries "source" and "name"; "static" adds "skeleton" and "frame" adds the
// animation frame fields.
//
// A client that connects late first receives a "create" and (when known) a
// "static" envelope for every live subject, so it can build skeletons before
// frames arrive.
//
// Each client has a bounded outbound ring. A client that cannot keep up loses
// its oldest queued messages instead of slowing down the broadcast.
package websocket

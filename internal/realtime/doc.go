// Package realtime maintains the dashboard's persistent websocket connection.
//
// A Channel moves Disconnected → Connecting → Connected when the caller
// connects with an access token and the server acknowledges the handshake. It
// never reconnects on its own: after transport loss it stays Disconnected
// until Connect is called again. Topics joined while connected are remembered
// and re-joined on every later successful Connect. Joining while disconnected
// is dropped, not queued.
//
// # Wire format
//
// Every frame is a JSON text message {"event": name, "data": payload}. The
// handshake is a "connect" frame carrying {"token": ...}, answered by either
// "connect" or "connect_error" {"message": ...}.
package realtime

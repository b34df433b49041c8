// Package gateway connects external clients to the broker.
//
// The websocket Server exposes these endpoints:
//
//	GET /topics/<topic>   subscribed to <topic> for the lifetime of the connection
//	GET /modules/<name>   frames are accepted straight into the inbox of module <name>
//	GET /modules/<name>/<topic>
//	                      same, with every message addressed to <topic>
//	GET /ws               no implicit subscription
//	GET /stats            broker counters as JSON
//
// Every websocket connection sends envelopes and control frames:
//
//	{"topic": "sensors/temp", "payload": "23.5", "priority": 2}
//	{"op": "subscribe", "topic": "sensors/humidity"}
//	{"op": "unsubscribe", "topic": "sensors/humidity"}
//
// The topic of an envelope may be left out on a /topics endpoint, it then
// defaults to the endpoint topic. On a module endpoint the topic from the path
// wins over the envelope topic, which wins over modules/<name>. Priorities outside 0..3 are coerced to
// normal and the delivered frame carries "coerced": true. Problems with a
// frame are answered with an error frame, the connection stays open:
//
//	{"error": "unknown module \"pump\"", "code": "unknown_module"}
//
// Design decisions:
//   - Each connection owns a bounded send buffer drained by its own writer
//     goroutine. A full buffer fails the delivery to that connection only.
//   - A connection is a broker.Connection: once it is closed the dispatcher
//     skips it, and it leaves every topic when the socket goes away.
//   - The Bridge maps the same envelopes onto NATS: <prefix>.publish is the
//     inbound subject, exported topics are mirrored to <prefix>.topics.<topic>.
package gateway

// Package router dispatches inbound device messages by topic.
//
// Topics follow devices/{deviceId}/{channel}:
//
//	data, status  → device registry (Observe)
//	ack           → command dispatcher (Resolve)
//	commands      → ignored (our own egress)
//
// Anything that does not parse is counted as malformed_topic and dropped.
package router

// Package liveness decides when a silent device is offline.
//
// Every accepted message resets the device's deadline to
// seenAt + HeartbeatTimeout. A single ticker sweeps all deadlines every
// SweepInterval and hands the expired ones to the registry, so the worst
// case detection latency is HeartbeatTimeout + SweepInterval.
//
// After an MQTT reconnect the transport calls Grace: messages may have been
// lost during the gap, so no device is declared offline for the gap alone.
package liveness

// Package device provides the Device Registry and its status state machine.
//
// The Registry is the single writer of device state. Routed data and status
// messages enter through Observe; the liveness monitor demotes silent
// devices through Expire; the admin layer renames, relocates and removes
// devices through UpdateMetadata and Remove.
//
// # State Machine
//
//	            first message                 Expire (heartbeat_timeout)
//	  unknown ───────────────▶ online ─────────────────────────────────▶ offline
//	                            ▲  │         status "offline" (device_reported)  │
//	                            │  └───────────────────────────────────────────▶│
//	                            └──────────────── next message ─────────────────┘
//
// Every visible status change publishes one status_changed event. A data
// message whose fields differ from the snapshot publishes a telemetry
// event; a message that changes nothing still refreshes LastSeen and the
// liveness deadline.
//
// # Concurrency
//
// Devices are spread over 64 shards by FNV hash of their ID. A mutation
// holds only its shard's lock, so unrelated devices never contend.
//
// # Usage
//
//	bus := fanout.New(fanout.Config{QueueSize: 256})
//	registry := device.NewRegistry(bus)
//	registry.SetLogger(log)
//	registry.SetLiveness(monitor)
//
//	if err := registry.Observe("esp32-a1b2c3", payload, protocol.ChannelData); err != nil {
//	    // count and drop
//	}
//
//	d, err := registry.Get("esp32-a1b2c3")
package device

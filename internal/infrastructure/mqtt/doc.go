// Package mqtt is the gateway's transport adapter: a thin wrapper around
// paho.mqtt.golang with no business logic.
//
// This package manages:
//   - Connection to the broker, with caller-driven retry (ConnectWithRetry)
//   - Auto-reconnect after an established session drops
//   - Re-subscription of every tracked pattern on reconnect
//   - Connectivity state (connected, degraded, disconnected) and a
//     possible-gap signal after each outage
//   - Non-blocking publish handoff with optional completion callback
//   - Last Will and Testament on fieldlink/gateway/status
//
// # Delivery Semantics
//
// While connected the broker delivers each message at least once. Messages
// published during an outage are not replayed (clean session); the outage
// window is reported through SetOnPossibleGap instead.
//
// # Security Considerations
//
//   - TLS is enabled with cfg.Broker.TLS=true
//   - Credentials are validated against the broker ACL
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.ConnectWithRetry(ctx, cfg.MQTT, mqtt.PolicyFromConfig(cfg.MQTT.Reconnect), logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnPossibleGap(monitor.Grace)
//	err = client.Subscribe("devices/#", 1, router.Handle)
package mqtt

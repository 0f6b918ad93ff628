// Package protocol defines the wire contract between field devices and the gateway.
//
// Topics follow devices/{deviceId}/{channel}:
//
//	devices/{id}/data          device → gateway   telemetry (flat JSON object)
//	devices/{id}/status        device → gateway   status ({"status":"online"} or a bare word)
//	devices/{id}/ack           device → gateway   {"correlationId","success","detail"}
//	devices/{id}/commands      gateway → device   {"action","correlationId","timestamp","source",...params}
//	devices/{id}/commands/last gateway → device   retained copy of the latest command
//
// Payload schemas beyond these envelopes are not interpreted here; the
// Decoder interface lets a deployment plug in its own sensor decoding.
package protocol

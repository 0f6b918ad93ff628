// Package influxdb writes gateway time series to InfluxDB v2.
//
// Three measurements are written, all tagged with device_id:
//   - device_telemetry: one field per scalar telemetry value
//   - device_status: one point per status transition
//   - command_result: latency of every terminal command
//
// Writes go through the client's non-blocking WriteAPI and are batched
// according to batch_size and flush_interval. Write errors surface through
// SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTelemetry("esp32-a1", map[string]any{"temperature": 21.5}, time.Now())
package influxdb

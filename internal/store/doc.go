// Package store persists gateway state.
//
// SQLStore keeps three tables on SQLite or PostgreSQL: devices (restored
// into the registry at startup), status_history and command_log.
// Recorder subscribes to the event stream and writes to SQLStore and the
// InfluxDB time series asynchronously, dropping events rather than slowing
// ingestion when persistence falls behind.
package store

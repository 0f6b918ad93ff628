// Package command dispatches operator commands to field devices and tracks
// their delivery.
//
// Each command gets a fresh correlation id and is published on
// devices/{id}/commands:
//
//	{"action":"SERVO","correlationId":"9f1c...","timestamp":1760000000000,"source":"fieldlink","angle":90}
//
// The device answers on devices/{id}/ack with the same correlation id. The
// router hands the ack to Resolve; a per-command timer moves unanswered
// commands to timed_out. Neither outcome is retried: a caller that wants a
// retry submits a new command.
//
// Commands left in sent when the dispatcher closes have an unknown outcome.
package command

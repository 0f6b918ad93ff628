package protocol

import (
	"strings"
)

// TopicPrefix is the root of every device topic.
const TopicPrefix = "devices"

// Channel identifies the purpose of a device topic.
type Channel string

// Device channels.
const (
	// ChannelData carries telemetry from the device.
	ChannelData Channel = "data"

	// ChannelStatus carries device-reported status (online, rebooting, offline...).
	ChannelStatus Channel = "status"

	// ChannelCommands carries commands from the gateway to the device.
	ChannelCommands Channel = "commands"

	// ChannelAck carries command acknowledgements from the device.
	ChannelAck Channel = "ack"
)

// lastCommandSuffix is appended to the commands topic for the retained copy.
const lastCommandSuffix = "last"

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelData, ChannelStatus, ChannelCommands, ChannelAck:
		return true
	}
	return false
}

// ParseTopic splits devices/{deviceId}/{channel} into its parts.
//
// The retained command copy devices/{id}/commands/last parses as
// ChannelCommands. Anything else is a *MalformedMessageError.
func ParseTopic(topic string) (deviceID string, channel Channel, err error) {
	parts := strings.Split(topic, "/")

	if len(parts) == 4 && parts[2] == string(ChannelCommands) && parts[3] == lastCommandSuffix {
		parts = parts[:3]
	}

	if len(parts) != 3 || parts[0] != TopicPrefix {
		return "", "", malformedTopic(topic, "expected devices/{deviceId}/{channel}")
	}

	deviceID = parts[1]
	if err := ValidateDeviceID(deviceID); err != nil {
		return "", "", malformedTopic(topic, err.Error())
	}

	channel = Channel(parts[2])
	if !channel.Valid() {
		return "", "", malformedTopic(topic, "unknown channel "+strings.TrimSpace(parts[2]))
	}

	return deviceID, channel, nil
}

// ValidateDeviceID rejects ids that cannot be used as a single topic level.
func ValidateDeviceID(id string) error {
	if id == "" {
		return ErrEmptyDeviceID
	}
	if strings.ContainsAny(id, "/+#") {
		return ErrInvalidDeviceID
	}
	return nil
}

// DeviceTopic returns devices/{deviceId}/{channel}.
func DeviceTopic(deviceID string, channel Channel) string {
	return TopicPrefix + "/" + deviceID + "/" + string(channel)
}

// CommandTopic returns the topic commands for deviceID are published on.
func CommandTopic(deviceID string) string {
	return DeviceTopic(deviceID, ChannelCommands)
}

// LastCommandTopic returns the retained last-command topic for deviceID.
func LastCommandTopic(deviceID string) string {
	return CommandTopic(deviceID) + "/" + lastCommandSuffix
}

// SubscriptionPattern matches every device topic, including malformed ones,
// so that they can be counted.
func SubscriptionPattern() string {
	return TopicPrefix + "/#"
}

// ChannelPattern matches one channel across all devices, e.g. devices/+/data.
func ChannelPattern(channel Channel) string {
	return TopicPrefix + "/+/" + string(channel)
}

package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind enumerates the logical commands the server publishes.
type CommandKind string

const (
	CmdDoor   CommandKind = "door"
	CmdLight  CommandKind = "light"
	CmdReboot CommandKind = "reboot"
	CmdUpdate CommandKind = "update"
	CmdPing   CommandKind = "ping"
)

// Command is an encoded publish: a concrete topic plus payload.
type Command struct {
	Topic   string
	Payload []byte
}

var (
	doorCommands  = []string{"open", "close", "toggle"}
	lightCommands = []string{"on", "off", "toggle"}
)

// EncodeCommand maps a logical command and its arguments to a
// (topic, payload) pair.
//
//	door:   args = open|close|toggle
//	light:  args = on|off|toggle
//	reboot: args = <device_id>
//	ping:   args = <device_id>
//	update: args = <device_id>, payload = manifest JSON via EncodeUpdate
func EncodeCommand(kind CommandKind, args string) (Command, error) {
	switch kind {
	case CmdDoor:
		if !contains(doorCommands, args) {
			return Command{}, fmt.Errorf("invalid door command %q", args)
		}
		return Command{Topic: TopicDoorCommand, Payload: []byte(args)}, nil
	case CmdLight:
		if !contains(lightCommands, args) {
			return Command{}, fmt.Errorf("invalid light command %q", args)
		}
		return Command{Topic: TopicLightCommand, Payload: []byte(args)}, nil
	case CmdReboot:
		if args == "" {
			return Command{}, fmt.Errorf("reboot requires a device id")
		}
		return Command{Topic: "home/system/" + args + "/reboot", Payload: []byte("{}")}, nil
	case CmdPing:
		if args == "" {
			return Command{}, fmt.Errorf("ping requires a device id")
		}
		return Command{Topic: "home/system/" + args + "/ping", Payload: []byte("{}")}, nil
	default:
		return Command{}, fmt.Errorf("unknown command kind %q", kind)
	}
}

// EncodeUpdate serializes an OTA manifest to the device's update topic.
func EncodeUpdate(deviceID string, manifest any) (Command, error) {
	if deviceID == "" {
		return Command{}, fmt.Errorf("update requires a device id")
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return Command{}, fmt.Errorf("marshal manifest: %w", err)
	}
	return Command{Topic: "home/system/" + deviceID + "/update", Payload: payload}, nil
}

// DecodeCommand is the inverse of EncodeCommand: it recovers the kind
// and argument from a published command. Used by round-trip tests and
// by tooling that taps the command topics.
func DecodeCommand(topic string, payload []byte) (CommandKind, string, error) {
	switch topic {
	case TopicDoorCommand:
		arg := string(payload)
		if !contains(doorCommands, arg) {
			return "", "", fmt.Errorf("invalid door command payload %q", arg)
		}
		return CmdDoor, arg, nil
	case TopicLightCommand:
		arg := string(payload)
		if !contains(lightCommands, arg) {
			return "", "", fmt.Errorf("invalid light command payload %q", arg)
		}
		return CmdLight, arg, nil
	}
	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == "home" && parts[1] == "system" {
		switch parts[3] {
		case "reboot":
			return CmdReboot, parts[2], nil
		case "ping":
			return CmdPing, parts[2], nil
		case "update":
			return CmdUpdate, parts[2], nil
		}
	}
	return "", "", fmt.Errorf("not a command topic: %s", topic)
}

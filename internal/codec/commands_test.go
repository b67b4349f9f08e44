package codec

import (
	"encoding/json"
	"testing"
)

func TestEncodeCommandRoundTrip(t *testing.T) {
	tests := []struct {
		kind CommandKind
		args string
	}{
		{CmdDoor, "open"},
		{CmdDoor, "close"},
		{CmdDoor, "toggle"},
		{CmdLight, "on"},
		{CmdLight, "off"},
		{CmdLight, "toggle"},
		{CmdReboot, "garage-controller"},
		{CmdPing, "house-monitor"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.args, func(t *testing.T) {
			cmd, err := EncodeCommand(tt.kind, tt.args)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			kind, args, err := DecodeCommand(cmd.Topic, cmd.Payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if kind != tt.kind || args != tt.args {
				t.Errorf("round trip = (%s, %s), want (%s, %s)", kind, args, tt.kind, tt.args)
			}
		})
	}
}

func TestEncodeCommandRejectsBadInput(t *testing.T) {
	if _, err := EncodeCommand(CmdDoor, "sideways"); err == nil {
		t.Error("bad door action accepted")
	}
	if _, err := EncodeCommand(CmdLight, "dim"); err == nil {
		t.Error("bad light action accepted")
	}
	if _, err := EncodeCommand(CmdReboot, ""); err == nil {
		t.Error("reboot without device accepted")
	}
	if _, err := EncodeCommand(CommandKind("selfdestruct"), "x"); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestEncodeUpdate(t *testing.T) {
	manifest := map[string]any{
		"ref":   "main",
		"files": []map[string]string{{"url": "https://example.com/f", "path": "app/f.py"}},
	}
	cmd, err := EncodeUpdate("garage-controller", manifest)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if cmd.Topic != "home/system/garage-controller/update" {
		t.Errorf("topic = %s", cmd.Topic)
	}
	var decoded map[string]any
	if err := json.Unmarshal(cmd.Payload, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded["ref"] != "main" {
		t.Errorf("payload = %v", decoded)
	}

	kind, device, err := DecodeCommand(cmd.Topic, cmd.Payload)
	if err != nil || kind != CmdUpdate || device != "garage-controller" {
		t.Errorf("decode update = (%s, %s, %v)", kind, device, err)
	}
}

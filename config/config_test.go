package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dfp.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"guestInterface":"arc0"}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectiveBroadcastPort() != 137 {
		t.Fatalf("broadcast port default = %d", cfg.EffectiveBroadcastPort())
	}
	if cfg.EffectiveSuppressionWindow() != time.Second {
		t.Fatalf("suppression window default = %v", cfg.EffectiveSuppressionWindow())
	}
	if cfg.Management.Bind != "127.0.0.1:7878" {
		t.Fatalf("management bind default = %q", cfg.Management.Bind)
	}
	if len(cfg.ManagementPrefixes()) != 1 {
		t.Fatalf("expected loopback acl default, got %v", cfg.Management.ACL)
	}
	if cfg.LifelineFD != -1 {
		t.Fatalf("lifeline fd default = %d", cfg.LifelineFD)
	}
	if cfg.Protocols.DisableMDNS || cfg.Protocols.DisableSSDP || cfg.Protocols.DisableBroadcast {
		t.Fatalf("protocols should default to enabled")
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"guestInterface": "arc0",
		"physicalInterfaces": ["wlan0", "eth0"],
		"protocols": {"disableBroadcast": true},
		"broadcastPort": 6667,
		"suppressionWindow": "250ms",
		"lifelineFd": 3,
		"management": {"bind": "127.0.0.1:9999", "acl": ["10.0.0.0/8"]},
		"logging": {"level": "DEBUG"}
	}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.PhysicalInterfaces) != 2 {
		t.Fatalf("physical interfaces = %v", cfg.PhysicalInterfaces)
	}
	if !cfg.Protocols.DisableBroadcast || cfg.Protocols.DisableMDNS {
		t.Fatalf("protocol flags = %+v", cfg.Protocols)
	}
	if cfg.EffectiveBroadcastPort() != 6667 {
		t.Fatalf("broadcast port = %d", cfg.EffectiveBroadcastPort())
	}
	if cfg.EffectiveSuppressionWindow() != 250*time.Millisecond {
		t.Fatalf("suppression window = %v", cfg.EffectiveSuppressionWindow())
	}
	if cfg.LifelineFD != 3 {
		t.Fatalf("lifeline fd = %d", cfg.LifelineFD)
	}
	if cfg.NormalisedLevel() != "debug" {
		t.Fatalf("level = %q", cfg.NormalisedLevel())
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing guest", `{}`, "guestInterface"},
		{"long name", `{"guestInterface":"averyveryverylongname0"}`, "exceeds"},
		{"guest as physical", `{"guestInterface":"arc0","physicalInterfaces":["arc0"]}`, "both guest and physical"},
		{"duplicate physical", `{"guestInterface":"arc0","physicalInterfaces":["eth0","eth0"]}`, "duplicate"},
		{"all disabled", `{"guestInterface":"arc0","protocols":{"disableMdns":true,"disableSsdp":true,"disableBroadcast":true}}`, "disabled"},
		{"bad port", `{"guestInterface":"arc0","broadcastPort":70000}`, "out of valid range"},
		{"negative window", `{"guestInterface":"arc0","suppressionWindow":"-1s"}`, "negative"},
		{"huge window", `{"guestInterface":"arc0","suppressionWindow":"5m"}`, "one minute"},
		{"bad acl", `{"guestInterface":"arc0","management":{"acl":["nonsense"]}}`, "acl"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1500ms"`), &d); err != nil {
		t.Fatalf("string duration: %v", err)
	}
	if d.Duration != 1500*time.Millisecond {
		t.Fatalf("string duration = %v", d.Duration)
	}
	if err := json.Unmarshal([]byte(`250`), &d); err != nil {
		t.Fatalf("numeric duration: %v", err)
	}
	if d.Duration != 250*time.Millisecond {
		t.Fatalf("numeric duration = %v", d.Duration)
	}
	if err := json.Unmarshal([]byte(`"nonsense"`), &d); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

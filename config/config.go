package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty duration")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			d.Duration = 0
			return nil
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration string %q: %w", s, err)
		}
		d.Duration = dur
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Config struct {
	GuestInterface     string           `json:"guestInterface"`
	PhysicalInterfaces []string         `json:"physicalInterfaces,omitempty"`
	Protocols          ProtocolConfig   `json:"protocols"`
	BroadcastPort      int              `json:"broadcastPort,omitempty"`
	SuppressionWindow  Duration         `json:"suppressionWindow,omitempty"`
	Monitor            MonitorConfig    `json:"monitor"`
	LifelineFD         int              `json:"lifelineFd,omitempty"`
	Management         ManagementConfig `json:"management"`
	Logging            LoggingConfig    `json:"logging"`
}

// ProtocolConfig disables individual protocol classes. The zero value
// forwards all three.
type ProtocolConfig struct {
	DisableMDNS      bool `json:"disableMdns,omitempty"`
	DisableSSDP      bool `json:"disableSsdp,omitempty"`
	DisableBroadcast bool `json:"disableBroadcast,omitempty"`
}

type MonitorConfig struct {
	Disable bool `json:"disable,omitempty"`
}

type ManagementConfig struct {
	Bind string   `json:"bind"`
	ACL  []string `json:"acl,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

func Load(path string) (*Config, error) {
	var reader io.ReadCloser
	if path == "-" {
		reader = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		reader = file
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.GuestInterface = strings.TrimSpace(c.GuestInterface)
	if c.GuestInterface == "" {
		return errors.New("guestInterface must be provided")
	}
	if err := validateInterfaceName(c.GuestInterface); err != nil {
		return fmt.Errorf("invalid guestInterface: %w", err)
	}

	seen := make(map[string]struct{}, len(c.PhysicalInterfaces))
	for i, name := range c.PhysicalInterfaces {
		name = strings.TrimSpace(name)
		c.PhysicalInterfaces[i] = name
		if err := validateInterfaceName(name); err != nil {
			return fmt.Errorf("invalid physical interface: %w", err)
		}
		if name == c.GuestInterface {
			return fmt.Errorf("interface %q cannot be both guest and physical", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate physical interface %q", name)
		}
		seen[name] = struct{}{}
	}

	if c.Protocols.DisableMDNS && c.Protocols.DisableSSDP && c.Protocols.DisableBroadcast {
		return errors.New("all protocol classes are disabled")
	}

	if c.BroadcastPort < 0 || c.BroadcastPort > 65535 {
		return fmt.Errorf("broadcastPort %d out of valid range (0-65535)", c.BroadcastPort)
	}

	if c.SuppressionWindow.Duration < 0 {
		return errors.New("suppressionWindow cannot be negative")
	}
	if c.SuppressionWindow.Duration > time.Minute {
		return errors.New("suppressionWindow above one minute would swallow legitimate traffic")
	}

	// Descriptor 0 is stdin; treat it and anything negative as "no lifeline".
	if c.LifelineFD <= 0 {
		c.LifelineFD = -1
	}

	if c.Management.Bind == "" {
		c.Management.Bind = "127.0.0.1:7878"
	}
	if len(c.Management.ACL) == 0 {
		c.Management.ACL = []string{"127.0.0.0/8"}
	}
	for _, entry := range c.Management.ACL {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid management acl entry %q: %w", entry, err)
		}
	}

	return nil
}

// validateInterfaceName enforces kernel interface-name constraints (IFNAMSIZ).
func validateInterfaceName(name string) error {
	if name == "" {
		return errors.New("interface name must not be empty")
	}
	if len(name) > 15 {
		return fmt.Errorf("interface name %q exceeds 15 characters", name)
	}
	if strings.ContainsAny(name, " /\t\n") {
		return fmt.Errorf("interface name %q contains invalid characters", name)
	}
	return nil
}

func (c *Config) EffectiveBroadcastPort() int {
	if c.BroadcastPort == 0 {
		return 137
	}
	return c.BroadcastPort
}

func (c *Config) EffectiveSuppressionWindow() time.Duration {
	if c.SuppressionWindow.Duration == 0 {
		return time.Second
	}
	return c.SuppressionWindow.Duration
}

func (c *Config) NormalisedLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

func (c *Config) ManagementPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Management.ACL))
	for _, entry := range c.Management.ACL {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

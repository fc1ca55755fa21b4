package dbustest

import (
	"encoding/xml"
	"testing"
)

// dbus-daemon refuses a config with no listen address, even when
// --address overrides it.
func TestConfigListens(t *testing.T) {
	var cfg struct {
		Listen []string `xml:"listen"`
		Auth   []string `xml:"auth"`
	}
	if err := xml.Unmarshal([]byte(dbusConfig), &cfg); err != nil {
		t.Fatalf("parsing bus config: %v", err)
	}
	if len(cfg.Listen) == 0 {
		t.Error("bus config has no listen element")
	}
	if len(cfg.Auth) != 1 || cfg.Auth[0] != "EXTERNAL" {
		t.Errorf("bus config auth = %q, want [EXTERNAL]", cfg.Auth)
	}
}

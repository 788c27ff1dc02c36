package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "graspd":
		return graspdTemplate, nil
	case "objectives":
		return objectivesTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const graspdTemplate = `id = "graspd"
http_addr = "127.0.0.1:7080"
cors_origins = ["http://localhost:3000"]
api_token = ""
objectives_file = "cmd/graspd/objectives.toml"
interfaces = []

# The host has no channel security of its own; set trusted = true only when
# the links are protected by the surrounding infrastructure.
trusted = false
allow_link_local_only = true
cipher_password = ""
cipher_salt = ""

strict = false
rapid_mode = false
test_mode = false

default_timeout = "60s"
discovery_ttl = "10m"
accept_timeout = "30s"
watch_interval = "10s"
relay_gap = "500ms"
relay_burst = 4
`

const objectivesTemplate = `[[objective]]
name = "EX1"
synch = true
loop_count = 6
value = "hello"
ttl_ms = 60000
discoverable = true
rapid = true
flood_interval = "30s"
flood_ttl_ms = 60000

[[objective]]
name = "EX2"
neg = true
value = 10
discoverable = true
`

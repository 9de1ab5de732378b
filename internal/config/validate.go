// internal/config/validate.go
package config

import (
	"fmt"
)

// deviceCapacity mirrors the supported part's geometry (1024 pages of 256
// bytes). Declared locally: the driver package imports config, not the
// other way around.
const deviceCapacity = 256 * 1024

var knownBuses = map[string]bool{
	"serial": true,
	"modbus": true,
	"sim":    true,
}

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if len(cfg.Flash.Channels) == 0 {
		return fmt.Errorf("config: at least one channel required")
	}

	// ------------------------------------------------------------
	// CHANNEL MAP VALIDATION
	// ------------------------------------------------------------

	seen := make(map[uint8]bool)

	for i, ch := range cfg.Flash.Channels {
		if seen[ch.ClientID] {
			return fmt.Errorf("config: duplicate client_id %d (channel index %d)", ch.ClientID, i)
		}
		seen[ch.ClientID] = true

		if !knownBuses[ch.Bus] {
			return fmt.Errorf("config: channel client_id=%d: unknown bus %q", ch.ClientID, ch.Bus)
		}

		if ch.MemoryOffset >= deviceCapacity {
			return fmt.Errorf(
				"config: channel client_id=%d: memory_offset %d exceeds device capacity %d",
				ch.ClientID, ch.MemoryOffset, deviceCapacity,
			)
		}
	}

	// ------------------------------------------------------------
	// BUS ENDPOINT VALIDATION
	// ------------------------------------------------------------

	for _, ch := range cfg.Flash.Channels {
		switch ch.Bus {
		case "serial":
			if cfg.Flash.Serial == nil {
				return fmt.Errorf("config: channel client_id=%d uses serial bus but no serial section is set", ch.ClientID)
			}
			if cfg.Flash.Serial.Address == "" {
				return fmt.Errorf("config: serial address required")
			}
		case "modbus":
			if cfg.Flash.Modbus == nil {
				return fmt.Errorf("config: channel client_id=%d uses modbus bus but no modbus section is set", ch.ClientID)
			}
			if cfg.Flash.Modbus.Endpoint == "" {
				return fmt.Errorf("config: modbus endpoint required")
			}
		}
	}

	if cfg.Flash.HandlerPeriodMs < 0 {
		return fmt.Errorf("config: handler_period_ms must be >= 0")
	}
	if cfg.Flash.WaitTimeoutMs < 0 {
		return fmt.Errorf("config: wait_timeout_ms must be >= 0")
	}

	return nil
}

// internal/config/config.go
package config

type Config struct {
	Flash FlashConfig `yaml:"flash"`
}

type FlashConfig struct {
	HandlerPeriodMs int `yaml:"handler_period_ms"`
	WaitTimeoutMs   int `yaml:"wait_timeout_ms"`

	Channels []ChannelConfig `yaml:"channels"`

	// Bus endpoints. A section is required only when a channel names the
	// corresponding bus kind; the sim bus needs none.
	Serial *SerialConfig `yaml:"serial"`
	Modbus *ModbusConfig `yaml:"modbus"`
}

// ---- CHANNEL MAP ----

type ChannelConfig struct {
	ClientID     uint8  `yaml:"client_id"`
	Bus          string `yaml:"bus"` // serial | modbus | sim
	BoundID      uint8  `yaml:"bound_id"`
	MemoryOffset uint32 `yaml:"memory_offset"`

	WriteProtect *PinConfig `yaml:"write_protect"`
	Reset        *PinConfig `yaml:"reset"`
}

type PinConfig struct {
	Pin         uint8 `yaml:"pin"`
	ActiveLevel bool  `yaml:"active_level"`
}

// ---- BUS ENDPOINTS ----

type SerialConfig struct {
	Address   string `yaml:"address"`
	BaudRate  int    `yaml:"baud_rate"`
	DataBits  int    `yaml:"data_bits"`
	StopBits  int    `yaml:"stop_bits"`
	Parity    string `yaml:"parity"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type ModbusConfig struct {
	Endpoint       string `yaml:"endpoint"`
	UnitID         uint8  `yaml:"unit_id"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	WindowAddress  uint16 `yaml:"window_address"`
	ControlAddress uint16 `yaml:"control_address"`
}

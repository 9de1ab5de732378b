// internal/config/normalize.go
package config

// Normalize applies post-validation defaulting.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Flash.HandlerPeriodMs == 0 {
		cfg.Flash.HandlerPeriodMs = 10
	}
	if cfg.Flash.WaitTimeoutMs == 0 {
		cfg.Flash.WaitTimeoutMs = 50
	}

	if s := cfg.Flash.Serial; s != nil {
		if s.BaudRate == 0 {
			s.BaudRate = 115200
		}
		if s.DataBits == 0 {
			s.DataBits = 8
		}
		if s.StopBits == 0 {
			s.StopBits = 1
		}
		if s.Parity == "" {
			s.Parity = "N"
		}
		if s.TimeoutMs == 0 {
			s.TimeoutMs = 1000
		}
	}

	if m := cfg.Flash.Modbus; m != nil {
		if m.TimeoutMs == 0 {
			m.TimeoutMs = 1000
		}
	}
}

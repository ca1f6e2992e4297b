package config

import "errors"

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Server.PublicBaseURL == "" {
		return errors.New("public base URL must be set")
	}
	if c.Server.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.Server.MaxFrameBytes < 1024 {
		return errors.New("max frame bytes must be at least 1024")
	}
	if c.Server.ProbeInterval < 1 {
		return errors.New("probe interval must be at least 1 second")
	}
	if c.Server.WriteTimeout < 1 {
		return errors.New("write timeout must be at least 1 second")
	}

	if c.Session.EmptyGrace < 1 {
		return errors.New("empty grace must be at least 1 second")
	}
	if c.Session.IdleTimeout < 1 {
		return errors.New("idle timeout must be at least 1 second")
	}
	if c.Session.SweepInterval < 1 {
		return errors.New("sweep interval must be at least 1 second")
	}
	if c.Server.ProbeInterval >= c.Session.IdleTimeout {
		return errors.New("probe interval should be less than idle timeout")
	}
	if c.Session.SweepInterval > c.Session.IdleTimeout {
		return errors.New("sweep interval should not exceed idle timeout")
	}

	return nil
}

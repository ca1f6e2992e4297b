package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.publicBaseURL", "http://localhost:8080")
	v.SetDefault("server.maxConnections", 10000)
	v.SetDefault("server.maxFrameBytes", 1048576)
	v.SetDefault("server.probeInterval", 30)
	v.SetDefault("server.writeTimeout", 10)

	// Session lifecycle
	v.SetDefault("session.emptyGrace", 300)
	v.SetDefault("session.idleTimeout", 1800)
	v.SetDefault("session.sweepInterval", 600)

	// Rate limiting (disabled unless an address is configured)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Events (disabled unless a URL is configured)
	v.SetDefault("nats.url", "")

	// Audit (disabled unless a URL is configured)
	v.SetDefault("audit.databaseURL", "")
}

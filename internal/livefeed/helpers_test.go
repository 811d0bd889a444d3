package livefeed_test

import "emissionguard/internal/config"

func livefeedConfig(transport string) config.LiveConfig {
	cfg := config.DefaultConfig().Live
	cfg.Transport = transport
	return cfg
}

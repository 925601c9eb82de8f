package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by
// "***", safe to log at startup.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so the redacted copy cannot mutate the original.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Engine.EntryDiscounts != nil {
		out.Engine.EntryDiscounts = append([]float64(nil), cfg.Engine.EntryDiscounts...)
	}
	if cfg.Engine.ExitStages != nil {
		out.Engine.ExitStages = append([]float64(nil), cfg.Engine.ExitStages...)
	}

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

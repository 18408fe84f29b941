package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: credentials are
// masked and slices are cloned so the copy cannot alias the original.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Binder.FifteenMinuteSeries = slices.Clone(cfg.Binder.FifteenMinuteSeries)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

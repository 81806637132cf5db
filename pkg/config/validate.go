// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Queue.Backend == "sqs" && strings.TrimSpace(c.Queue.SQSQueueURL) == "" {
		missing = append(missing, "SQS_QUEUE_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Queue.Backend {
	case "redis", "sqs", "memory":
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Payout.BatchSize < 1 {
		return fmt.Errorf("PAYOUT_BATCH_SIZE must be at least 1")
	}

	return nil
}

// ValidateMpesa ensures the provider credentials needed to move money are set.
func (c *Config) ValidateMpesa() error {
	var missing []string
	required := map[string]string{
		"MPESA_CONSUMER_KEY":    c.Mpesa.ConsumerKey,
		"MPESA_CONSUMER_SECRET": c.Mpesa.ConsumerSecret,
		"MPESA_SHORTCODE":       c.Mpesa.ShortCode,
		"MPESA_PASSKEY":         c.Mpesa.PassKey,
		"MPESA_INITIATOR_NAME":  c.Mpesa.InitiatorName,
		"CALLBACK_BASE_URL":     c.Mpesa.CallbackBaseURL,
	}
	for _, key := range []string{
		"MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_SHORTCODE",
		"MPESA_PASSKEY", "MPESA_INITIATOR_NAME", "CALLBACK_BASE_URL",
	} {
		if strings.TrimSpace(required[key]) == "" {
			missing = append(missing, key)
		}
	}
	if c.Mpesa.SecurityCredential == "" && (c.Mpesa.InitiatorPassword == "" || c.Mpesa.CertificatePath == "") {
		missing = append(missing, "MPESA_SECURITY_CREDENTIAL (or MPESA_INITIATOR_PASSWORD and MPESA_CERT_PATH)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing mpesa configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

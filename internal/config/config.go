package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config (send job queue)
	SQSRegion   string
	SQSQueueURL string

	// SMS provider selection: twilio, sns, or log
	SMSProvider string

	// Twilio config
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioStatusCallbackURL string

	// SNS config (fallback SMS transport)
	AWSRegion string
	SNSRegion string

	// PublicBaseURL is the externally visible origin of the API, used for
	// webhook signature verification.
	PublicBaseURL string

	// Short link config
	ShortLinkBaseURL string
	ShortLinkSecret  string

	// Country selects the per-part rate row for estimates.
	Country string

	// EstCostCents is the per-message estimate the budget gate charges
	// against at queue time.
	EstCostCents int

	// Worker config
	WorkerConcurrency int
	MaxSendAttempts   int

	// GlobalSendRatePerMin caps sends per minute across every worker
	// process combined.
	GlobalSendRatePerMin int

	// OpsPort is where the worker exposes metrics and breaker state.
	OpsPort int
}

// Load reads configuration from the environment with sensible defaults.
// A .env file in the working directory is folded in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "smscrm",
		DBPassword: "",
		DBName:     "smscrm",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "ap-southeast-2",

		SMSProvider: "log",

		ShortLinkBaseURL: "http://localhost:8080",
		PublicBaseURL:    "http://localhost:8080",

		Country:      "AU",
		EstCostCents: 8,

		WorkerConcurrency:    5,
		MaxSendAttempts:      5,
		GlobalSendRatePerMin: 10,
		OpsPort:              9090,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Provider config
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		switch provider {
		case "twilio", "sns", "log":
			cfg.SMSProvider = provider
		default:
			return nil, fmt.Errorf("invalid SMS_PROVIDER %q: must be twilio, sns, or log", provider)
		}
	}

	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.TwilioAccountSID = sid
	}

	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.TwilioAuthToken = token
	}

	if url := os.Getenv("TWILIO_STATUS_CALLBACK_URL"); url != "" {
		cfg.TwilioStatusCallbackURL = url
	}

	if cfg.SMSProvider == "twilio" && (cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "") {
		return nil, fmt.Errorf("SMS_PROVIDER=twilio requires TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
	}

	if url := os.Getenv("PUBLIC_BASE_URL"); url != "" {
		cfg.PublicBaseURL = url
	}

	// Short link config
	if url := os.Getenv("SHORTLINK_BASE_URL"); url != "" {
		cfg.ShortLinkBaseURL = url
	} else {
		cfg.ShortLinkBaseURL = cfg.PublicBaseURL
	}

	if secret := os.Getenv("SHORTLINK_SECRET"); secret != "" {
		cfg.ShortLinkSecret = secret
	}

	if country := os.Getenv("SMS_COUNTRY"); country != "" {
		cfg.Country = country
	}

	if cents := os.Getenv("EST_COST_CENTS"); cents != "" {
		c, err := strconv.Atoi(cents)
		if err != nil {
			return nil, fmt.Errorf("invalid EST_COST_CENTS: %w", err)
		}
		cfg.EstCostCents = c
	}

	// Worker config
	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		c, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}

	if n := os.Getenv("MAX_SEND_ATTEMPTS"); n != "" {
		a, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SEND_ATTEMPTS: %w", err)
		}
		cfg.MaxSendAttempts = a
	}

	if n := os.Getenv("GLOBAL_SEND_RATE_PER_MIN"); n != "" {
		r, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid GLOBAL_SEND_RATE_PER_MIN: %w", err)
		}
		cfg.GlobalSendRatePerMin = r
	}

	if port := os.Getenv("OPS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid OPS_PORT: %w", err)
		}
		cfg.OpsPort = p
	}

	return cfg, nil
}

package config

import (
	"encoding/json"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// quota rails
	DefaultDailyLimit int           `envconfig:"WA_DEFAULT_DAILY_LIMIT" default:"500"`
	IdempotencyTTL    time.Duration `envconfig:"WA_IDEMPOTENCY_TTL" default:"48h"`

	// directory/catalog cache
	DirectoryCacheTTL time.Duration `envconfig:"DIRECTORY_CACHE_TTL" default:"5m"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type DispatcherConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"300"`

	// per-batch recipient fan-out
	RecipientConcurrency int `envconfig:"RECIPIENT_CONCURRENCY" default:"4"`

	// Mongo campaign analytics (totalSent counters)
	MongoURI      string `envconfig:"MONGO_URI" required:"true"`
	MongoDatabase string `envconfig:"MONGO_DB" default:"whatsapp-analytics"`

	// Botmaker
	BotmakerToken    string        `envconfig:"BOTMAKER_TOKEN" required:"true"`
	BotmakerBaseURL  string        `envconfig:"BOTMAKER_BASE_URL" default:"https://api.botmaker.com/v2.0"`
	BotmakerCampaign string        `envconfig:"BOTMAKER_CAMPAIGN" default:"crm_mass_send"`
	BotmakerSender   string        `envconfig:"BOTMAKER_SENDER_NAME"`
	BotmakerTimeout  time.Duration `envconfig:"BOTMAKER_TIMEOUT" default:"30s"`
	BotmakerRPS      float64       `envconfig:"BOTMAKER_RPS" default:"10"`
	BotmakerBurst    int           `envconfig:"BOTMAKER_BURST" default:"20"`
}

type WebhookConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Mongo campaign analytics
	MongoURI      string `envconfig:"MONGO_URI" required:"true"`
	MongoDatabase string `envconfig:"MONGO_DB" default:"whatsapp-analytics"`

	// Botmaker, for click-triggered replies
	BotmakerToken   string        `envconfig:"BOTMAKER_TOKEN" required:"true"`
	BotmakerBaseURL string        `envconfig:"BOTMAKER_BASE_URL" default:"https://api.botmaker.com/v2.0"`
	BotmakerTimeout time.Duration `envconfig:"BOTMAKER_TIMEOUT" default:"30s"`

	// click reply templates; advisor map is configuration, not code
	ThankYouTemplate   string `envconfig:"WA_THANKYOU_TEMPLATE" default:"Cliente_Agradecimiento_Link"`
	AdvisorTemplateMap string `envconfig:"WA_ADVISOR_TEMPLATE_MAP" default:"{}"`
	CountryCode        string `envconfig:"WA_COUNTRY_CODE" default:"57"`

	DirectoryCacheTTL time.Duration `envconfig:"DIRECTORY_CACHE_TTL" default:"5m"`
}

// AdvisorTemplates decodes the provider-template-id -> advisor-notification
// template mapping. Absent entries mean no advisor notification is sent.
func (c WebhookConfig) AdvisorTemplates() (map[string]string, error) {
	m := map[string]string{}
	if c.AdvisorTemplateMap == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(c.AdvisorTemplateMap), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

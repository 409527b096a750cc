package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full typed configuration for the return portal. Every
// option the portal honors lives here; there is no dynamic settings store.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Carrier   CarrierConfig   `mapstructure:"carrier"`
	Store     StoreConfig     `mapstructure:"store"`
	Returns   ReturnsConfig   `mapstructure:"returns"`
	Label     LabelConfig     `mapstructure:"label"`
	Bonus     BonusConfig     `mapstructure:"bonus"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	Env        string `mapstructure:"env"`
	ListenAddr string `mapstructure:"listen_addr"`
	// BaseURL is the public origin of the portal, used for activation
	// links and same-origin redirect validation.
	BaseURL string `mapstructure:"base_url"`
	// Secret signs wizard anti-forgery tokens, label-regeneration tokens
	// and free-shipping bonus tokens.
	Secret string `mapstructure:"secret"`
}

type CarrierConfig struct {
	APIKey       string `mapstructure:"api_key"`
	SenderID     string `mapstructure:"sender_id"`
	EndpointBase string `mapstructure:"endpoint_base"`
	// AllowedHosts is the fixed outbound allow-list; requests to any
	// other host are refused before they are sent.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	// BlockExternal mirrors a host-level outbound block: when set, the
	// target host must additionally appear in AccessibleHosts.
	BlockExternal   bool     `mapstructure:"block_external"`
	AccessibleHosts []string `mapstructure:"accessible_hosts"`
	AutoTransfer    bool     `mapstructure:"auto_transfer"`
	// SwapParties makes the store the nominal consignor and the customer
	// the consignee, for carrier label layouts that require it.
	SwapParties     bool `mapstructure:"swap_parties"`
	EmailLabel      bool `mapstructure:"email_label_to_consignee"`
	NotifyConsignee bool `mapstructure:"notify_consignee"`
}

type StoreConfig struct {
	Name         string `mapstructure:"name"`
	Email        string `mapstructure:"email"`
	Address1     string `mapstructure:"address1"`
	Address2     string `mapstructure:"address2"`
	Postcode     string `mapstructure:"postcode"`
	City         string `mapstructure:"city"`
	Country      string `mapstructure:"country"`
	SupportEmail string `mapstructure:"support_email"`
}

type ReturnsConfig struct {
	WindowDays      int      `mapstructure:"window_days"`
	AllowedStatuses []string `mapstructure:"allowed_statuses"`
	// AllowedProducts holds "agreementID|productID" composite keys.
	AllowedProducts []string `mapstructure:"allowed_products"`
	// DefaultServices maps a composite key to additional service ids
	// submitted with every consignment for that product.
	DefaultServices map[string][]string `mapstructure:"default_services"`
	Reasons         []string            `mapstructure:"reasons"`
	FeeSmall        int                 `mapstructure:"fee_small"`
	FeeLarge        int                 `mapstructure:"fee_large"`
}

type LabelConfig struct {
	ValidDays     int    `mapstructure:"valid_days"`
	RetentionDays int    `mapstructure:"retention_days"`
	Dir           string `mapstructure:"dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type BonusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Hours   int  `mapstructure:"hours"`
}

type RateLimitConfig struct {
	WizardAttempts int           `mapstructure:"wizard_attempts"`
	WizardWindow   time.Duration `mapstructure:"wizard_window"`
	RegenAttempts  int           `mapstructure:"regen_attempts"`
	RegenWindow    time.Duration `mapstructure:"regen_window"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SMTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
	From string `mapstructure:"from"`
}

// Load reads the YAML config file and applies defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "returportal")
	v.SetDefault("app.listen_addr", ":9000")
	v.SetDefault("carrier.endpoint_base", "https://api.cargonizer.no/")
	v.SetDefault("carrier.allowed_hosts", []string{
		"api.cargonizer.no", "api.cargonizer.logistra.no", "cargonizer.no", "sandbox.cargonizer.no",
	})
	v.SetDefault("carrier.email_label_to_consignee", true)
	v.SetDefault("returns.window_days", 30)
	v.SetDefault("returns.allowed_statuses", []string{"processing", "completed"})
	v.SetDefault("returns.fee_small", 69)
	v.SetDefault("returns.fee_large", 129)
	v.SetDefault("label.valid_days", 14)
	v.SetDefault("label.retention_days", 30)
	v.SetDefault("label.dir", "./data/labels")
	v.SetDefault("bonus.enabled", true)
	v.SetDefault("bonus.hours", 24)
	v.SetDefault("rate_limit.wizard_attempts", 20)
	v.SetDefault("rate_limit.wizard_window", 15*time.Minute)
	v.SetDefault("rate_limit.regen_attempts", 20)
	v.SetDefault("rate_limit.regen_window", 10*time.Minute)
	v.SetDefault("kafka.topic", "return_events")
}

// Validate checks the settings the portal cannot run without.
func (c *Config) Validate() error {
	if c.App.Secret == "" {
		return fmt.Errorf("app.secret is required")
	}
	if c.App.BaseURL == "" {
		return fmt.Errorf("app.base_url is required")
	}
	if c.Carrier.APIKey == "" || c.Carrier.SenderID == "" {
		return fmt.Errorf("carrier.api_key and carrier.sender_id are required")
	}
	return nil
}

package config

import "time"

// Validation tags described here: https://pkg.go.dev/github.com/go-playground/validator/v10
type Config struct {
	DB struct {
		URL      string `env:"DATABASE_URL"       flag:"database-url"       validate:"required"      desc:"postgres connection string"`
		MaxConns int    `env:"DATABASE_MAX_CONNS" flag:"database-max-conns" validate:"omitempty,min=1" desc:"upper bound for the pgx pool"`
	}
	Environment string `env:"ENVIRONMENT" flag:"environment"`
	JWT         struct {
		Secret string        `env:"JWT_SECRET" flag:"jwt-secret" validate:"required,min=16" desc:"HS256 signing secret"`
		TTL    time.Duration `env:"JWT_TTL"    flag:"jwt-ttl"    validate:"omitempty"       desc:"issued token lifetime"`
	}
	Log struct {
		Color  bool   `env:"LOG_COLOR"   flag:"log-color"`
		IsProd bool   `env:"LOG_IS_PROD" flag:"log-is-prod" desc:"affects the format of the log output"`
		JSON   bool   `env:"LOG_JSON"    flag:"log-json"`
		Level  string `env:"LOG_LEVEL"   flag:"log-level"   validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
	}
	Web struct {
		Address string `env:"WEB_ADDRESS" flag:"web-address" validate:"required,hostname_port" desc:"http server address host:port"`
	}
}

func (cfg *Config) SetDefaults() {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	// DB
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 16
	}

	// JWT
	if cfg.JWT.TTL == 0 {
		cfg.JWT.TTL = 24 * time.Hour
	}

	// Log
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Web
	if cfg.Web.Address == "" {
		cfg.Web.Address = "0.0.0.0:8080"
	}
}

// GetSanitized returns a copy of the config with sensitive data removed
// explicitly adding each field here to avoid accidentally leaking sensitive data
func (cfg *Config) GetSanitized() interface{} {
	publicCfg := Config{}

	publicCfg.DB.MaxConns = cfg.DB.MaxConns
	publicCfg.Environment = cfg.Environment

	publicCfg.JWT.TTL = cfg.JWT.TTL

	publicCfg.Log.Color = cfg.Log.Color
	publicCfg.Log.IsProd = cfg.Log.IsProd
	publicCfg.Log.JSON = cfg.Log.JSON
	publicCfg.Log.Level = cfg.Log.Level

	publicCfg.Web.Address = cfg.Web.Address

	return publicCfg
}

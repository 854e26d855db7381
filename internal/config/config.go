package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string        `yaml:"env" env:"ENV" env-default:"local"`
	Mongo     MongoConfig   `yaml:"mongo"`
	JWT       JWTConfig     `yaml:"jwt"`
	APIKeys   APIKeyConfig  `yaml:"api_keys"`
	OpTimeout time.Duration `yaml:"op_timeout" env:"OP_TIMEOUT" env-default:"5s"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI" env-required:"true"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"keygate"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret" env:"JWT_SECRET" env-required:"true"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"JWT_ACCESS_TTL" env-default:"15m"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"JWT_REFRESH_TTL" env-default:"720h"`
}

type APIKeyConfig struct {
	// EncKeyBase64 is the server-held 32-byte AES key, standard base64.
	EncKeyBase64      string `yaml:"enc_key_base64" env:"API_KEY_ENC_KEY_BASE64" env-required:"true"`
	RequestsPerMinute int32  `yaml:"requests_per_minute" env:"API_KEY_REQUESTS_PER_MINUTE" env-default:"60"`
	RequestsPerDay    int64  `yaml:"requests_per_day" env:"API_KEY_REQUESTS_PER_DAY" env-default:"10000"`
}

// LoadConfig reads configuration from the given yaml file plus the
// environment, or from the environment alone when path is empty.
func LoadConfig(path string) *Config {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("failed to read config from env: " + err.Error())
		}
		return &cfg
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

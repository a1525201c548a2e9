package shareprice

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Endpoints struct {
	HttpUrl string
	WsUrl   string
}

// the same backend serves both channels
func EndpointsForMode(mode string) *Endpoints {
	switch mode {
	case ModeProduction:
		return &Endpoints{
			HttpUrl: "http://backend.shareprice.online/graphql",
			WsUrl:   "ws://backend.shareprice.online/graphql",
		}
	default:
		return &Endpoints{
			HttpUrl: "http://localhost:4000/graphql",
			WsUrl:   "ws://localhost:4000/graphql",
		}
	}
}

type ReconnectConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Config struct {
	Mode      string          `yaml:"mode"`
	HttpUrl   string          `yaml:"http_url"`
	WsUrl     string          `yaml:"ws_url"`
	Token     string          `yaml:"token"`
	Timeout   time.Duration   `yaml:"timeout"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// LoadConfig builds the config from, in order:
// mode defaults, the yaml file at `path` (optional), and the environment.
// Outside production a `.env` file is loaded into the environment first.
//
// SP_ENV      development|production
// SP_HTTP_URL overrides the http endpoint
// SP_WS_URL   overrides the websocket endpoint
// SP_TOKEN    the auth token
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("SP_ENV") != ModeProduction {
		// in production the environment is set by the deployment
		if err := godotenv.Load(); err != nil {
			glog.V(2).Infof("[config].env not loaded = %s\n", err)
		}
	}

	mode := os.Getenv("SP_ENV")
	if mode == "" {
		mode = ModeDevelopment
	}

	config := DefaultConfig(mode)

	if path != "" {
		configBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			return nil, fmt.Errorf("Parse config %s: %w", path, err)
		}
		if config.Mode != mode {
			// a file mode changes the default endpoints unless the file also sets them
			modeEndpoints := EndpointsForMode(config.Mode)
			defaultEndpoints := EndpointsForMode(mode)
			if config.HttpUrl == defaultEndpoints.HttpUrl {
				config.HttpUrl = modeEndpoints.HttpUrl
			}
			if config.WsUrl == defaultEndpoints.WsUrl {
				config.WsUrl = modeEndpoints.WsUrl
			}
		}
	}

	if httpUrl := os.Getenv("SP_HTTP_URL"); httpUrl != "" {
		config.HttpUrl = httpUrl
	}
	if wsUrl := os.Getenv("SP_WS_URL"); wsUrl != "" {
		config.WsUrl = wsUrl
	}
	if token := os.Getenv("SP_TOKEN"); token != "" {
		config.Token = token
	}

	return config, nil
}

func DefaultConfig(mode string) *Config {
	endpoints := EndpointsForMode(mode)
	duplexSettings := DefaultDuplexChannelSettings()
	return &Config{
		Mode:    mode,
		HttpUrl: endpoints.HttpUrl,
		WsUrl:   endpoints.WsUrl,
		Timeout: DefaultHttpChannelSettings().HttpTimeout,
		Reconnect: ReconnectConfig{
			MaxAttempts:     duplexSettings.MaxReconnectAttempts,
			InitialInterval: duplexSettings.InitialReconnectInterval,
			MaxInterval:     duplexSettings.MaxReconnectInterval,
		},
	}
}

func (self *Config) Endpoints() *Endpoints {
	return &Endpoints{
		HttpUrl: self.HttpUrl,
		WsUrl:   self.WsUrl,
	}
}

func (self *Config) ClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	if 0 < self.Timeout {
		settings.Http.HttpTimeout = self.Timeout
	}
	settings.Duplex.MaxReconnectAttempts = self.Reconnect.MaxAttempts
	if 0 < self.Reconnect.InitialInterval {
		settings.Duplex.InitialReconnectInterval = self.Reconnect.InitialInterval
	}
	if 0 < self.Reconnect.MaxInterval {
		settings.Duplex.MaxReconnectInterval = self.Reconnect.MaxInterval
	}
	return settings
}

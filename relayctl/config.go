package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ideagraph/relay/relay"
)

const RelayUrlEnv = "RELAY_URL"

// durations are go duration strings, e.g. "5s" or "250ms"
type fileConfig struct {
	RelayUrl               string `toml:"relay_url"`
	HandshakeTimeout       string `toml:"handshake_timeout"`
	ReconnectTimeout       string `toml:"reconnect_timeout"`
	PingTimeout            string `toml:"ping_timeout"`
	WriteTimeout           string `toml:"write_timeout"`
	ReadTimeout            string `toml:"read_timeout"`
	PublishTimeout         string `toml:"publish_timeout"`
	DispatchTimeout        string `toml:"dispatch_timeout"`
	SubscriptionBufferSize int    `toml:"subscription_buffer_size"`
	ResubscribeOnReconnect bool   `toml:"resubscribe_on_reconnect"`
}

type clientConfig struct {
	relayUrl string
	settings *relay.ClientSettings
	// the file set `resubscribe_on_reconnect` explicitly
	resubscribeDefined bool
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		settings: relay.DefaultClientSettings(),
	}
}

// an empty path returns the defaults
func loadClientConfig(path string) (*clientConfig, error) {
	config := defaultClientConfig()
	if path == "" {
		return config, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load relay config: %w", err)
	}

	if meta.IsDefined("relay_url") {
		config.relayUrl = strings.TrimSpace(raw.RelayUrl)
	}

	durations := []struct {
		key   string
		value string
		out   *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &config.settings.WsHandshakeTimeout},
		{"reconnect_timeout", raw.ReconnectTimeout, &config.settings.ReconnectTimeout},
		{"ping_timeout", raw.PingTimeout, &config.settings.PingTimeout},
		{"write_timeout", raw.WriteTimeout, &config.settings.WriteTimeout},
		{"read_timeout", raw.ReadTimeout, &config.settings.ReadTimeout},
		{"publish_timeout", raw.PublishTimeout, &config.settings.PublishTimeout},
		{"dispatch_timeout", raw.DispatchTimeout, &config.settings.DispatchTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("parse %s: negative duration %s", d.key, v)
		}
		*d.out = v
	}

	if meta.IsDefined("subscription_buffer_size") {
		if raw.SubscriptionBufferSize < 0 {
			return nil, fmt.Errorf("subscription_buffer_size must not be negative (%d)", raw.SubscriptionBufferSize)
		}
		config.settings.SubscriptionBufferSize = raw.SubscriptionBufferSize
	}

	if meta.IsDefined("resubscribe_on_reconnect") {
		config.settings.ResubscribeOnReconnect = raw.ResubscribeOnReconnect
		config.resubscribeDefined = true
	}

	if undecoded := meta.Undecoded(); 0 < len(undecoded) {
		keys := []string{}
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		Err.Printf("Ignoring unknown config keys: %s\n", strings.Join(keys, ", "))
	}

	return config, nil
}

// subscribe keeps the subscription across relay restarts unless the file says otherwise
func (self *clientConfig) applySubscribeDefaults() {
	if !self.resubscribeDefined {
		self.settings.ResubscribeOnReconnect = true
	}
}

// the relay url in priority order: flag, config file, environment, default
func (self *clientConfig) resolveRelayUrl(flagRelayUrl string) string {
	if flagRelayUrl != "" {
		return flagRelayUrl
	}
	if self.relayUrl != "" {
		return self.relayUrl
	}
	if envRelayUrl := strings.TrimSpace(os.Getenv(RelayUrlEnv)); envRelayUrl != "" {
		return envRelayUrl
	}
	return relay.DefaultRelayUrl
}

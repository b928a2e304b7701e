package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
	"github.com/coachpo/meltica-streams/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-streams/internal/stream"
)

const (
	defaultQueueSize   = 4096
	defaultPoolSize    = 4096
	defaultPoolCeiling = 65536
)

// ReconnectConfig mirrors stream.ReconnectPolicy. Zero fields take the policy defaults.
type ReconnectConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	ResetOnCodes      []int         `yaml:"resetOnCodes"`
}

// CredentialsConfig names the environment variables holding API keys. Secrets never
// live in the YAML file.
type CredentialsConfig struct {
	APIKeyEnv    string `yaml:"apiKeyEnv"`
	APISecretEnv string `yaml:"apiSecretEnv"`
}

// StreamConfig describes one exchange connection.
type StreamConfig struct {
	Name             string            `yaml:"name"`
	Exchange         string            `yaml:"exchange"`
	Domain           string            `yaml:"domain"`
	URL              string            `yaml:"url"`
	RESTBaseURL      string            `yaml:"restBaseURL"`
	Symbols          []string          `yaml:"symbols"`
	Channels         []string          `yaml:"channels"`
	Heartbeat        time.Duration     `yaml:"heartbeat"`
	HeartbeatTimeout time.Duration     `yaml:"heartbeatTimeout"`
	KeepAlive        time.Duration     `yaml:"keepAlive"`
	QueueSize        int               `yaml:"queueSize"`
	PoolSize         int               `yaml:"poolSize"`
	PoolCeiling      int               `yaml:"poolCeiling"`
	Reconnect        ReconnectConfig   `yaml:"reconnect"`
	Credentials      CredentialsConfig `yaml:"credentials"`
}

func (s *StreamConfig) applyDefaults(index int) {
	s.Exchange = exchangeKey(s.Exchange)
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	if s.Domain == "" {
		s.Domain = shared.DomainPublic
	}
	s.Name = streamName(s.Name)
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s-%s-%d", s.Exchange, s.Domain, index)
	}
	s.URL = strings.TrimSpace(s.URL)
	s.RESTBaseURL = strings.TrimSpace(s.RESTBaseURL)
	if s.QueueSize <= 0 {
		s.QueueSize = defaultQueueSize
	}
	if s.PoolSize <= 0 {
		s.PoolSize = defaultPoolSize
	}
	if s.PoolCeiling < s.PoolSize {
		s.PoolCeiling = max(defaultPoolCeiling, s.PoolSize)
	}
}

func (s StreamConfig) validate() error {
	if s.Exchange == "" {
		return fmt.Errorf("exchange required")
	}
	switch s.Domain {
	case shared.DomainPublic, shared.DomainPrivate:
	default:
		return fmt.Errorf("domain must be public or private")
	}
	if _, err := s.ParsedSymbols(); err != nil {
		return err
	}
	channels, err := s.ParsedChannels()
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return fmt.Errorf("at least one channel required")
	}
	private := s.Domain == shared.DomainPrivate
	accountOnly := true
	for _, ch := range channels {
		if ch.Private() != private {
			return fmt.Errorf("channel %q does not belong to the %s domain", ch, s.Domain)
		}
		if ch != schema.ChannelBalances {
			accountOnly = false
		}
	}
	if len(s.Symbols) == 0 && !accountOnly {
		return fmt.Errorf("symbols required unless every channel is balances")
	}
	if private && (strings.TrimSpace(s.Credentials.APIKeyEnv) == "" || strings.TrimSpace(s.Credentials.APISecretEnv) == "") {
		return fmt.Errorf("private streams require credentials apiKeyEnv and apiSecretEnv")
	}
	if s.Heartbeat < 0 || s.HeartbeatTimeout < 0 || s.KeepAlive < 0 {
		return fmt.Errorf("heartbeat and keepAlive intervals must be >=0")
	}
	r := s.Reconnect
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect maxAttempts must be >=0")
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		return fmt.Errorf("reconnect backoffMultiplier must be >=1")
	}
	if r.InitialDelay > 0 && r.MaxDelay > 0 && r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("reconnect maxDelay must be >= initialDelay")
	}
	return nil
}

// ParsedSymbols converts the configured symbols to canonical form.
func (s StreamConfig) ParsedSymbols() ([]schema.Symbol, error) {
	out := make([]schema.Symbol, 0, len(s.Symbols))
	for _, raw := range s.Symbols {
		sym, err := schema.ParseSymbol(raw)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", raw, err)
		}
		out = append(out, sym)
	}
	return out, nil
}

// ParsedChannels converts the configured channel names.
func (s StreamConfig) ParsedChannels() ([]schema.Channel, error) {
	out := make([]schema.Channel, 0, len(s.Channels))
	for _, raw := range s.Channels {
		ch := schema.Channel(strings.ToLower(strings.TrimSpace(raw)))
		if !ch.Valid() {
			return nil, fmt.Errorf("unknown channel %q", raw)
		}
		out = append(out, ch)
	}
	return out, nil
}

// Policy returns the reconnect policy with defaults filled in.
func (s StreamConfig) Policy() stream.ReconnectPolicy {
	policy := stream.ReconnectPolicy{
		MaxAttempts:  s.Reconnect.MaxAttempts,
		InitialDelay: s.Reconnect.InitialDelay,
		Multiplier:   s.Reconnect.BackoffMultiplier,
		MaxDelay:     s.Reconnect.MaxDelay,
		ResetOnCodes: s.Reconnect.ResetOnCodes,
	}.WithDefaults()
	if len(policy.ResetOnCodes) == 0 {
		policy.ResetOnCodes = stream.DefaultReconnectPolicy().ResetOnCodes
	}
	return policy
}

// ResolveCredentials reads the API keys from the environment through lookup, which
// defaults to os.LookupEnv.
func (s StreamConfig) ResolveCredentials(lookup func(string) (string, bool)) shared.Credentials {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var creds shared.Credentials
	if name := strings.TrimSpace(s.Credentials.APIKeyEnv); name != "" {
		creds.APIKey, _ = lookup(name)
	}
	if name := strings.TrimSpace(s.Credentials.APISecretEnv); name != "" {
		creds.APISecret, _ = lookup(name)
	}
	return creds
}

// Params builds the adapter factory parameters for this stream.
func (s StreamConfig) Params(logger *zap.Logger, lookup func(string) (string, bool)) shared.Params {
	return shared.Params{
		Domain:            s.Domain,
		URL:               s.URL,
		RESTBaseURL:       s.RESTBaseURL,
		Credentials:       s.ResolveCredentials(lookup),
		Policy:            s.Policy(),
		HeartbeatInterval: s.Heartbeat,
		KeepAliveInterval: s.KeepAlive,
		Logger:            logger,
	}
}

// ClientConfig builds the stream client tuning for this stream.
func (s StreamConfig) ClientConfig(logger *zap.Logger) stream.Config {
	return stream.Config{
		Domain:           s.Domain,
		QueueSize:        s.QueueSize,
		PoolSize:         s.PoolSize,
		PoolCeiling:      s.PoolCeiling,
		HeartbeatTimeout: s.HeartbeatTimeout,
		Logger:           logger,
	}
}

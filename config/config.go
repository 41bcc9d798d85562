// Package config holds the immutable settings of a payment processor and the
// loaders that build them from Go values, generic maps and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
)

// Facilitator modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
	ModeHybrid = "hybrid"
)

// Settle policies.
const (
	PolicyBlockOnFailure = "block-on-failure"
	PolicyLogAndContinue = "log-and-continue"
)

const (
	DefaultEnvPrefix         = "X402_"
	DefaultPrivateKeyEnv     = "X402_SIGNER_KEY"
	DefaultRPCURLEnv         = "X402_RPC_URL"
	DefaultMimeType          = "application/json"
	DefaultMaxTimeoutSeconds = 60
	DefaultRemoteTimeout     = 20 * time.Second
	DefaultReceiptTimeout    = 60 * time.Second
	DefaultAssetDecimals     = 6
)

// LocalConfig configures the self-hosted facilitator. Secrets are never stored
// here, only the names of the environment variables that hold them.
type LocalConfig struct {
	PrivateKeyEnv      string        `mapstructure:"private_key_env"`
	RPCURLEnv          string        `mapstructure:"rpc_url_env"`
	VerifyBalance      bool          `mapstructure:"verify_balance"`
	SimulateBeforeSend bool          `mapstructure:"simulate_before_send"`
	WaitForReceipt     bool          `mapstructure:"wait_for_receipt"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout"`

	// NonceTTL bounds how long used nonces are remembered. Zero keeps them
	// for the lifetime of the process.
	NonceTTL time.Duration `mapstructure:"nonce_ttl"`
}

// RemoteConfig configures an external facilitator service.
type RemoteConfig struct {
	URL     string            `mapstructure:"url" validate:"required,url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`

	// DisableFallback stops hybrid mode from asking the remote facilitator
	// when local verification fails.
	DisableFallback bool `mapstructure:"disable_fallback"`
}

type Config struct {
	Network      string `mapstructure:"network" validate:"required"`
	Price        string `mapstructure:"price" validate:"required"`
	PayToAddress string `mapstructure:"pay_to_address" validate:"required"`

	ProtectedPaths    []string `mapstructure:"protected_paths"`
	FacilitatorMode   string   `mapstructure:"facilitator_mode" validate:"oneof=local remote hybrid"`
	Description       string   `mapstructure:"description"`
	MimeType          string   `mapstructure:"mime_type"`
	MaxTimeoutSeconds int      `mapstructure:"max_timeout_seconds" validate:"gte=0"`
	Discoverable      bool     `mapstructure:"discoverable"`

	SettlePolicy       string        `mapstructure:"settle_policy" validate:"oneof=block-on-failure log-and-continue"`
	ReplayCacheEnabled bool          `mapstructure:"replay_cache_enabled"`
	ReplayCacheTTL     time.Duration `mapstructure:"replay_cache_ttl"`

	// Asset and AssetDecimals override the network registry. Asset is
	// required for networks the registry does not know.
	Asset         string `mapstructure:"asset"`
	AssetDecimals int32  `mapstructure:"asset_decimals" validate:"gte=0,lte=36"`

	LogLevel string `mapstructure:"log_level"`

	Local  *LocalConfig  `mapstructure:"local"`
	Remote *RemoteConfig `mapstructure:"remote"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Default returns a Config carrying every default except the three required
// fields.
func Default() Config {
	return Config{
		ProtectedPaths:    []string{"*"},
		FacilitatorMode:   ModeLocal,
		MimeType:          DefaultMimeType,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		Discoverable:      true,
		SettlePolicy:      PolicyBlockOnFailure,
		LogLevel:          "info",
	}
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		PrivateKeyEnv:      DefaultPrivateKeyEnv,
		RPCURLEnv:          DefaultRPCURLEnv,
		SimulateBeforeSend: true,
		ReceiptTimeout:     DefaultReceiptTimeout,
	}
}

// New validates c, fills unset optional fields and returns a private copy.
// Boolean fields are taken as given; start from Default() to get
// Discoverable=true.
func New(c Config) (*Config, error) {
	cfg := c.Clone()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Clone returns a deep copy; the result shares no slices, maps or nested
// configs with c.
func (c *Config) Clone() *Config {
	out := *c
	out.ProtectedPaths = append([]string(nil), c.ProtectedPaths...)
	if c.Local != nil {
		l := *c.Local
		out.Local = &l
	}
	if c.Remote != nil {
		r := *c.Remote
		if c.Remote.Headers != nil {
			r.Headers = make(map[string]string, len(c.Remote.Headers))
			for k, v := range c.Remote.Headers {
				r.Headers[k] = v
			}
		}
		out.Remote = &r
	}
	return &out
}

func (c *Config) applyDefaults() {
	c.Network = strings.TrimSpace(c.Network)
	c.Price = strings.TrimSpace(c.Price)
	c.PayToAddress = strings.TrimSpace(c.PayToAddress)

	if len(c.ProtectedPaths) == 0 {
		c.ProtectedPaths = []string{"*"}
	}
	if c.FacilitatorMode == "" {
		c.FacilitatorMode = ModeLocal
	}
	if c.MimeType == "" {
		c.MimeType = DefaultMimeType
	}
	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if c.SettlePolicy == "" {
		c.SettlePolicy = PolicyBlockOnFailure
	}
	if c.AssetDecimals == 0 {
		c.AssetDecimals = DefaultAssetDecimals
		if info, ok := types.LookupNetwork(c.Network); ok {
			c.AssetDecimals = info.Decimals
		}
	}

	if c.FacilitatorMode == ModeLocal || c.FacilitatorMode == ModeHybrid {
		if c.Local == nil {
			l := DefaultLocalConfig()
			c.Local = &l
		}
		if c.Local.PrivateKeyEnv == "" {
			c.Local.PrivateKeyEnv = DefaultPrivateKeyEnv
		}
		if c.Local.RPCURLEnv == "" {
			c.Local.RPCURLEnv = DefaultRPCURLEnv
		}
		if c.Local.ReceiptTimeout == 0 {
			c.Local.ReceiptTimeout = DefaultReceiptTimeout
		}
	}

	if c.Remote != nil && c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultRemoteTimeout
	}
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}

	if (c.FacilitatorMode == ModeRemote || c.FacilitatorMode == ModeHybrid) && c.Remote == nil {
		return types.ConfigError("remote facilitator config required when facilitator_mode='%s'", c.FacilitatorMode)
	}

	family, err := types.DetectChainFamily(c.Network)
	if err != nil {
		return types.ConfigError("invalid network: %v", err)
	}

	if err := utils.ValidateAddress(family, c.PayToAddress); err != nil {
		return types.ConfigError("invalid pay_to_address: %v", err)
	}

	if _, ok := types.LookupNetwork(c.Network); !ok && c.Asset == "" {
		return types.ConfigError("asset is required for network '%s'", c.Network)
	}
	if c.Asset != "" {
		if err := utils.ValidateAddress(family, c.Asset); err != nil {
			return types.ConfigError("invalid asset: %v", err)
		}
	}

	if _, err := utils.PriceToAtomic(c.Price, c.AssetDecimals); err != nil {
		return types.ConfigError("%v", err)
	}

	return nil
}

// Family returns the chain family of the configured network. It is only
// meaningful on a validated Config.
func (c *Config) Family() types.ChainFamily {
	family, _ := types.DetectChainFamily(c.Network)
	return family
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.ConfigError("invalid configuration: %v", err)
	}

	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	switch fe.Tag() {
	case "required":
		return types.ConfigError("%s is required", field)
	case "oneof":
		opts := strings.Fields(fe.Param())
		return types.ConfigError("%s must be one of '%s', got '%v'", field, strings.Join(opts, "', '"), fe.Value())
	case "url":
		return types.ConfigError("%s must be a valid URL, got '%v'", field, fe.Value())
	default:
		return types.ConfigError("%s failed '%s' validation", field, fe.Tag())
	}
}

// FromMap decodes snake_case keys onto Default() and validates the result.
// Nested "local" and "remote" maps are accepted; unset keys of "local" keep
// their defaults. Durations may be strings ("30s") or whole seconds.
func FromMap(m map[string]any) (*Config, error) {
	cfg := Default()

	if local, ok := m["local"]; ok && local != nil {
		l := DefaultLocalConfig()
		cfg.Local = &l
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, types.ConfigError("invalid configuration: %v", err)
	}

	if err := dec.Decode(m); err != nil {
		return nil, types.ConfigError("invalid configuration: %v", err)
	}

	return New(cfg)
}

func secondsToDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}

	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int32:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return data, nil
	}
}

var envKeys = []string{
	"protected_paths",
	"facilitator_mode",
	"description",
	"mime_type",
	"max_timeout_seconds",
	"discoverable",
	"settle_policy",
	"replay_cache_enabled",
	"log_level",
}

var requiredEnvKeys = []string{"network", "price", "pay_to_address"}

// FromEnv loads the configuration from <prefix>NETWORK, <prefix>PRICE and
// friends. An empty prefix means DefaultEnvPrefix.
func FromEnv(prefix string) (*Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	envName := func(key string) string {
		return prefix + strings.ToUpper(key)
	}

	m := make(map[string]any)
	var missing []string
	for _, key := range requiredEnvKeys {
		v := strings.TrimSpace(os.Getenv(envName(key)))
		if v == "" {
			missing = append(missing, envName(key))
			continue
		}
		m[key] = v
	}
	if len(missing) > 0 {
		return nil, types.ConfigError("Missing required environment variables: %s", strings.Join(missing, ", "))
	}

	for _, key := range envKeys {
		if v, ok := os.LookupEnv(envName(key)); ok && strings.TrimSpace(v) != "" {
			m[key] = strings.TrimSpace(v)
		}
	}

	if paths, ok := m["protected_paths"].(string); ok {
		var list []string
		for _, p := range strings.Split(paths, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		m["protected_paths"] = list
	}

	if url := strings.TrimSpace(os.Getenv(envName("remote_url"))); url != "" {
		m["remote"] = map[string]any{"url": url}
	}

	cfg, err := FromMap(m)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// String never includes secrets; Local only names environment variables.
func (c *Config) String() string {
	return fmt.Sprintf("x402 config network=%s mode=%s paths=%v policy=%s", c.Network, c.FacilitatorMode, c.ProtectedPaths, c.SettlePolicy)
}

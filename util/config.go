package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "pikefed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string
		HttpPort     int    `yaml:"httpPort"`
		SslDomain    string `yaml:"sslDomain"`
		RequireHttps bool   `yaml:"requireHttps"`
		RedisAddr    string `yaml:"redisAddr"`
	}
	Federation FederationConfig `yaml:"federation"`
}

// UnsignedPeer is one entry of the narrowly-scoped unsigned-activity
// allowlist: exact actor, exact activity type.
type UnsignedPeer struct {
	Actor string `yaml:"actor"`
	Type  string `yaml:"type"`
}

type FederationConfig struct {
	Workers               int            `yaml:"workers"`
	AllowedInstances      []string       `yaml:"allowedInstances"`
	BlockedInstances      []string       `yaml:"blockedInstances"`
	BlockedPhrases        []string       `yaml:"blockedPhrases"`
	AllowUnsigned         bool           `yaml:"allowUnsigned"`
	UnsignedAllowlist     []UnsignedPeer `yaml:"unsignedAllowlist"`
	FetchFallbackSoftware []string       `yaml:"fetchFallbackSoftware"`
	RelaySoftware         []string       `yaml:"relaySoftware"`
	RelayAllowedSoftware  []string       `yaml:"relayAllowedSoftware"`
	AnnounceDepthMax      int            `yaml:"announceDepthMax"`
	AnnouncesPerObject    int            `yaml:"announcesPerObject"`
	ActorsPerInstanceHour int            `yaml:"actorsPerInstanceHour"`
	ActorsPerInstanceDay  int            `yaml:"actorsPerInstanceDay"`
	ActorsGlobalHour      int            `yaml:"actorsGlobalHour"`
	VotesPerActorHour     int            `yaml:"votesPerActorHour"`
	DisableDownvotes      bool           `yaml:"disableDownvotes"`
	DormantAfterDays      int            `yaml:"dormantAfterDays"`
	MaxBodyBytes          int64          `yaml:"maxBodyBytes"`
	GlobalRatePerSec      float64        `yaml:"globalRatePerSec"`
	GlobalRateBurst       int            `yaml:"globalRateBurst"`
	InboxRatePerSec       float64        `yaml:"inboxRatePerSec"`
	InboxRateBurst        int            `yaml:"inboxRateBurst"`
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("PIKEFED_HOST")
	envHttpPort := os.Getenv("PIKEFED_HTTPPORT")
	envSslDomain := os.Getenv("PIKEFED_SSLDOMAIN")
	envRequireHttps := os.Getenv("PIKEFED_REQUIRE_HTTPS")
	envRedisAddr := os.Getenv("PIKEFED_REDIS_ADDR")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envRequireHttps == "true" {
		c.Conf.RequireHttps = true
	}

	if envRedisAddr != "" {
		c.Conf.RedisAddr = envRedisAddr
	}

	c.Federation.applyDefaults()

	return c, nil
}

func (f *FederationConfig) applyDefaults() {
	if f.Workers <= 0 {
		f.Workers = 4
	}
	if f.AnnounceDepthMax <= 0 {
		f.AnnounceDepthMax = 2
	}
	if f.AnnouncesPerObject <= 0 {
		f.AnnouncesPerObject = 10
	}
	if f.ActorsPerInstanceHour <= 0 {
		f.ActorsPerInstanceHour = 100
	}
	if f.ActorsPerInstanceDay <= 0 {
		f.ActorsPerInstanceDay = 1000
	}
	if f.ActorsGlobalHour <= 0 {
		f.ActorsGlobalHour = 2000
	}
	if f.VotesPerActorHour <= 0 {
		f.VotesPerActorHour = 120
	}
	if f.DormantAfterDays <= 0 {
		f.DormantAfterDays = 30
	}
	if f.MaxBodyBytes <= 0 {
		f.MaxBodyBytes = 1_000_000
	}
	if f.GlobalRatePerSec <= 0 {
		f.GlobalRatePerSec = 10
	}
	if f.GlobalRateBurst <= 0 {
		f.GlobalRateBurst = 20
	}
	if f.InboxRatePerSec <= 0 {
		f.InboxRatePerSec = 5
	}
	if f.InboxRateBurst <= 0 {
		f.InboxRateBurst = 10
	}
	if f.RelaySoftware == nil {
		f.RelaySoftware = []string{"activityrelay", "aoderelay", "pub-relay", "fedibuzz"}
	}
}

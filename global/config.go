package global

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Conf global config
var Conf Config

type Config struct {
	Version string        `yaml:"version"`
	Mode    string        `yaml:"mode"` // debug or release
	CouchDB CouchDBConfig `yaml:"couchdb"`
	Redis   RedisConfig   `yaml:"redis"`
	Queue   Queue         `yaml:"queue"`
	Kek     KekConfig     `yaml:"kek"`
	E2EE    E2EEConfig    `yaml:"e2ee"`
	Storage StorageConfig `yaml:"storage"`
}

type CouchDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Scheme   string `yaml:"scheme"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Username string `yaml:"username"`
}

type Queue struct {
	Concurrency int `yaml:"concurrency"`
}

// KekConfig selects the key encryption key provider. Provider is either
// "local" (argon2 derived from secretHex) or "kms" (remote wrap/unwrap endpoint).
type KekConfig struct {
	Provider string         `yaml:"provider"`
	Local    LocalKekConfig `yaml:"local"`
	Kms      KmsKekConfig   `yaml:"kms"`
}

type LocalKekConfig struct {
	SecretHex string `yaml:"secretHex"`
	SaltHex   string `yaml:"saltHex"`
}

type KmsKekConfig struct {
	Endpoint       string `yaml:"endpoint"`
	KeyID          string `yaml:"keyId"`
	ApiKey         string `yaml:"apiKey"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type E2EEConfig struct {
	Algorithm          string                   `yaml:"algorithm"` // aes-256-gcm or chacha20-poly1305
	SessionTTLMinutes  int                      `yaml:"sessionTTLMinutes"`
	PreKeyPoolSize     int                      `yaml:"preKeyPoolSize"`
	PreKeyMinimum      int                      `yaml:"preKeyMinimum"`
	Rotation           RotationConfig           `yaml:"rotation"`
	DeletionProtection DeletionProtectionConfig `yaml:"deletionProtection"`
}

type RotationConfig struct {
	MaxKeyAgeDays      int `yaml:"maxKeyAgeDays"`
	MaxOperations      int `yaml:"maxOperations"`
	GracePeriodMinutes int `yaml:"gracePeriodMinutes"`
}

type DeletionProtectionConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequiredApprovals int  `yaml:"requiredApprovals"`
}

type StorageConfig struct {
	Type   string `yaml:"type"`
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// LoadConfig reads the yaml configuration file into cfg
func LoadConfig(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(content, cfg)
}

// SessionTTLMinutesOrDefault falls back to 7 days worth of minutes when unset
func (c *Config) SessionTTLMinutesOrDefault() int {
	if c.E2EE.SessionTTLMinutes > 0 {
		return c.E2EE.SessionTTLMinutes
	}
	return 7 * 24 * 60
}

// GracePeriodMinutesOrDefault falls back to 24 hours when unset
func (c *Config) GracePeriodMinutesOrDefault() int {
	if c.E2EE.Rotation.GracePeriodMinutes > 0 {
		return c.E2EE.Rotation.GracePeriodMinutes
	}
	return 24 * 60
}

// PreKeyPoolSizeOrDefault falls back to a pool of 100 one time prekeys
func (c *Config) PreKeyPoolSizeOrDefault() int {
	if c.E2EE.PreKeyPoolSize > 0 {
		return c.E2EE.PreKeyPoolSize
	}
	return 100
}

// PreKeyMinimumOrDefault falls back to a replenish threshold of 20
func (c *Config) PreKeyMinimumOrDefault() int {
	if c.E2EE.PreKeyMinimum > 0 {
		return c.E2EE.PreKeyMinimum
	}
	return 20
}

// AlgorithmOrDefault falls back to aes-256-gcm
func (c *Config) AlgorithmOrDefault() string {
	if c.E2EE.Algorithm != "" {
		return c.E2EE.Algorithm
	}
	return "aes-256-gcm"
}

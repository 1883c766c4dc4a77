package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const PathEnv = "RWDEMO_CONFIG_PATH"

type AppConfig struct {
	SemaphoreConfig SemaphoreConfig `yaml:"semaphore"`
	ScenarioConfig  ScenarioConfig  `yaml:"scenario"`
	PayloadConfig   PayloadConfig   `yaml:"payload"`
	LoggingConfig   LoggingConfig   `yaml:"logging"`
}

type SemaphoreConfig struct {
	// Key is an explicit SysV key such as 0x5e000001. Empty means derive it
	// from KeyPath, or use a private set when KeyPath is empty too.
	Key         string `yaml:"key" env:"RWDEMO_SEM_KEY" env-default:""`
	KeyPath     string `yaml:"key_path" env:"RWDEMO_SEM_KEY_PATH" env-default:""`
	ProjectID   int    `yaml:"project_id" env:"RWDEMO_SEM_PROJECT_ID" env-default:"1"`
	Permissions string `yaml:"permissions" env:"RWDEMO_SEM_PERMISSIONS" env-default:"0600"`
}

type ScenarioConfig struct {
	MaxReaders       int           `yaml:"max_readers" env:"RWDEMO_MAX_READERS" env-default:"3"`
	Readers          int           `yaml:"readers" env:"RWDEMO_READERS" env-default:"3"`
	Writers          int           `yaml:"writers" env:"RWDEMO_WRITERS" env-default:"5"`
	WriterPreference bool          `yaml:"writer_preference" env:"RWDEMO_WRITER_PREFERENCE" env-default:"false"`
	Shuffle          bool          `yaml:"shuffle" env:"RWDEMO_SHUFFLE" env-default:"true"`
	MaxParallelSpawn int           `yaml:"max_parallel_spawn" env:"RWDEMO_MAX_PARALLEL_SPAWN" env-default:"4"`
	HoldTime         time.Duration `yaml:"hold_time" env:"RWDEMO_HOLD_TIME" env-default:"50ms"`
}

type PayloadConfig struct {
	Directory   string `yaml:"directory" env:"RWDEMO_PAYLOAD_DIR" env-default:"/tmp/rwdemo"`
	MaxVersions int    `yaml:"max_versions" env:"RWDEMO_PAYLOAD_MAX_VERSIONS" env-default:"10"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"RWDEMO_LOG_LEVEL" env-default:"info"`
	Output string `yaml:"output" env:"RWDEMO_LOG_OUTPUT" env-default:"stderr"`
}

// GetPermissions parses the configured octal mode.
func (c *SemaphoreConfig) GetPermissions() os.FileMode {
	perm, err := ParsePermissions(c.Permissions)
	if err != nil {
		log.Fatal(err)
	}
	return perm
}

func (c *SemaphoreConfig) GetProjectID() byte {
	if c.ProjectID < 1 || c.ProjectID > 255 {
		log.Fatalf("project_id must be in 1..255, got %d", c.ProjectID)
	}
	return byte(c.ProjectID)
}

// Load reads the file named by RWDEMO_CONFIG_PATH, or only the environment
// when the variable is unset.
func Load() *AppConfig {
	configPath := os.Getenv(PathEnv)
	if configPath == "" {
		var cfg AppConfig
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			log.Fatalf("cannot read config from environment: %s", err)
		}
		return &cfg
	}

	return LoadFromPath(configPath)
}

func LoadFromPath(configPath string) *AppConfig {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exist: %s", configPath)
	}

	var cfg AppConfig

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}

	return &cfg
}

// ParsePermissions reads an octal mode such as "0600" or "660".
func ParsePermissions(val string) (os.FileMode, error) {
	trimmed := strings.TrimSpace(val)
	if trimmed == "" {
		return 0, errors.New("empty permissions")
	}

	perm, err := strconv.ParseUint(trimmed, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("cannot parse permissions %q: %w", val, err)
	}
	if perm > 0777 {
		return 0, fmt.Errorf("permissions out of range: %s", val)
	}

	return os.FileMode(perm), nil
}

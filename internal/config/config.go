package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderLua    = "lua"
)

type Config struct {
	DataDir         string `yaml:"-"`
	DBPath          string `yaml:"db_path"`
	UserAgentDir    string `yaml:"agents_dir"`
	ProjectAgentDir string `yaml:"-"`
	LogLevel        string `yaml:"log_level"`

	Oracle     OracleConfig     `yaml:"oracle"`
	Team       TeamConfig       `yaml:"team"`
	Reflection ReflectionConfig `yaml:"reflection"`
}

type OracleConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	Script            string        `yaml:"script"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	APIKey            string        `yaml:"-"`
}

type TeamConfig struct {
	MaxSize int `yaml:"max_size"`
	HardCap int `yaml:"hard_cap"`
}

type ReflectionConfig struct {
	CorrectionThreshold float64 `yaml:"correction_threshold"`
	DedupSimilarity     float64 `yaml:"dedup_similarity"`
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("CREW_DATA_DIR", filepath.Join(homeDir, ".crew"))

	c := &Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "crew.db"),
		UserAgentDir:    filepath.Join(dataDir, "agents"),
		ProjectAgentDir: ".crew/agents",
		LogLevel:        "info",
		Oracle: OracleConfig{
			Provider: ProviderGemini,
			Timeout:  60 * time.Second,
		},
		Team: TeamConfig{
			MaxSize: 3,
		},
		Reflection: ReflectionConfig{
			CorrectionThreshold: 0.6,
			DedupSimilarity:     0.85,
		},
	}

	if err := c.loadFile(c.FilePath()); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = defaultModel(c.Oracle.Provider)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FilePath is the optional YAML file overlaid on the defaults.
func (c *Config) FilePath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnv("CREW_DB_PATH", c.DBPath)
	c.UserAgentDir = getEnv("CREW_AGENTS_DIR", c.UserAgentDir)
	c.LogLevel = getEnv("CREW_LOG_LEVEL", c.LogLevel)
	c.Oracle.Provider = getEnv("CREW_ORACLE_PROVIDER", c.Oracle.Provider)
	c.Oracle.Model = getEnv("CREW_MODEL", c.Oracle.Model)
	c.Oracle.Script = getEnv("CREW_ORACLE_SCRIPT", c.Oracle.Script)

	var err error
	if c.Oracle.Timeout, err = getDuration("CREW_ORACLE_TIMEOUT", c.Oracle.Timeout); err != nil {
		return err
	}
	if c.Oracle.RequestsPerSecond, err = getFloat("CREW_ORACLE_RPS", c.Oracle.RequestsPerSecond); err != nil {
		return err
	}
	if c.Team.MaxSize, err = getInt("CREW_MAX_TEAM_SIZE", c.Team.MaxSize); err != nil {
		return err
	}
	if c.Team.HardCap, err = getInt("CREW_TEAM_HARD_CAP", c.Team.HardCap); err != nil {
		return err
	}
	if c.Reflection.CorrectionThreshold, err = getFloat("CREW_CORRECTION_THRESHOLD", c.Reflection.CorrectionThreshold); err != nil {
		return err
	}
	if c.Reflection.DedupSimilarity, err = getFloat("CREW_DEDUP_SIMILARITY", c.Reflection.DedupSimilarity); err != nil {
		return err
	}

	switch c.Oracle.Provider {
	case ProviderGemini:
		c.Oracle.APIKey = getEnv("GEMINI_API_KEY", os.Getenv("GOOGLE_API_KEY"))
	case ProviderOpenAI:
		c.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Oracle.Provider {
	case ProviderGemini, ProviderOpenAI:
	case ProviderLua:
		if c.Oracle.Script == "" {
			return fmt.Errorf("oracle provider lua needs a script (CREW_ORACLE_SCRIPT)")
		}
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider)
	}
	if c.Team.MaxSize < 1 {
		return fmt.Errorf("max team size must be at least 1, got %d", c.Team.MaxSize)
	}
	if c.Team.HardCap < 0 {
		return fmt.Errorf("team hard cap must not be negative, got %d", c.Team.HardCap)
	}
	if t := c.Reflection.CorrectionThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("correction threshold must be in (0, 1], got %v", t)
	}
	if s := c.Reflection.DedupSimilarity; s <= 0 || s > 1 {
		return fmt.Errorf("dedup similarity must be in (0, 1], got %v", s)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserAgentDir, 0755); err != nil {
		return err
	}
	return nil
}

// AgentDirs lists catalogue directories, project first so it wins.
func (c *Config) AgentDirs() []string {
	return []string{c.ProjectAgentDir, c.UserAgentDir}
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderGemini:
		return "gemini-2.5-flash"
	case ProviderOpenAI:
		return "gpt-4o-mini"
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

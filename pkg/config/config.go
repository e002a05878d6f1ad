package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/bizflycloud/krista-backup/pkg/naming"
)

// EnvPrefix prefixes environment variables overriding config keys.
const EnvPrefix = "KRISTA"

var ErrNoConfig = errors.New("config file not found")

// Schedule is a named, cron-triggered chain of actions.
type Schedule struct {
	Cron           string   `mapstructure:"cron"`
	Actions        []string `mapstructure:"actions"`
	Descr          string   `mapstructure:"descr"`
	AllFieldsMatch bool     `mapstructure:"all_fields_match"`
}

// Naming is the server identity available to naming schemes.
type Naming struct {
	ServerName string `mapstructure:"server_name"`
	Region     string `mapstructure:"region"`
	Project    string `mapstructure:"project"`
}

type Logging struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// Cron configures generated crontab entries.
type Cron struct {
	CronUser    string `mapstructure:"cron_user"`
	TriggerFile string `mapstructure:"trigger_file"`
	Interpreter string `mapstructure:"interpreter"`
	Executable  string `mapstructure:"executable"`
}

// Notify configures run outcome notifications over MQTT.
type Notify struct {
	BrokerURL string `mapstructure:"broker_url"`
	Topic     string `mapstructure:"topic"`
	ClientID  string `mapstructure:"client_id"`
}

// Config is the whole application configuration. Unit names are case
// insensitive and stored lower-cased.
type Config struct {
	Schedule      map[string]Schedule               `mapstructure:"schedule"`
	Actions       map[string]map[string]interface{} `mapstructure:"actions"`
	Naming        Naming                            `mapstructure:"naming"`
	Logging       Logging                           `mapstructure:"logging"`
	Cron          Cron                              `mapstructure:"cron"`
	Notify        Notify                            `mapstructure:"notify"`
	AllowParallel bool                              `mapstructure:"allow_parallel"`

	// StartTime is the run timestamp shared by every naming decision.
	StartTime time.Time `mapstructure:"-"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("allow_parallel", true)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("notify.topic", "krista-backup/runs")
	v.SetDefault("notify.client_id", "krista-backup")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes an already read viper instance.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for name, s := range c.Schedule {
		for i := range s.Actions {
			s.Actions[i] = strings.TrimSpace(s.Actions[i])
		}
		c.Schedule[name] = s
	}
	if c.Actions == nil {
		c.Actions = make(map[string]map[string]interface{})
	}
	c.StartTime = time.Now().Truncate(time.Second)
	return c, nil
}

// LoadFile reads and decodes the YAML file at path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoConfig, path, err)
	}
	return Load(v)
}

// Action returns the raw record of the named action.
func (c *Config) Action(name string) (map[string]interface{}, bool) {
	rec, ok := c.Actions[strings.ToLower(name)]
	return rec, ok
}

// ScheduleEntry returns the named schedule.
func (c *Config) ScheduleEntry(name string) (Schedule, bool) {
	s, ok := c.Schedule[strings.ToLower(name)]
	return s, ok
}

// ScheduleNames returns every schedule name, sorted.
func (c *Config) ScheduleNames() []string {
	names := make([]string, 0, len(c.Schedule))
	for name := range c.Schedule {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamingFields exposes the server identity to naming schemes.
func (c *Config) NamingFields() naming.Fields {
	fields := naming.Fields{}
	if c.Naming.ServerName != "" {
		fields["server_name"] = c.Naming.ServerName
	}
	if c.Naming.Region != "" {
		fields["region"] = c.Naming.Region
	}
	if c.Naming.Project != "" {
		fields["project"] = c.Naming.Project
	}
	return fields
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	strduration "github.com/xhit/go-str2duration/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. AUDIOFW_LOG_LEVEL.
const EnvPrefix = "AUDIOFW"

// Load reads the configuration file at path (any format viper understands)
// and applies environment overrides on top of DefaultConfig. An empty path
// searches for audioserver.{yaml,toml,json} in the working directory; a
// missing search result is not an error.
func Load(path string) (*Config, error) {
	def := DefaultConfig()
	v := viper.New()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("audioserver")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := fromViper(v, def)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("log_max_size_kb", def.LogMaxSizeKB)
	v.SetDefault("http_listen", def.HTTPListen)
	v.SetDefault("nats_url", def.NATSURL)
	v.SetDefault("nats_subject", def.NATSSubject)
	v.SetDefault("sample_rate", def.SampleRate)
	v.SetDefault("channels", def.Channels)
	v.SetDefault("span_duration", def.SpanDuration.String())
	v.SetDefault("span_count", def.SpanCount)
	v.SetDefault("futex_wait_timeout", def.FutexWaitTimeout.String())
	v.SetDefault("keep_warm_timeout", def.KeepWarmTimeout.String())
	v.SetDefault("standby_idle_cycles", def.StandbyIdleCycles)
	v.SetDefault("dump_dir", def.DumpDir)
	v.SetDefault("session_id_first", def.SessionIDFirst)
	v.SetDefault("session_id_max", def.SessionIDMax)
	v.SetDefault("duck_volume", def.DuckVolume)
	v.SetDefault("listener_queue_size", def.ListenerQueueSize)
	v.SetDefault("prior_scenes", def.PriorScenes)
	v.SetDefault("normal_scene_limit", def.NormalSceneLimit)
	v.SetDefault("default_scene", def.DefaultScene)
	v.SetDefault("resident_scenes", def.ResidentScenes)
	v.SetDefault("event_queue_size", def.EventQueueSize)
	v.SetDefault("enable_realtime", def.EnableRealtime)
	v.SetDefault("realtime_priority", def.RealtimePriority)
}

func fromViper(v *viper.Viper, def *Config) (*Config, error) {
	cfg := *def
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogFile = v.GetString("log_file")
	cfg.LogMaxSizeKB = v.GetInt64("log_max_size_kb")
	cfg.HTTPListen = v.GetString("http_listen")
	cfg.NATSURL = v.GetString("nats_url")
	cfg.NATSSubject = v.GetString("nats_subject")
	cfg.SampleRate = v.GetInt("sample_rate")
	cfg.Channels = v.GetInt("channels")
	cfg.SpanCount = v.GetInt("span_count")
	cfg.StandbyIdleCycles = v.GetInt("standby_idle_cycles")
	cfg.DumpDir = v.GetString("dump_dir")
	cfg.SessionIDFirst = v.GetUint32("session_id_first")
	cfg.SessionIDMax = v.GetUint32("session_id_max")
	cfg.DuckVolume = float32(v.GetFloat64("duck_volume"))
	cfg.ListenerQueueSize = v.GetInt("listener_queue_size")
	cfg.PriorScenes = v.GetStringSlice("prior_scenes")
	cfg.NormalSceneLimit = v.GetInt("normal_scene_limit")
	cfg.DefaultScene = v.GetString("default_scene")
	cfg.ResidentScenes = v.GetStringSlice("resident_scenes")
	cfg.EventQueueSize = v.GetInt("event_queue_size")
	cfg.EnableRealtime = v.GetBool("enable_realtime")
	cfg.RealtimePriority = v.GetInt("realtime_priority")

	var err error
	if cfg.SpanDuration, err = parseDuration(v, "span_duration"); err != nil {
		return nil, err
	}
	if cfg.FutexWaitTimeout, err = parseDuration(v, "futex_wait_timeout"); err != nil {
		return nil, err
	}
	if cfg.KeepWarmTimeout, err = parseDuration(v, "keep_warm_timeout"); err != nil {
		return nil, err
	}

	if v.IsSet("focus_rules") {
		var rules []FocusRule
		if err := v.UnmarshalKey("focus_rules", &rules); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFocusRule, err)
		}
		cfg.FocusRules = rules
	}
	if v.IsSet("effect_chains") {
		chains := make(map[string][]string)
		if err := v.UnmarshalKey("effect_chains", &chains); err != nil {
			return nil, fmt.Errorf("%w: effect_chains: %v", ErrInvalidConfiguration, err)
		}
		// viper lower-cases map keys; chain names are upper case throughout.
		cfg.EffectChains = make(map[string][]string, len(chains))
		for name, effects := range chains {
			cfg.EffectChains[strings.ToUpper(name)] = effects
		}
	}
	if v.IsSet("scene_chains") {
		var scs []SceneChain
		if err := v.UnmarshalKey("scene_chains", &scs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSceneChain, err)
		}
		for i := range scs {
			scs[i].Chain = strings.ToUpper(scs[i].Chain)
		}
		cfg.SceneChains = scs
	}
	return &cfg, nil
}

// parseDuration accepts Go durations plus day/week units ("1d", "2w").
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is empty", ErrInvalidDuration, key)
	}
	d, err := strduration.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidDuration, key, err)
	}
	return d, nil
}

// Package options holds the process-wide, immutable-after-parse settings
// bag: fixed defaults, overridden first by an optional YAML process config
// file and then by CMDRUNNER_* environment variables. All duration-valued
// options are expressed in whole seconds in both the file and the
// environment.
package options

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry is the process-wide options bag. All fields are read-only after
// Load returns; callers must not mutate a Registry in place.
type Registry struct {
	RemoteCallOverhead        time.Duration
	LBThreshold               int
	BulkSessionLimit          int
	BulkRetryLimit            int
	BulkRunJitter             time.Duration
	BulkRetryDelayMin         time.Duration
	BulkRetryDelayMax         time.Duration
	Port                      int
	SessionReapPeriod         time.Duration
	MaxSessionIdleTimeout     time.Duration
	MaxSessionLastAccess      time.Duration
	DeviceDBUpdateInterval    time.Duration
	DeviceNameFilter          string
	ConsoleLoginTimeout       time.Duration
	AsyncioDebug              bool
	LogLevel                  string
	MaxDefaultExecutorThreads int
	ExitMaxWait               time.Duration

	// compiled is the compiled form of DeviceNameFilter, built once at Load time.
	compiled *regexp.Regexp
}

// Defaults returns the registry populated with the fixed defaults.
func Defaults() *Registry {
	return &Registry{
		RemoteCallOverhead:        20 * time.Second,
		LBThreshold:               100,
		BulkSessionLimit:          200,
		BulkRetryLimit:            5,
		BulkRunJitter:             5 * time.Second,
		BulkRetryDelayMin:         5 * time.Second,
		BulkRetryDelayMax:         10 * time.Second,
		Port:                      5000,
		SessionReapPeriod:         60 * time.Second,
		MaxSessionIdleTimeout:     1800 * time.Second,
		MaxSessionLastAccess:      3600 * time.Second,
		DeviceDBUpdateInterval:    1800 * time.Second,
		DeviceNameFilter:          "",
		ConsoleLoginTimeout:       60 * time.Second,
		AsyncioDebug:              false,
		LogLevel:                  "info",
		MaxDefaultExecutorThreads: 10,
		ExitMaxWait:               300 * time.Second,
	}
}

// fileOptions is the on-disk YAML shape. Durations are whole seconds, so
// they decode into plain ints here and are converted when applied.
type fileOptions struct {
	RemoteCallOverhead        *int    `yaml:"remote_call_overhead"`
	LBThreshold               *int    `yaml:"lb_threshold"`
	BulkSessionLimit          *int    `yaml:"bulk_session_limit"`
	BulkRetryLimit            *int    `yaml:"bulk_retry_limit"`
	BulkRunJitter             *int    `yaml:"bulk_run_jitter"`
	BulkRetryDelayMin         *int    `yaml:"bulk_retry_delay_min"`
	BulkRetryDelayMax         *int    `yaml:"bulk_retry_delay_max"`
	Port                      *int    `yaml:"port"`
	SessionReapPeriod         *int    `yaml:"session_reap_period"`
	MaxSessionIdleTimeout     *int    `yaml:"max_session_idle_timeout"`
	MaxSessionLastAccess      *int    `yaml:"max_session_last_access_timeout"`
	DeviceDBUpdateInterval    *int    `yaml:"device_db_update_interval"`
	DeviceNameFilter          *string `yaml:"device_name_filter"`
	ConsoleLoginTimeout       *int    `yaml:"console_login_timeout_s"`
	AsyncioDebug              *bool   `yaml:"asyncio_debug"`
	LogLevel                  *string `yaml:"log_level"`
	MaxDefaultExecutorThreads *int    `yaml:"max_default_executor_threads"`
	ExitMaxWait               *int    `yaml:"exit_max_wait"`
}

func knownKeys() map[string]bool {
	return map[string]bool{
		"remote_call_overhead": true, "lb_threshold": true, "bulk_session_limit": true,
		"bulk_retry_limit": true, "bulk_run_jitter": true, "bulk_retry_delay_min": true,
		"bulk_retry_delay_max": true, "port": true, "session_reap_period": true,
		"max_session_idle_timeout": true, "max_session_last_access_timeout": true,
		"device_db_update_interval": true, "device_name_filter": true,
		"console_login_timeout_s": true, "asyncio_debug": true, "log_level": true,
		"max_default_executor_threads": true, "exit_max_wait": true,
	}
}

func (f *fileOptions) apply(r *Registry) {
	secs := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}
	secs(&r.RemoteCallOverhead, f.RemoteCallOverhead)
	secs(&r.BulkRunJitter, f.BulkRunJitter)
	secs(&r.BulkRetryDelayMin, f.BulkRetryDelayMin)
	secs(&r.BulkRetryDelayMax, f.BulkRetryDelayMax)
	secs(&r.SessionReapPeriod, f.SessionReapPeriod)
	secs(&r.MaxSessionIdleTimeout, f.MaxSessionIdleTimeout)
	secs(&r.MaxSessionLastAccess, f.MaxSessionLastAccess)
	secs(&r.DeviceDBUpdateInterval, f.DeviceDBUpdateInterval)
	secs(&r.ConsoleLoginTimeout, f.ConsoleLoginTimeout)
	secs(&r.ExitMaxWait, f.ExitMaxWait)

	if f.LBThreshold != nil {
		r.LBThreshold = *f.LBThreshold
	}
	if f.BulkSessionLimit != nil {
		r.BulkSessionLimit = *f.BulkSessionLimit
	}
	if f.BulkRetryLimit != nil {
		r.BulkRetryLimit = *f.BulkRetryLimit
	}
	if f.Port != nil {
		r.Port = *f.Port
	}
	if f.MaxDefaultExecutorThreads != nil {
		r.MaxDefaultExecutorThreads = *f.MaxDefaultExecutorThreads
	}
	if f.DeviceNameFilter != nil {
		r.DeviceNameFilter = *f.DeviceNameFilter
	}
	if f.LogLevel != nil {
		r.LogLevel = *f.LogLevel
	}
	if f.AsyncioDebug != nil {
		r.AsyncioDebug = *f.AsyncioDebug
	}
}

// Load builds a Registry from defaults, an optional YAML file at path (skipped
// silently if path is empty or the file does not exist), and CMDRUNNER_*
// environment variable overrides. An unknown key in the file is a hard error.
func Load(path string) (*Registry, error) {
	r := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading options file %s: %w", path, err)
			}
		} else {
			var raw map[string]interface{}
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("parsing options file %s: %w", path, err)
			}
			known := knownKeys()
			for k := range raw {
				if !known[k] {
					return nil, fmt.Errorf("unknown option %q in %s", k, path)
				}
			}
			var file fileOptions
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("parsing options file %s: %w", path, err)
			}
			file.apply(r)
		}
	}

	if err := r.applyEnv(); err != nil {
		return nil, err
	}

	if err := r.compile(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) applyEnv() error {
	durationEnvs := map[string]*time.Duration{
		"CMDRUNNER_REMOTE_CALL_OVERHEAD":      &r.RemoteCallOverhead,
		"CMDRUNNER_BULK_RUN_JITTER":           &r.BulkRunJitter,
		"CMDRUNNER_BULK_RETRY_DELAY_MIN":      &r.BulkRetryDelayMin,
		"CMDRUNNER_BULK_RETRY_DELAY_MAX":      &r.BulkRetryDelayMax,
		"CMDRUNNER_SESSION_REAP_PERIOD":       &r.SessionReapPeriod,
		"CMDRUNNER_MAX_SESSION_IDLE_TIMEOUT":  &r.MaxSessionIdleTimeout,
		"CMDRUNNER_MAX_SESSION_LAST_ACCESS":   &r.MaxSessionLastAccess,
		"CMDRUNNER_DEVICE_DB_UPDATE_INTERVAL": &r.DeviceDBUpdateInterval,
		"CMDRUNNER_CONSOLE_LOGIN_TIMEOUT_S":   &r.ConsoleLoginTimeout,
		"CMDRUNNER_EXIT_MAX_WAIT":             &r.ExitMaxWait,
	}
	for env, field := range durationEnvs {
		if v := os.Getenv(env); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("env %s: %w", env, err)
			}
			*field = time.Duration(secs) * time.Second
		}
	}

	intEnvs := map[string]*int{
		"CMDRUNNER_LB_THRESHOLD":                 &r.LBThreshold,
		"CMDRUNNER_BULK_SESSION_LIMIT":           &r.BulkSessionLimit,
		"CMDRUNNER_BULK_RETRY_LIMIT":             &r.BulkRetryLimit,
		"CMDRUNNER_PORT":                         &r.Port,
		"CMDRUNNER_MAX_DEFAULT_EXECUTOR_THREADS": &r.MaxDefaultExecutorThreads,
	}
	for env, field := range intEnvs {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("env %s: %w", env, err)
			}
			*field = n
		}
	}

	if v := os.Getenv("CMDRUNNER_DEVICE_NAME_FILTER"); v != "" {
		r.DeviceNameFilter = v
	}
	if v := os.Getenv("CMDRUNNER_LOG_LEVEL"); v != "" {
		r.LogLevel = v
	}
	if v := os.Getenv("CMDRUNNER_ASYNCIO_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env CMDRUNNER_ASYNCIO_DEBUG: %w", err)
		}
		r.AsyncioDebug = b
	}

	return nil
}

func (r *Registry) compile() error {
	if r.DeviceNameFilter == "" {
		r.compiled = nil
		return nil
	}
	re, err := regexp.Compile(r.DeviceNameFilter)
	if err != nil {
		return fmt.Errorf("device_name_filter: %w", err)
	}
	r.compiled = re
	return nil
}

// DeviceNameFilterRegexp returns the compiled device_name_filter, or nil if unset.
func (r *Registry) DeviceNameFilterRegexp() *regexp.Regexp {
	return r.compiled
}

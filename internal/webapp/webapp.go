// Package webapp holds the configuration of deployed applications and the
// per-application Holder that tracks the active context and reload lock.
package webapp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DescriptorName is the per-application descriptor looked up in the root dir.
const DescriptorName = "apphost.yml"

// DefaultMonitor is the marker file name, relative to the work dir.
const DefaultMonitor = "restart.txt"

// ErrUnknownApp is returned when looking up an application that is not deployed.
var ErrUnknownApp = errors.New("unknown application")

// ReloadStrategy selects how an application is reloaded.
type ReloadStrategy string

const (
	StrategyDefault ReloadStrategy = ""
	StrategyRestart ReloadStrategy = "restart"
	StrategyRolling ReloadStrategy = "rolling"
)

// ParseReloadStrategy normalizes a configured strategy name. Unrecognized
// names are returned as-is; resolving them is up to the reload package.
func ParseReloadStrategy(s string) ReloadStrategy {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "default" {
		return StrategyDefault
	}
	return ReloadStrategy(s)
}

// Kind selects the backend an application context launches.
type Kind string

const (
	KindStatic  Kind = "static"
	KindProcess Kind = "process"
	KindDocker  Kind = "docker"
)

// Config is the deployment configuration of one application, as given in
// the daemon configuration or discovered under apps_base.
type Config struct {
	Name           string            `yaml:"name" mapstructure:"name"`
	ContextPath    string            `yaml:"context_path" mapstructure:"context_path"`
	RootDir        string            `yaml:"root_dir" mapstructure:"root_dir"`
	WorkDir        string            `yaml:"work_dir" mapstructure:"work_dir"`
	LogDir         string            `yaml:"log_dir" mapstructure:"log_dir"`
	Monitor        string            `yaml:"monitor" mapstructure:"monitor"`
	Public         string            `yaml:"public" mapstructure:"public"`
	Environment    string            `yaml:"environment" mapstructure:"environment"`
	ReloadStrategy string            `yaml:"reload_strategy" mapstructure:"reload_strategy"`
	Kind           string            `yaml:"kind" mapstructure:"kind"`
	Command        []string          `yaml:"command" mapstructure:"command"`
	Image          string            `yaml:"image" mapstructure:"image"`
	Port           int               `yaml:"port" mapstructure:"port"`
	Env            map[string]string `yaml:"env" mapstructure:"env"`
}

// merge fills empty fields of c from defaults. Env maps are merged with c
// taking precedence.
func (c Config) merge(defaults Config) Config {
	out := c
	setString := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	setString(&out.WorkDir, defaults.WorkDir)
	setString(&out.LogDir, defaults.LogDir)
	setString(&out.Monitor, defaults.Monitor)
	setString(&out.Public, defaults.Public)
	setString(&out.Environment, defaults.Environment)
	setString(&out.ReloadStrategy, defaults.ReloadStrategy)
	setString(&out.Kind, defaults.Kind)
	setString(&out.Image, defaults.Image)
	if len(out.Command) == 0 {
		out.Command = defaults.Command
	}
	if out.Port == 0 {
		out.Port = defaults.Port
	}
	if len(defaults.Env) > 0 {
		env := make(map[string]string, len(defaults.Env)+len(c.Env))
		for k, v := range defaults.Env {
			env[k] = v
		}
		for k, v := range c.Env {
			env[k] = v
		}
		out.Env = env
	}
	return out
}

// Runtime is the resolved, launch-ready view of an application. It is
// derived from the config and the descriptor and cached until Reset.
type Runtime struct {
	Kind           Kind
	Command        []string
	Image          string
	Port           int
	PublicDir      string
	Environment    string
	ReloadStrategy ReloadStrategy
	Env            []string
}

// WebApp is one deployed application. The config is immutable; derived
// state (the descriptor and the resolved Runtime) is cached and dropped by
// Reset so the next access re-reads it.
type WebApp struct {
	config Config

	mu      sync.Mutex
	runtime *Runtime
}

// New validates cfg, fills it from defaults and returns the application.
func New(cfg Config, defaults Config) (*WebApp, error) {
	if err := validateName(cfg.Name); err != nil {
		return nil, fmt.Errorf("invalid app name %q: %w", cfg.Name, err)
	}
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("app %s: root_dir is required", cfg.Name)
	}
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("app %s: resolve root dir: %w", cfg.Name, err)
	}
	cfg = cfg.merge(defaults)
	cfg.RootDir = root
	if cfg.ContextPath == "" {
		cfg.ContextPath = DefaultContextPath(cfg.Name)
	}
	return &WebApp{config: cfg}, nil
}

// DefaultContextPath maps the "default" app to the root path and every
// other name to /<name>.
func DefaultContextPath(name string) string {
	if name == "default" {
		return "/"
	}
	return "/" + name
}

func (w *WebApp) Name() string        { return w.config.Name }
func (w *WebApp) ContextPath() string { return w.config.ContextPath }
func (w *WebApp) RootDir() string     { return w.config.RootDir }

// Config returns a copy of the deployment configuration.
func (w *WebApp) Config() Config { return w.config }

// WorkDir defaults to <root>/tmp.
func (w *WebApp) WorkDir() string {
	return w.resolve(w.config.WorkDir, "tmp")
}

// LogDir defaults to <root>/log.
func (w *WebApp) LogDir() string {
	return w.resolve(w.config.LogDir, "log")
}

// Monitor returns the absolute path of the reload marker, resolved against
// the work dir.
func (w *WebApp) Monitor() string {
	monitor := w.config.Monitor
	if monitor == "" {
		monitor = DefaultMonitor
	}
	if filepath.IsAbs(monitor) {
		return filepath.Clean(monitor)
	}
	return filepath.Join(w.WorkDir(), monitor)
}

// ReloadStrategy returns the configured strategy. A descriptor may override
// it; if the descriptor cannot be read the deployment config is used.
func (w *WebApp) ReloadStrategy() ReloadStrategy {
	rt, err := w.Runtime()
	if err != nil {
		return ParseReloadStrategy(w.config.ReloadStrategy)
	}
	return rt.ReloadStrategy
}

// Runtime resolves and caches the launch settings.
func (w *WebApp) Runtime() (Runtime, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runtime != nil {
		return *w.runtime, nil
	}

	cfg := w.config
	desc, err := readDescriptor(filepath.Join(cfg.RootDir, DescriptorName))
	if err != nil {
		return Runtime{}, fmt.Errorf("app %s: %w", cfg.Name, err)
	}
	if desc != nil {
		cfg = desc.overlay(cfg)
	}

	kind := Kind(strings.ToLower(cfg.Kind))
	switch kind {
	case "":
		kind = KindStatic
		if cfg.Image != "" {
			kind = KindDocker
		} else if len(cfg.Command) > 0 {
			kind = KindProcess
		}
	case KindStatic, KindProcess, KindDocker:
	default:
		return Runtime{}, fmt.Errorf("app %s: unknown kind %q", cfg.Name, cfg.Kind)
	}

	public := cfg.Public
	if public == "" {
		public = "public"
	}
	rt := &Runtime{
		Kind:           kind,
		Command:        cfg.Command,
		Image:          cfg.Image,
		Port:           cfg.Port,
		PublicDir:      w.resolve(public, "public"),
		Environment:    cfg.Environment,
		ReloadStrategy: ParseReloadStrategy(cfg.ReloadStrategy),
		Env:            w.buildEnv(cfg),
	}
	if rt.Environment == "" {
		rt.Environment = "development"
	}
	w.runtime = rt
	return *rt, nil
}

// Reset drops cached derived state so the next Runtime call re-reads the
// descriptor. The deployment config is kept.
func (w *WebApp) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runtime = nil
}

func (w *WebApp) buildEnv(cfg Config) []string {
	env := map[string]string{
		"APP_NAME":         cfg.Name,
		"APP_ROOT":         cfg.RootDir,
		"APP_CONTEXT_PATH": cfg.ContextPath,
		"APP_ENV":          cfg.Environment,
	}
	if env["APP_ENV"] == "" {
		env["APP_ENV"] = "development"
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (w *WebApp) resolve(dir, fallback string) string {
	if dir == "" {
		dir = fallback
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(w.config.RootDir, dir)
}

// descriptor is the subset of settings an application may declare itself.
type descriptor struct {
	Kind           string            `yaml:"kind"`
	Command        []string          `yaml:"command"`
	Image          string            `yaml:"image"`
	Port           int               `yaml:"port"`
	Public         string            `yaml:"public"`
	Environment    string            `yaml:"environment"`
	ReloadStrategy string            `yaml:"reload_strategy"`
	Env            map[string]string `yaml:"env"`
}

// overlay applies descriptor values to fields the deployment config left empty.
func (d *descriptor) overlay(cfg Config) Config {
	return cfg.merge(Config{
		Kind:           d.Kind,
		Command:        d.Command,
		Image:          d.Image,
		Port:           d.Port,
		Public:         d.Public,
		Environment:    d.Environment,
		ReloadStrategy: d.ReloadStrategy,
		Env:            d.Env,
	})
}

func readDescriptor(path string) (*descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	return &d, nil
}

// validateName ensures an app name is safe to use in paths and context names.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("name cannot contain /")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain ..")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("name cannot contain null bytes")
	}
	return nil
}

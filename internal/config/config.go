// Package config loads bob's layered configuration and owns the persisted list
// of watched repositories.
//
// Layers, highest precedence first: command-line flags, BOB_* environment
// variables (a .env file is loaded into the environment first), in-memory
// overrides, the JSON config file, built-in defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

// EnvPrefix is prepended to upper-cased keys to form environment variable names.
const EnvPrefix = "BOB_"

// Configuration keys. Flags use the same names with dashes instead of underscores.
const (
	KeyToken                = "token"
	KeyURL                  = "url"
	KeyPostURL              = "post_url"
	KeyGitHubUsername       = "github_username"
	KeyRepos                = "repos"
	KeyListenAddr           = "listen_addr"
	KeyEventAddr            = "event_addr"
	KeyCommandAddr          = "command_addr"
	KeyEventPath            = "event_path"
	KeyDBPath               = "db_path"
	KeyCoalesceWindow       = "coalesce_window"
	KeyReconcileAttempts    = "reconcile_attempts"
	KeyReconcileConcurrency = "reconcile_concurrency"
	KeyDeployUser           = "deploy_user"
	KeyDeployAppsDir        = "deploy_apps_dir"
	KeyDeployTimeout        = "deploy_timeout"
	KeySSHKeyPath           = "ssh_key_path"
	KeySSHKnownHosts        = "ssh_known_hosts"
	KeyEnvelopeCommandIndex = "envelope_command_index"
	KeyConsole              = "console"
	KeyLogLevel             = "log_level"
)

var defaults = map[string]string{
	KeyListenAddr:           ":11000",
	KeyEventAddr:            "127.0.0.1:10000",
	KeyCommandAddr:          "127.0.0.1:12000",
	KeyEventPath:            "/events",
	KeyDBPath:               "bob.db",
	KeyCoalesceWindow:       "5s",
	KeyReconcileAttempts:    "1",
	KeyReconcileConcurrency: "8",
	KeyDeployUser:           "ubuntu",
	KeyDeployAppsDir:        "/home/ubuntu/apps",
	KeyDeployTimeout:        "10m",
	KeyEnvelopeCommandIndex: "2",
	KeyConsole:              "true",
	KeyLogLevel:             "info",
}

var flagUsage = map[string]string{
	KeyToken:                "GitHub API token used to manage repository hooks",
	KeyURL:                  "public base URL GitHub delivers events to",
	KeyPostURL:              "chat endpoint messages are posted to",
	KeyGitHubUsername:       "account that owns repositories added with addrepo",
	KeyListenAddr:           "front door listen address",
	KeyEventAddr:            "internal event listener address",
	KeyCommandAddr:          "internal command listener address",
	KeyEventPath:            "path GitHub delivers events to",
	KeyDBPath:               "SQLite database path",
	KeyCoalesceWindow:       "window used to batch rapid event deliveries",
	KeyReconcileAttempts:    "attempts per repository when reconciling hooks",
	KeyReconcileConcurrency: "repositories reconciled in parallel",
	KeyDeployUser:           "SSH user for deploy",
	KeyDeployAppsDir:        "remote directory applications are deployed into",
	KeyDeployTimeout:        "upper bound for a single deploy",
	KeySSHKeyPath:           "private key for deploy (falls back to SSH_AUTH_SOCK)",
	KeySSHKnownHosts:        "known_hosts file used to verify deploy hosts",
	KeyEnvelopeCommandIndex: "token index of the command name in chat deliveries",
	KeyLogLevel:             "log level: debug, info, warn or error",
}

// Config holds the resolved configuration.
type Config struct {
	Token          string
	URL            string
	PostURL        string
	GitHubUsername string
	Repos          []string

	ListenAddr  string
	EventAddr   string
	CommandAddr string
	EventPath   string
	DBPath      string

	CoalesceWindow       time.Duration
	ReconcileAttempts    int
	ReconcileConcurrency int

	DeployUser    string
	DeployAppsDir string
	DeployTimeout time.Duration
	SSHKeyPath    string
	SSHKnownHosts string

	EnvelopeCommandIndex int
	Console              bool
	LogLevel             string

	// FilePath is the config file the repository list is persisted to.
	FilePath string
}

// HookURL returns the callback URL registered on every watched repository:
// URL with EventPath appended unless URL already ends with it.
func (c *Config) HookURL() string {
	base := strings.TrimSuffix(c.URL, "/")
	if strings.HasSuffix(base, c.EventPath) {
		return base
	}
	return base + c.EventPath
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// FilePath is the JSON config file. A missing file is not an error.
	FilePath string
	// EnvFile is loaded into the process environment when present. Variables
	// already set in the environment are not replaced.
	EnvFile string
	// Flags holds flags registered with RegisterFlags. Only flags the user
	// changed take part.
	Flags *pflag.FlagSet
	// Overrides sit between the environment and the file.
	Overrides map[string]string
}

// RegisterFlags adds one flag per configuration key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, key := range sortedKeys(flagUsage) {
		fs.String(flagName(key), "", flagUsage[key])
	}
	fs.StringSlice(flagName(KeyRepos), nil, "watched repositories (owner/name), comma separated")
	fs.Bool(flagName(KeyConsole), true, "read commands from standard input")
}

// Load resolves every layer and returns a validated Config.
func Load(opts LoadOptions) (*Config, error) {
	raw := make(map[string]string, len(defaults))
	for k, v := range defaults {
		raw[k] = v
	}

	if opts.FilePath != "" {
		fileValues, err := readFileLayer(opts.FilePath)
		if err != nil {
			return nil, err
		}
		for k, v := range fileValues {
			raw[k] = v
		}
	}

	for k, v := range opts.Overrides {
		raw[k] = v
	}

	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			if err := godotenv.Load(opts.EnvFile); err != nil {
				return nil, fmt.Errorf("loading %s: %w", opts.EnvFile, err)
			}
		}
	}
	for _, key := range allKeys() {
		if v, ok := os.LookupEnv(envName(key)); ok {
			raw[key] = v
		}
	}

	if opts.Flags != nil {
		if err := applyFlags(opts.Flags, raw); err != nil {
			return nil, err
		}
	}

	cfg, err := build(raw)
	if err != nil {
		return nil, err
	}
	cfg.FilePath = opts.FilePath
	return cfg, nil
}

func build(raw map[string]string) (*Config, error) {
	cfg := &Config{
		Token:          raw[KeyToken],
		URL:            raw[KeyURL],
		PostURL:        raw[KeyPostURL],
		GitHubUsername: raw[KeyGitHubUsername],
		Repos:          splitList(raw[KeyRepos]),
		ListenAddr:     raw[KeyListenAddr],
		EventAddr:      raw[KeyEventAddr],
		CommandAddr:    raw[KeyCommandAddr],
		EventPath:      raw[KeyEventPath],
		DBPath:         raw[KeyDBPath],
		DeployUser:     raw[KeyDeployUser],
		DeployAppsDir:  strings.TrimSuffix(raw[KeyDeployAppsDir], "/"),
		SSHKeyPath:     raw[KeySSHKeyPath],
		SSHKnownHosts:  raw[KeySSHKnownHosts],
		LogLevel:       strings.ToLower(raw[KeyLogLevel]),
	}

	if cfg.GitHubUsername == "" {
		return nil, fmt.Errorf("%s is required (flag --%s or %s)",
			KeyGitHubUsername, flagName(KeyGitHubUsername), envName(KeyGitHubUsername))
	}
	if !strings.HasPrefix(cfg.EventPath, "/") {
		return nil, fmt.Errorf("%s must start with '/', got %q", KeyEventPath, cfg.EventPath)
	}

	var err error
	if cfg.CoalesceWindow, err = parseDuration(raw, KeyCoalesceWindow, false); err != nil {
		return nil, err
	}
	if cfg.DeployTimeout, err = parseDuration(raw, KeyDeployTimeout, true); err != nil {
		return nil, err
	}
	if cfg.ReconcileAttempts, err = parsePositive(raw, KeyReconcileAttempts); err != nil {
		return nil, err
	}
	if cfg.ReconcileConcurrency, err = parsePositive(raw, KeyReconcileConcurrency); err != nil {
		return nil, err
	}
	if cfg.EnvelopeCommandIndex, err = parsePositive(raw, KeyEnvelopeCommandIndex); err != nil {
		return nil, err
	}
	if cfg.Console, err = strconv.ParseBool(raw[KeyConsole]); err != nil {
		return nil, fmt.Errorf("%s has invalid boolean %q: %w", KeyConsole, raw[KeyConsole], err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("%s must be one of debug, info, warn, error; got %q", KeyLogLevel, cfg.LogLevel)
	}

	return cfg, nil
}

// readFileLayer reads the JSON config file into raw string values. Comments
// and trailing commas are tolerated.
func readFileLayer(path string) (map[string]string, error) {
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case string:
			values[key] = v
		case bool:
			values[key] = strconv.FormatBool(v)
		case float64:
			values[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%s: %s must be a list of strings", path, key)
				}
				items = append(items, s)
			}
			values[key] = strings.Join(items, ",")
		case nil:
		default:
			return nil, fmt.Errorf("%s: unsupported value for %s", path, key)
		}
	}
	return values, nil
}

// readDocument returns the config file as a generic JSON object, or an empty
// object when the file does not exist.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	doc := map[string]any{}
	stripped := jsonc.ToJSON(data)
	if len(strings.TrimSpace(string(stripped))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(stripped, &doc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return doc, nil
}

func applyFlags(fs *pflag.FlagSet, raw map[string]string) error {
	for _, key := range allKeys() {
		f := fs.Lookup(flagName(key))
		if f == nil || !f.Changed {
			continue
		}
		if key == KeyRepos {
			repos, err := fs.GetStringSlice(f.Name)
			if err != nil {
				return fmt.Errorf("reading --%s: %w", f.Name, err)
			}
			raw[key] = strings.Join(repos, ",")
			continue
		}
		raw[key] = f.Value.String()
	}
	return nil
}

func parseDuration(raw map[string]string, key string, positive bool) (time.Duration, error) {
	d, err := time.ParseDuration(raw[key])
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, raw[key], err)
	}
	if d < 0 || (positive && d == 0) {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func parsePositive(raw map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(raw[key])
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, raw[key], err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be at least 1, got %d", key, n)
	}
	return n, nil
}

func splitList(v string) []string {
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func allKeys() []string {
	keys := make([]string, 0, len(flagUsage)+2)
	keys = append(keys, sortedKeys(flagUsage)...)
	return append(keys, KeyRepos, KeyConsole)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func envName(key string) string { return EnvPrefix + strings.ToUpper(key) }

// Package cfg loads the coordinator's TOML configuration file.
package cfg

import (
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

// Config is the top-level TOML document.
type Config struct {
	HTTPListenAddr string `toml:"http_listen_addr"`
	LogFormat      string `toml:"log_format"` // logfmt|json|console
	LogLevel       string `toml:"log_level"`

	GithubWebhookSecret string `toml:"github_webhook_secret"`
	GithubAPIToken      string `toml:"github_api_token"`
	SSHKeyPath          string `toml:"ssh_key_path"`

	SyncInterval          Duration `toml:"sync_interval"`
	AttemptDefaultTimeout Duration `toml:"attempt_default_timeout"`
	RetryMaxElapsedTime   Duration `toml:"retry_max_elapsed_time"`
	MergeRetryCount       int      `toml:"merge_retry_count"`

	Repositories []Repository `toml:"repository"`
}

// Repository is one `[[repository]]` block.
type Repository struct {
	Owner string `toml:"owner"`
	Name  string `toml:"name"`

	LocalPath  string `toml:"local_path"`
	Remote     string `toml:"remote"`      // default "origin"
	BaseBranch string `toml:"base_branch"` // default "master"

	RequiredChecks     []string `toml:"required_checks,omitempty"`
	DefaultMergeMethod string   `toml:"default_merge_method"` // merge|squash|rebase

	AttemptTimeout Duration `toml:"attempt_timeout"` // overrides the global default when non-zero

	// WriteUsers/Maintainers source command authorization from
	// configuration rather than a per-comment forge permission query.
	WriteUsers             []string `toml:"write_users,omitempty"`
	Maintainers            []string `toml:"maintainers,omitempty"`
	MaintainerOnlyCommands []string `toml:"maintainer_only_commands,omitempty"`
}

// Duration is a time.Duration that unmarshals from TOML's string form
// ("10m", "1h"), since go-toml has no native duration type.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default values applied where a Config field is left zero.
const (
	DefaultSyncInterval        = 10 * time.Minute
	DefaultAttemptTimeout      = time.Hour
	DefaultRetryMaxElapsedTime = 20 * time.Minute
	DefaultMergeRetryCount     = 5
	DefaultRemote              = "origin"
	DefaultBaseBranch          = "master"
)

// Load parses a TOML document into a Config and fills in defaults.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.SyncInterval.Duration == 0 {
		c.SyncInterval.Duration = DefaultSyncInterval
	}
	if c.AttemptDefaultTimeout.Duration == 0 {
		c.AttemptDefaultTimeout.Duration = DefaultAttemptTimeout
	}
	if c.RetryMaxElapsedTime.Duration == 0 {
		c.RetryMaxElapsedTime.Duration = DefaultRetryMaxElapsedTime
	}
	if c.MergeRetryCount == 0 {
		c.MergeRetryCount = DefaultMergeRetryCount
	}

	for i := range c.Repositories {
		repo := &c.Repositories[i]

		if repo.Remote == "" {
			repo.Remote = DefaultRemote
		}
		if repo.BaseBranch == "" {
			repo.BaseBranch = DefaultBaseBranch
		}
		if repo.AttemptTimeout.Duration == 0 {
			repo.AttemptTimeout = c.AttemptDefaultTimeout
		}
		if repo.DefaultMergeMethod == "" {
			repo.DefaultMergeMethod = "merge"
		}
	}
}

// Validate rejects configuration that would make the coordinator unable to
// start: each repository needs an identity and a local checkout path, and
// repository identity (owner/name) must be unique across the document.
func (c *Config) Validate() error {
	if c.HTTPListenAddr == "" {
		return fmt.Errorf("http_listen_addr must be set")
	}

	seen := make(map[string]struct{}, len(c.Repositories))
	for _, repo := range c.Repositories {
		if repo.Owner == "" || repo.Name == "" {
			return fmt.Errorf("repository entry missing owner/name")
		}
		if repo.LocalPath == "" {
			return fmt.Errorf("repository %s/%s missing local_path", repo.Owner, repo.Name)
		}

		key := repo.Owner + "/" + repo.Name
		if _, ok := seen[key]; ok {
			return fmt.Errorf("repository %s configured more than once", key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// Marshal writes the Config back out as TOML.
func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

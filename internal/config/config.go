// Package config loads the controller's configuration from the
// environment. Every variable name and default here is the external,
// user-visible contract, see SPEC_FULL.md §6.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated, parsed configuration for one controller
// instance.
type Config struct {
	GitHubRepo    string
	GitHubToken   string
	MaxConcurrent int
	PollInterval  time.Duration
	JobTimeout    time.Duration
	RunnerLabels  []string
	StateDir      string
	HTTPPort      int
	RunnerImage   string
}

const (
	defaultMaxConcurrent = 7
	defaultPollInterval  = 10 // seconds
	defaultJobTimeout    = 7200
	defaultRunnerLabels  = "self-hosted,ci,nix,x64,Linux"
	defaultStateDir      = "/var/lib/runner-controller"
	defaultHTTPPort      = 8080
	defaultRunnerImage   = "myoung34/github-runner:latest"
)

// Load reads configuration from the environment via viper's
// AutomaticEnv binding (the same idiom fast-sandbox's fsb-ctl uses for
// its own env intake), applies defaults, and validates.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_concurrent", defaultMaxConcurrent)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("job_timeout", defaultJobTimeout)
	v.SetDefault("runner_labels", defaultRunnerLabels)
	v.SetDefault("state_dir", defaultStateDir)
	v.SetDefault("http_port", defaultHTTPPort)
	v.SetDefault("runner_image", defaultRunnerImage)

	repo := v.GetString("github_repo")
	if repo == "" {
		return Config{}, fmt.Errorf("GITHUB_REPO environment variable is required")
	}

	tokenFile := v.GetString("github_token_file")
	if tokenFile == "" {
		return Config{}, fmt.Errorf("GITHUB_TOKEN_FILE environment variable is required")
	}
	tokenBytes, err := os.ReadFile(tokenFile)
	if err != nil {
		return Config{}, fmt.Errorf("read GitHub token from %s: %w", tokenFile, err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return Config{}, fmt.Errorf("GitHub token file %s is empty", tokenFile)
	}

	maxConcurrent := v.GetInt("max_concurrent")
	if maxConcurrent <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT must be a positive integer, got %d", maxConcurrent)
	}

	pollIntervalSecs := v.GetInt("poll_interval")
	if pollIntervalSecs <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be a positive integer, got %d", pollIntervalSecs)
	}

	jobTimeoutSecs := v.GetInt("job_timeout")
	if jobTimeoutSecs <= 0 {
		return Config{}, fmt.Errorf("JOB_TIMEOUT must be a positive integer, got %d", jobTimeoutSecs)
	}

	httpPort := v.GetInt("http_port")
	if httpPort <= 0 || httpPort > 65535 {
		return Config{}, fmt.Errorf("HTTP_PORT must be a valid port number, got %d", httpPort)
	}

	labels := splitLabels(v.GetString("runner_labels"))

	return Config{
		GitHubRepo:    repo,
		GitHubToken:   token,
		MaxConcurrent: maxConcurrent,
		PollInterval:  time.Duration(pollIntervalSecs) * time.Second,
		JobTimeout:    time.Duration(jobTimeoutSecs) * time.Second,
		RunnerLabels:  labels,
		StateDir:      v.GetString("state_dir"),
		HTTPPort:      httpPort,
		RunnerImage:   v.GetString("runner_image"),
	}, nil
}

// splitLabels splits a comma-separated capability list, trimming
// whitespace and discarding empty entries.
func splitLabels(raw string) []string {
	parts := strings.Split(raw, ",")
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			labels = append(labels, p)
		}
	}
	return labels
}

// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

// Options is the full configuration for one pipeline run, assembled
// from flags and an optional config file by NewOptions.
type Options struct {
	// ManifestPath points at the YAML file listing the repositories to
	// build (Manifest).
	ManifestPath string `mapstructure:"manifest"`
	// CacheHomeDir is both the git clone workspace root and the
	// artifact cache's base directory.
	CacheHomeDir string `mapstructure:"cache-dir"`
	// LogDir, if set, receives one log file per Worker action attempt.
	LogDir string `mapstructure:"log-dir"`
	// FailFast stops a queue's progress on its first done() error.
	FailFast bool `mapstructure:"fail-fast"`
	// MaxRetries bounds retry attempts applied uniformly to every stage.
	MaxRetries int `mapstructure:"max-retries"`

	TrackWorkers int `mapstructure:"track-workers"`
	FetchWorkers int `mapstructure:"fetch-workers"`
	BuildWorkers int `mapstructure:"build-workers"`
	PushWorkers  int `mapstructure:"push-workers"`

	NetworkTokens int `mapstructure:"network-tokens"`
	CPUTokens     int `mapstructure:"cpu-tokens"`
	PushTokens    int `mapstructure:"push-tokens"`

	// PushRepo is "owner/repo" on GitHub to publish built artifacts to.
	// Empty disables the Push stage entirely (has_push_remotes == false).
	PushRepo string `mapstructure:"push-repo"`
	// GhOAuthToken authorizes push access to PushRepo.
	GhOAuthToken string `mapstructure:"github-oauth-token"`

	Credentials []Credential `mapstructure:"credentials"`
}

// Credential holds a per-host access token, matching docforge's shape
// for config-file-provided credentials.
type Credential struct {
	Host       string
	Username   string
	OAuthToken string `mapstructure:"o-auth-token"`
}

// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/gardener/buildsched/pkg/demo/artifactcache"
	"github.com/gardener/buildsched/pkg/demo/gitsource"
	"github.com/gardener/buildsched/pkg/item"
	"github.com/gardener/buildsched/pkg/queue"
	"github.com/gardener/buildsched/pkg/runctx"
	"github.com/gardener/buildsched/pkg/scheduler"
	"github.com/gardener/buildsched/pkg/worker"
)

const (
	// DefaultConfigFileName is the configuration filename under the
	// buildsched home folder.
	DefaultConfigFileName = "config"
	// BuildschedHomeDir defines the buildsched home location.
	BuildschedHomeDir = ".buildsched"
)

var vip *viper.Viper

// NewCommand creates the root command, plus a hidden subcommand a
// spawned Job re-execs into (pkg/worker.Subcommand) — cobra's ordinary
// subcommand dispatch is what makes self-reexec work without any
// special-casing of os.Args in main.
func NewCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buildsched",
		Short: "Schedule a parallel, retrying build pipeline over a set of repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			options, err := NewOptions()
			if err != nil {
				return err
			}
			return run(ctx, options)
		},
	}

	Configure(cmd)

	cmd.AddCommand(NewVersionCmd())
	cmd.AddCommand(newCompletionCmd())
	cmd.AddCommand(newWorkerCmd())

	klog.InitFlags(nil)
	AddFlags(cmd)

	return cmd
}

// newWorkerCmd is the hidden entrypoint a re-exec'd Job process lands
// in: given a valid payload it never returns, calling os.Exit with the
// Worker's exit code; a payload that fails to parse is returned as an
// error.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    worker.Subcommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cargs, snapshot, err := worker.ParsePayload(os.Getenv(worker.EnvKey))
			if err != nil {
				return err
			}
			os.Exit(worker.Run(cargs, snapshot))
			return nil
		},
	}
}

// run builds the Track -> Fetch -> Build [-> Push] pipeline from
// options and drives it to completion.
func run(ctx context.Context, options *Options) error {
	rc := runctx.New()

	manifest, err := loadManifest(options.ManifestPath)
	if err != nil {
		return err
	}

	cache := artifactcache.New(options.CacheHomeDir, options.PushRepo)

	var pushOwner, pushRepo string
	if cache.HasPushRemotes() {
		pushOwner, pushRepo = splitOwnerRepo(options.PushRepo)
	}
	pushToken := githubToken(options)

	items := make([]item.WorkItem, 0, len(manifest.Repositories))
	for _, r := range manifest.Repositories {
		it := gitsource.New(r.Name, r.URL, r.Ref, options.CacheHomeDir)
		if cache.HasPushRemotes() {
			it.WithPushRemote(pushOwner, pushRepo, pushToken)
		}
		items = append(items, it)
	}

	tokens := scheduler.NewTokenPool(map[string]int{
		"network": options.NetworkTokens,
		"cpu":     options.CPUTokens,
		"push":    options.PushTokens,
	})

	trackQ := newQueue("Track", gitsource.TrackBehavior{}, options.TrackWorkers, tokens, options, rc)
	fetchQ := newQueue("Fetch", gitsource.FetchBehavior{}, options.FetchWorkers, tokens, options, rc)
	buildQ := newQueue("Build", gitsource.BuildBehavior{}, options.BuildWorkers, tokens, options, rc)
	trackQ.Next = fetchQ
	fetchQ.Next = buildQ

	pipeline := []*queue.Queue{trackQ, fetchQ, buildQ}
	if cache.HasPushRemotes() {
		pushQ := newQueue("Push", gitsource.PushBehavior{}, options.PushWorkers, tokens, options, rc)
		buildQ.Next = pushQ
		pipeline = append(pipeline, pushQ)
	} else {
		klog.Info("no push-repo configured, Push stage disabled")
	}

	trackQ.Enqueue(items...)

	sched := scheduler.New(pipeline, tokens, rc)
	elapsed, status := sched.Run(ctx)
	klog.Infof("run finished in %s with status %s", elapsed, status)
	if status != scheduler.StatusSuccess {
		return fmt.Errorf("app: run finished with status %s", status)
	}
	return nil
}

func newQueue(name string, behavior queue.Behavior, maxConcurrent int, tokens *scheduler.TokenPool, options *Options, rc *runctx.Context) *queue.Queue {
	q := queue.New(name, behavior, maxConcurrent, tokens)
	q.MaxRetries = options.MaxRetries
	q.LogDir = options.LogDir
	q.FailFast = options.FailFast
	q.RC = rc
	return q
}

func splitOwnerRepo(s string) (owner, repo string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func githubToken(options *Options) string {
	for _, c := range options.Credentials {
		if c.Host == "github.com" {
			return c.OAuthToken
		}
	}
	return options.GhOAuthToken
}

// Configure configures flags for the root command.
func Configure(command *cobra.Command) {
	vip = viper.NewWithOptions(viper.KeyDelimiter("::"))

	configureFlags(command)
	configureConfigFile()
}

func configureFlags(command *cobra.Command) {
	command.Flags().StringP("manifest", "f", "",
		"Path to the repository manifest (YAML) describing what to build.")
	_ = command.MarkFlagRequired("manifest")
	_ = vip.BindPFlag("manifest", command.Flags().Lookup("manifest"))

	cacheDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, BuildschedHomeDir)
	}
	command.Flags().String("cache-dir", cacheDir,
		"Cache directory, used for cloned repository workspaces and the artifact cache.")
	_ = vip.BindPFlag("cache-dir", command.Flags().Lookup("cache-dir"))

	command.Flags().String("log-dir", "",
		"Directory to write one log file per Worker action attempt into. Empty disables file logging.")
	_ = vip.BindPFlag("log-dir", command.Flags().Lookup("log-dir"))

	command.Flags().Bool("fail-fast", false,
		"Fail-fast vs fault tolerant operation.")
	_ = vip.BindPFlag("fail-fast", command.Flags().Lookup("fail-fast"))

	command.Flags().Int("max-retries", 0,
		"Number of times a failed action is retried before its item is marked failed.")
	_ = vip.BindPFlag("max-retries", command.Flags().Lookup("max-retries"))

	command.Flags().Int("track-workers", 10,
		"Maximum concurrent Track actions.")
	_ = vip.BindPFlag("track-workers", command.Flags().Lookup("track-workers"))

	command.Flags().Int("fetch-workers", 4,
		"Maximum concurrent Fetch actions.")
	_ = vip.BindPFlag("fetch-workers", command.Flags().Lookup("fetch-workers"))

	command.Flags().Int("build-workers", 4,
		"Maximum concurrent Build actions.")
	_ = vip.BindPFlag("build-workers", command.Flags().Lookup("build-workers"))

	command.Flags().Int("push-workers", 2,
		"Maximum concurrent Push actions.")
	_ = vip.BindPFlag("push-workers", command.Flags().Lookup("push-workers"))

	command.Flags().Int("network-tokens", 8,
		"Concurrency tokens for the network resource class shared by Track and Fetch.")
	_ = vip.BindPFlag("network-tokens", command.Flags().Lookup("network-tokens"))

	command.Flags().Int("cpu-tokens", 4,
		"Concurrency tokens for the cpu resource class used by Build.")
	_ = vip.BindPFlag("cpu-tokens", command.Flags().Lookup("cpu-tokens"))

	command.Flags().Int("push-tokens", 2,
		"Concurrency tokens for the push resource class.")
	_ = vip.BindPFlag("push-tokens", command.Flags().Lookup("push-tokens"))

	command.Flags().String("push-repo", "",
		"owner/repo on GitHub to push built artifacts to as release assets. Empty disables the Push stage entirely.")
	_ = vip.BindPFlag("push-repo", command.Flags().Lookup("push-repo"))

	command.Flags().String("github-oauth-token", "",
		"GitHub personal token authorizing push access to --push-repo.")
	_ = vip.BindPFlag("github-oauth-token", command.Flags().Lookup("github-oauth-token"))
}

func configureConfigFile() {
	vip.AutomaticEnv()
	cfgFile := os.Getenv("BUILDSCHED_CONFIG")
	if cfgFile == "" {
		userHomeDir, _ := os.UserHomeDir()
		cfgFile = filepath.Join(userHomeDir, BuildschedHomeDir, DefaultConfigFileName)
		if _, err := os.Lstat(cfgFile); os.IsNotExist(err) {
			// default configuration file doesn't exist -> nothing to configure
			return
		}
	}
	vip.AddConfigPath(filepath.Dir(cfgFile))
	vip.SetConfigName(filepath.Base(cfgFile))
	vip.SetConfigType("yaml")
	if err := vip.ReadInConfig(); err != nil {
		klog.Warningf("non-fatal error loading configuration file %s: %v", cfgFile, err)
		return
	}
	klog.Infof("configuration file %s will be used", cfgFile)
}

// NewOptions creates an Options object from flags and the configuration
// file; flags take precedence over file-provided values.
func NewOptions() (*Options, error) {
	loaded := &Options{}
	if err := vip.Unmarshal(loaded); err != nil {
		return nil, err
	}
	loaded.Credentials = gatherCredentials()
	return loaded, nil
}

// AddFlags adds go flags (klog's, notably) to the root command.
func AddFlags(rootCmd *cobra.Command) {
	flag.CommandLine.VisitAll(func(gf *flag.Flag) {
		rootCmd.Flags().AddGoFlag(gf)
	})
}

func gatherCredentials() []Credential {
	var configCredentials []Credential
	if err := vip.UnmarshalKey("credentials", &configCredentials); err != nil {
		klog.Warningf("error in unmarshalling credentials from config: %s", err.Error())
	}

	byHost := make(map[string]Credential, len(configCredentials))
	for _, cred := range configCredentials {
		if cred.OAuthToken == "" {
			klog.Warningf("configuration is considered incorrect because of missing oauth token for host: %s\n", cred.Host)
			continue
		}
		byHost[cred.Host] = cred
	}

	if token := vip.GetString("github-oauth-token"); token != "" {
		username := ""
		if parts := strings.SplitN(token, ":", 2); len(parts) == 2 {
			username, token = parts[0], parts[1]
		}
		if _, ok := byHost["github.com"]; ok {
			klog.Warning("github.com token is overridden by the provided --github-oauth-token flag\n")
		}
		byHost["github.com"] = Credential{Host: "github.com", Username: username, OAuthToken: token}
	}

	credentials := make([]Credential, 0, len(byHost))
	for _, cred := range byHost {
		credentials = append(credentials, cred)
	}
	return credentials
}

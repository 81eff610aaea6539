package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/forgecoord/bco/internal/masterloop"
	"github.com/forgecoord/bco/internal/queue"
	"github.com/forgecoord/bco/internal/store"
	"github.com/forgecoord/bco/internal/vcsrepo"
	"golang.org/x/xerrors"
)

// envConfig is the small per-ENV_PATH descriptor this tree reads instead of
// a trac.ini: just enough to open a Repository Adapter. Its absence falls
// back to vcsrepo.Static, keeping an environment directory usable with no
// config at all for local experimentation.
type envConfig struct {
	// GitHubRepo is an "owner/repo" slug; when set, the environment's
	// Repository Adapter is vcsrepo.GitHub instead of the no-op Static one.
	GitHubRepo string `json:"github_repo"`
	// GitHubTokenEnv names an environment variable holding the OAuth2
	// access token, so the token itself never needs to live in env.json.
	GitHubTokenEnv string `json:"github_token_env"`
}

// openEnvironment loads the store snapshot and repository adapter for one
// ENV_PATH and wires them into a masterloop.Environment.
func openEnvironment(ctx context.Context, path string, q queueOptions) (*masterloop.Environment, error) {
	s, err := store.NewFile(filepath.Join(path, "store.json"))
	if err != nil {
		return nil, xerrors.Errorf("opening store: %w", err)
	}

	cfg, err := readEnvConfig(path)
	if err != nil {
		return nil, xerrors.Errorf("reading env config: %w", err)
	}

	var repo vcsrepo.Adapter = &vcsrepo.Static{}
	if cfg.GitHubRepo != "" {
		token := ""
		if cfg.GitHubTokenEnv != "" {
			token = os.Getenv(cfg.GitHubTokenEnv)
		}
		gh, err := vcsrepo.NewGitHub(ctx, cfg.GitHubRepo, token)
		if err != nil {
			return nil, xerrors.Errorf("opening GitHub adapter: %w", err)
		}
		repo = gh
	}

	qu := &queue.Queue{
		Store:         s,
		Repo:          repo,
		BuildAll:      q.buildAll,
		StabilizeWait: q.stabilizeWait,
		Timeout:       q.slaveTimeout,
	}
	return masterloop.NewEnvironment(filepath.Base(path), s, repo, qu), nil
}

type queueOptions struct {
	buildAll      bool
	stabilizeWait int64
	slaveTimeout  int64
}

func readEnvConfig(path string) (envConfig, error) {
	data, err := os.ReadFile(filepath.Join(path, "env.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return envConfig{}, nil
		}
		return envConfig{}, err
	}
	var cfg envConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return envConfig{}, err
	}
	return cfg, nil
}

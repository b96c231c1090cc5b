package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dyluth/mural/internal/admission"
	"github.com/dyluth/mural/internal/authority"
	"github.com/dyluth/mural/internal/colormatch"
	"github.com/dyluth/mural/internal/config"
	"github.com/dyluth/mural/internal/damage"
	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/internal/reconcile"
	"github.com/dyluth/mural/internal/repair"
	"github.com/dyluth/mural/internal/target"
	"github.com/dyluth/mural/internal/tilecache"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// components holds everything a command may need, built from mural.yml.
type components struct {
	cfg     *config.MuralConfig
	dir     string // directory of mural.yml
	store   *canvas.Store
	source  *target.FileSource
	session *target.Session
	cache   *tilecache.Cache
	clock   clockwork.Clock
}

// loadConfig reads mural.yml and reports failures the way the CLI prints them.
func loadConfig(path string) (*config.MuralConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": path},
			[]string{
				"Create an example configuration:\n  mural init",
				"Point at another file:\n  mural --config path/to/mural.yml <command>",
			},
		)
	}
	return cfg, nil
}

// openStore connects to the instance's Redis and verifies it is reachable.
func openStore(ctx context.Context, cfg *config.MuralConfig) (*canvas.Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}

	store, err := canvas.NewStore(opts, cfg.Instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, printer.ErrorWithContext(
			"redis not accessible",
			fmt.Sprintf("Error: %v", err),
			map[string]string{"Redis": cfg.RedisURL, "Instance": cfg.Instance},
			[]string{"Check that Redis is running and redis_url is correct"},
		)
	}
	return store, nil
}

// newComponents loads config, the session and Redis. Callers must call close.
func newComponents(ctx context.Context) (*components, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(configPath)
	sessionPath := cfg.Session
	if !filepath.IsAbs(sessionPath) {
		sessionPath = filepath.Join(dir, sessionPath)
	}

	session, err := target.LoadSession(sessionPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load session",
			err.Error(),
			map[string]string{"Session": sessionPath},
			[]string{"Check the session file named by 'session' in mural.yml"},
		)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &components{
		cfg:     cfg,
		dir:     dir,
		store:   store,
		source:  &target.FileSource{Path: sessionPath},
		session: session,
		cache:   tilecache.New(),
		clock:   clockwork.NewRealClock(),
	}, nil
}

func (c *components) close() {
	if err := c.store.Close(); err != nil {
		log.Debug().Err(err).Msg("closing store")
	}
}

// warm fills the cache with the tiles the current target covers.
func (c *components) warm(ctx context.Context) (int, error) {
	keys, err := c.source.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return c.cache.Warm(ctx, c.store, keys)
}

// detector builds the damage detector from config defaults and session tunables.
func (c *components) detector() *damage.Detector {
	base := damage.DefaultOptions()
	base.UnknownAsDamage = c.cfg.Reconcile.UnknownAsDamage
	if c.cfg.Reconcile.ProgressRows > 0 {
		base.ProgressRows = c.cfg.Reconcile.ProgressRows
	}

	tunables := c.session.Tunables
	return damage.New(colormatch.New(tunables.MatcherOptions()), tunables.DetectorOptions(base))
}

// authority builds the paint authority client.
func (c *components) authority() (*authority.Client, error) {
	a := c.cfg.Authority

	var tokens authority.TokenSource
	if a.Token != "" {
		tokens = authority.StaticToken(a.Token)
	} else {
		tokens = authority.CommandToken{Command: a.TokenCommand, Dir: c.dir}
	}

	return authority.New(authority.Options{
		BaseURL:       a.BaseURL,
		SessionCookie: a.SessionCookie,
		CredentialTTL: a.CredentialTTL,
		Timeout:       a.Timeout,
		Clock:         c.clock,
	}, tokens)
}

// loop wires the reconciliation loop. autonomous enables the interval timer.
func (c *components) loop(autonomous bool) (*reconcile.Loop, error) {
	client, err := c.authority()
	if err != nil {
		return nil, err
	}

	r := c.cfg.Reconcile
	return reconcile.New(reconcile.Deps{
		Target:    c.source,
		Live:      c.cache,
		Detector:  c.detector(),
		Admission: admission.New(client, c.clock, c.store),
		Executor:  repair.New(client),
		Recorder:  c.store,
		Clock:     c.clock,
	}, reconcile.Options{
		Autonomous:         autonomous,
		Interval:           r.Interval,
		FailureThreshold:   r.FailureThreshold,
		HardFailureBackoff: r.HardFailureBackoff,
		UnexpectedBackoff:  r.UnexpectedBackoff,
		Strategy:           c.session.Tunables.Strategy(),
	})
}

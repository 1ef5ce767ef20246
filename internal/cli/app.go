package cli

import (
	"fmt"
	"os"
	"path/filepath"

	hos "github.com/hack-pad/hackpadfs/os"
	"github.com/kittclouds/kittlink/internal/config"
	"github.com/kittclouds/kittlink/internal/logging"
	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/adapters"
	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
	"github.com/kittclouds/kittlink/pkg/similarity"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app holds what every command needs once configuration is resolved.
type app struct {
	cfg *config.Config
	log zerolog.Logger
	fs  *hos.FS
}

// bindFlags maps command flags onto config keys. Bound at run time because
// several commands share keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	if configErr != nil {
		return nil, configErr
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: logger, fs: hos.NewFS()}, nil
}

// fsPath converts an OS path to a path on a.fs.
func (a *app) fsPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return a.fs.FromOSPath(abs)
}

func (a *app) openRegistry() (store.Registry, error) {
	var registry store.Registry
	switch a.cfg.Registry.Backend {
	case config.BackendMemory:
		registry = store.NewMemStore()
	case config.BackendSQLite:
		path := a.cfg.Registry.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create registry directory: %w", err)
			}
		}
		s, err := store.OpenSQLiteStore(path, a.cfg.Registry.BusyTimeout)
		if err != nil {
			return nil, err
		}
		registry = s
	default:
		return nil, fmt.Errorf("unknown registry backend %q", a.cfg.Registry.Backend)
	}

	if a.cfg.Registry.CacheTTL > 0 {
		registry = store.NewCachedRegistry(registry, a.cfg.Registry.CacheTTL)
	}
	a.log.Debug().
		Str("backend", a.cfg.Registry.Backend).
		Str("path", a.cfg.Registry.Path).
		Dur("cache_ttl", a.cfg.Registry.CacheTTL).
		Msg("registry opened")
	return registry, nil
}

func (a *app) loadAdapters() (adapters.Set, error) {
	var set adapters.Set
	for _, ac := range a.cfg.Adapters {
		path, err := a.fsPath(ac.Path)
		if err != nil {
			return nil, err
		}
		ad, err := adapters.Load(a.fs, ac.Name, path, ac.Types)
		if err != nil {
			return nil, err
		}
		a.log.Info().Str("adapter", ac.Name).Int("names", ad.Len()).Msg("adapter loaded")
		set = append(set, ad)
	}
	return set, nil
}

func (a *app) resolver() *resolver.Resolver {
	return resolver.New(resolver.Config{
		SentenceWindow:  a.cfg.Coref.SentenceWindow,
		MentionWindow:   a.cfg.Coref.MentionWindow,
		CompatibleTypes: a.cfg.Coref.CompatibleTypes,
	})
}

func (a *app) linker(registry store.Registry, res *resolver.Resolver) (*linker.Linker, error) {
	scorer, err := similarity.New(a.cfg.Link.Similarity)
	if err != nil {
		return nil, err
	}
	set, err := a.loadAdapters()
	if err != nil {
		return nil, err
	}

	lcfg := linker.DefaultConfig()
	lcfg.Threshold = a.cfg.Link.Threshold
	lcfg.MaxRetries = a.cfg.Link.MaxRetries
	lcfg.RetryBackoff = a.cfg.Link.RetryBackoff
	lcfg.CompatibleTypes = a.cfg.Coref.CompatibleTypes
	lcfg.IsPronoun = res.IsPronoun
	if len(set) > 0 {
		lcfg.External = set
	}
	return linker.New(registry, scorer, lcfg, a.log), nil
}

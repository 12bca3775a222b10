package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/avi3tal/agentcore/internal/config"
	"github.com/avi3tal/agentcore/internal/ctxlog"
	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/sessionstore"
	"github.com/avi3tal/agentcore/pkg/orchestrator"
)

// app carries the global flags and the loaded configuration to every
// subcommand.
type app struct {
	configPath string
	root       string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	base   string
	logger *slog.Logger
}

// NewRootCommand builds the agentcore command tree
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Run agent task graphs and review their file changes",
		Long: `agentcore runs a graph of agent steps (analysis, code generation, review)
and stages every change the agents make to existing files as a patch that must
be applied or discarded explicitly.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to agentcore.yaml (default: search up directory tree)")
	root.PersistentFlags().StringVar(&a.root, "root", "", "Project root (overrides project_root in the config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(newRunCommand(a))
	root.AddCommand(newPlanCommand(a))
	root.AddCommand(newPatchCommand(a))
	root.AddCommand(newInitCommand(a))
	return root
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, base, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := ctxlog.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg, a.base, a.logger = cfg, base, logger
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
	return nil
}

// loadConfig reads the explicit config path, or the nearest agentcore.yaml,
// or falls back to defaults rooted at the working directory.
func (a *app) loadConfig() (*config.Config, string, error) {
	path := a.configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		found, err := config.Find(wd)
		if errors.Is(err, fs.ErrNotExist) {
			return config.GenerateDefault(), wd, nil
		}
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(abs), nil
}

func (a *app) projectRoot() (string, error) {
	if a.root != "" {
		return filepath.Abs(a.root)
	}
	return a.cfg.Root(a.base), nil
}

func (a *app) openStore(root string) (sessionstore.Store, error) {
	path := a.cfg.StorePath(root)
	switch a.cfg.Store.Kind {
	case config.StoreMemory:
		return sessionstore.NewMemoryStore(), nil
	case config.StoreBadger:
		bc := sessionstore.DefaultBadgerConfig(path)
		bc.SyncWrites = a.cfg.Store.SyncWrites
		bc.Logger = a.logger
		return sessionstore.OpenBadgerStore(bc)
	default:
		return sessionstore.OpenFileStore(path)
	}
}

func (a *app) openModel() (llms.Model, error) {
	m := a.cfg.Model
	switch m.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(m.Name)}
		if m.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(m.BaseURL))
		}
		return ollama.New(opts...)
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(m.Name)}
		if m.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(m.BaseURL))
		}
		if m.APIKeyEnv != "" {
			opts = append(opts, openai.WithToken(os.Getenv(m.APIKeyEnv)))
		}
		return openai.New(opts...)
	}
	return nil, nil
}

// open builds an orchestrator for the project. The model is only created
// when withModel is set so patch commands never need provider credentials.
func (a *app) open(ctx context.Context, withModel bool, engineOpts ...engine.Option) (*orchestrator.Orchestrator, error) {
	root, err := a.projectRoot()
	if err != nil {
		return nil, err
	}
	store, err := a.openStore(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s session store: %w", a.cfg.Store.Kind, err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithStore(store),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithEngineOptions(engineOpts...),
	}
	if withModel {
		model, err := a.openModel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create %s model client: %w", a.cfg.Model.Provider, err)
		}
		if model != nil {
			opts = append(opts, orchestrator.WithModel(model))
		}
	}

	o, err := orchestrator.New(ctx, root, opts...)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("project opened", slog.String("root", root), slog.String("store", a.cfg.Store.Kind))
	return o, nil
}

func newInitCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agentcore.yaml to the project root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := a.projectRoot()
			if err != nil {
				return err
			}
			path := filepath.Join(root, config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.GenerateDefault().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

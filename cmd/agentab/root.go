package main

import (
	"fmt"

	"github.com/ahrdadan/agentab/internal/config"
	"github.com/ahrdadan/agentab/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// viperKey annotates a flag with the configuration key it overrides.
const viperKey = "agentab/viper-key"

// app carries what PersistentPreRunE resolves for the subcommands.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds the agentab command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "agentab",
		Short:        "Browser sessions, actions and observations for agents",
		Version:      config.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initialize(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./agentab.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	bindFlag(root.PersistentFlags(), "log-level", "logger.level")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(a),
		newSnapshotCmd(a),
		newInstallCmd(a),
		newVersionCmd(),
	)
	return root
}

func bindFlag(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, viperKey, []string{key}); err != nil {
		panic(err)
	}
}

// initialize loads the configuration, applying flags the user set, and
// builds the logger.
func (a *app) initialize(cmd *cobra.Command) error {
	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.Logger)
	a.logger.Debug("configuration loaded", zap.String("file", v.ConfigFileUsed()))
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[viperKey]
		if !ok || err != nil || !f.Changed {
			return
		}
		if bindErr := v.BindPFlag(keys[0], f); bindErr != nil {
			err = fmt.Errorf("binding --%s: %w", f.Name, bindErr)
		}
	})
	return err
}

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// cli carries the resolved configuration to every subcommand.
type cli struct {
	cfg    Config
	logger *slog.Logger
	getenv func(string) string
}

func newRootCmd() *cobra.Command {
	c := &cli{getenv: os.Getenv}

	root := &cobra.Command{
		Use:   "actseq",
		Short: "actseq compiles and runs action sequences against a schema-validated state store",
		Long: `actseq compiles declarative action sequences into flat executable blocks and
runs them against a state store whose collections are validated by schema.
Plugins loaded from --plugins declare collections, sequences, listeners and triggers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.getenv)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg, cmd.ErrOrStderr())
			return nil
		},
	}
	bindFlags(root)

	root.AddCommand(
		newCompileCmd(c),
		newDecompileCmd(c),
		newValidateCmd(c),
		newRunCmd(c),
		newGraphCmd(c),
		newMCPCmd(c),
		newVersionCmd(),
	)
	return root
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/actseq/internal/app"
	"github.com/rendis/actseq/internal/compiler"
	"github.com/rendis/actseq/internal/diagram"
	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/internal/validation"
	"github.com/rendis/actseq/pkg/mcp"
	"github.com/rendis/actseq/pkg/schema"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp opens a runtime for the duration of fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// resolve returns the sequence named by target: a source file compiled on the
// fly, or the id of a sequence defined by a plugin.
func resolve(ctx context.Context, a *app.App, target, id string, store bool) (*schema.Sequence, error) {
	if !isFile(target) {
		return a.Library.Load(target)
	}
	def, err := readSource(target)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = sequenceID(target)
	}
	if store {
		return a.Library.Define(ctx, id, def)
	}
	return a.Compiler.Compile(id, def)
}

func newCompileCmd(c *cli) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "compile FILE",
		Short: "Compile a sequence source file to flat blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !isFile(args[0]) {
					return fmt.Errorf("%s: not a file", args[0])
				}
				seq, err := resolve(ctx, a, args[0], id, false)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), seq)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sequence id (default: file name)")
	return cmd
}

func newDecompileCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "decompile FILE|ID",
		Short: "Print the source form of a compiled sequence file or a plugin sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(_ context.Context, a *app.App) error {
				var seq *schema.Sequence
				if isFile(args[0]) {
					data, err := os.ReadFile(args[0])
					if err != nil {
						return err
					}
					seq = &schema.Sequence{}
					if err := json.Unmarshal(data, seq); err != nil {
						return fmt.Errorf("parse %s: %w", args[0], err)
					}
					if err := validation.ValidateSequence(seq, a.Registry).ToError(); err != nil {
						return err
					}
				} else {
					var err error
					if seq, err = a.Library.Load(args[0]); err != nil {
						return err
					}
				}
				src, err := compiler.Decompile(seq)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(src)
			})
		},
	}
}

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check that sequence source files compile and report recursive sequences",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				calls := map[string][]string{}
				records, err := a.Library.List()
				if err != nil {
					return err
				}
				for _, rec := range records {
					seq, err := a.Library.Load(rec.ID)
					if err != nil {
						return err
					}
					calls[seq.ID] = validation.Calls(seq)
				}

				failed := 0
				for _, path := range args {
					if !isFile(path) {
						failed++
						fmt.Fprintf(out, "FAIL %s: not a file\n", path)
						continue
					}
					seq, err := resolve(ctx, a, path, "", false)
					if err != nil {
						failed++
						fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
						continue
					}
					calls[seq.ID] = validation.Calls(seq)
					fmt.Fprintf(out, "ok   %s\n", path)
				}

				for _, w := range validation.CheckCallGraph(calls).Warnings {
					fmt.Fprintf(out, "WARN %s: %s\n", w.Code, w.Message)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d files failed validation", failed, len(args))
				}
				return nil
			})
		},
	}
}

func newRunCmd(c *cli) *cobra.Command {
	var (
		id      string
		ctxJSON string
	)
	cmd := &cobra.Command{
		Use:   "run FILE|ID",
		Short: "Execute a sequence and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields map[string]any
			if ctxJSON != "" {
				if err := json.Unmarshal([]byte(ctxJSON), &fields); err != nil {
					return fmt.Errorf("--context: %w", err)
				}
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				seq, err := resolve(ctx, a, args[0], id, true)
				if err != nil {
					return err
				}
				res, runErr := a.Interpreter.Execute(ctx, seq.ID, scope.New(fields))
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sequence id when running a file (default: file name)")
	cmd.Flags().StringVar(&ctxJSON, "context", "", "initial context fields as a JSON object")
	return cmd
}

func newGraphCmd(c *cli) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "graph FILE|ID",
		Short: "Draw a sequence as Mermaid, SVG or PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if format == diagram.FormatPNG && output == "" {
					return errors.New("png output needs --output")
				}
				seq, err := resolve(ctx, a, args[0], "", false)
				if err != nil {
					return err
				}
				model, err := diagram.Build(seq)
				if err != nil {
					return err
				}

				var data []byte
				switch format {
				case "mermaid":
					data = []byte(diagram.RenderMermaid(model))
				case diagram.FormatPNG, diagram.FormatSVG:
					if data, err = diagram.RenderImage(ctx, model, format); err != nil {
						return err
					}
				default:
					return fmt.Errorf("format must be mermaid, png or svg, got %q", format)
				}

				if output == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, png or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve actseq tools over MCP stdio and run plugin triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Start(ctx); err != nil {
					return err
				}
				c.logger.InfoContext(ctx, "mcp server starting", "transport", "stdio")
				srv := mcp.NewServer(mcp.ServerDeps{App: a, Logger: c.logger})
				if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
}

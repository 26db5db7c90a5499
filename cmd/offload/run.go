package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryguy/offload"
)

var (
	runDeps        []string
	runHelperFiles []string
	runTimeout     time.Duration
	runTS          bool
)

var runCmd = &cobra.Command{
	Use:   "run <function-file> [args...]",
	Short: "Run the function in a file once and print its JSON result",
	Long: `Run loads a file holding a single function expression, calls it with
the given arguments and prints the result. Each argument is parsed as
JSON; anything that does not parse is passed as a string.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		task := offload.Task{Source: string(src), Dependencies: runDeps}
		if runTS {
			task.Loader = offload.LoaderTS
		}
		for _, path := range runHelperFiles {
			h, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			task.Helpers = append(task.Helpers, string(h))
		}

		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		ctrl := rt.engine.NewController(task, offload.Options{
			Timeout: runTimeout,
			OnProgress: func(m offload.Message) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", m.Type, m.Data)
			},
		})
		defer ctrl.Close()

		result, err := ctrl.Invoke(ctx, parseArgs(args[1:])...)
		if err != nil {
			return fmt.Errorf("%s: %w", ctrl.Status(), err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runDeps, "dep", nil, "dependency locator loaded before the function (repeatable)")
	runCmd.Flags().StringSliceVar(&runHelperFiles, "helper", nil, "file with a helper function declaration (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "call deadline (default OFFLOAD_TIMEOUT)")
	runCmd.Flags().BoolVar(&runTS, "ts", false, "treat the function as TypeScript")
}

func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, a := range raw {
		if json.Valid([]byte(a)) {
			args[i] = json.RawMessage(a)
		} else {
			args[i] = a
		}
	}
	return args
}

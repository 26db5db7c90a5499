package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryguy/offload/internal/job"
	"github.com/cryguy/offload/internal/queue"
)

var (
	workerReclaim time.Duration
	submitWait    bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume jobs from the Redis stream and broadcast their results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q, err := dialQueue(cmd, rt)
		if err != nil {
			return err
		}
		defer q.Close()

		r := queue.NewRunner(q, rt.engine, rt.cfg.Workers, rt.logger)
		r.ReclaimInterval = workerReclaim
		return r.Run(ctx)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <job.json>",
	Short: "Publish a job to the Redis stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var req job.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		if err := req.Validate(); err != nil {
			return err
		}

		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		q, err := dialQueue(cmd, rt)
		if err != nil {
			return err
		}
		defer q.Close()

		ctx := cmd.Context()
		var results <-chan job.Response
		if submitWait {
			if results, err = q.Results(ctx); err != nil {
				return err
			}
		}
		id, err := q.Publish(ctx, req)
		if err != nil {
			return err
		}
		rt.logger.Info("job submitted", "job", req.ID, "msg_id", id)
		if !submitWait {
			fmt.Fprintln(cmd.OutOrStdout(), req.ID)
			return nil
		}
		for resp := range results {
			if resp.ID != req.ID {
				continue
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		}
		return errors.New("result channel closed")
	},
}

func dialQueue(cmd *cobra.Command, rt *runtime) (*queue.RedisQueue, error) {
	if rt.cfg.RedisAddr == "" {
		return nil, errors.New("OFFLOAD_REDIS_ADDR is not set")
	}
	return queue.Dial(cmd.Context(), rt.cfg.RedisAddr, rt.cfg.RedisStream, rt.cfg.RedisGroup, rt.logger)
}

func init() {
	workerCmd.Flags().DurationVar(&workerReclaim, "reclaim", time.Minute, "interval for reclaiming stale jobs (0 disables)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the job's result and print it")
}

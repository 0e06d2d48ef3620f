/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	relayer "github.com/wiimdy/openfunderse-sub000"
	"github.com/wiimdy/openfunderse-sub000/config"
)

const monitorShutdownTimeout = 5 * time.Second

func initializeWorkerServer(conf *config.Configuration, opt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{conf.Queue.WebhookQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logrus.WithError(err).WithFields(logrus.Fields{"task": task.Type(), "retry": retried}).Warn("task failed")
		}),
	})
}

// workerCommands starts the webhook worker, the asynq monitor and the epoch
// and execution scheduler in one process. Any of them failing stops the rest.
func workerCommands(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "start the relayer workers and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r, err := a.setup(ctx)
			if err != nil {
				return err
			}

			opt, err := relayer.RedisClientOpt(a.cnf)
			if err != nil {
				return fmt.Errorf("error parsing redis address: %w", err)
			}

			srv := initializeWorkerServer(a.cnf, opt)
			mux := asynq.NewServeMux()
			mux.HandleFunc(a.cnf.Queue.WebhookQueue, relayer.ProcessWebhook)

			scheduler, err := relayer.NewScheduler(ctx, r)
			if err != nil {
				return fmt.Errorf("error creating scheduler: %w", err)
			}

			monitor := &http.Server{
				Addr:              ":" + a.cnf.Queue.MonitoringPort,
				Handler:           asynqmon.New(asynqmon.Options{RootPath: "/monitoring", RedisConnOpt: opt}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(mux); err != nil {
					return fmt.Errorf("could not start worker server: %w", err)
				}
				<-gctx.Done()
				srv.Shutdown()
				return nil
			})
			g.Go(func() error {
				scheduler.Start()
				<-gctx.Done()
				scheduler.Stop()
				return nil
			})
			g.Go(func() error {
				logrus.Infof("asynqmon listening on %s/monitoring", monitor.Addr)
				if err := monitor.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("could not start asynqmon server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
				defer cancel()
				return monitor.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}
}

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
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	relayer "github.com/wiimdy/openfunderse-sub000"
	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/database"
	"github.com/wiimdy/openfunderse-sub000/internal/notification"
	redis_db "github.com/wiimdy/openfunderse-sub000/internal/redis-db"
	"github.com/wiimdy/openfunderse-sub000/internal/traces"
)

// CLI wraps the root cobra command.
type CLI struct {
	cmd *cobra.Command
}

// app carries what the subcommands share. The relayer is built on demand so
// commands such as migrate only need a configuration.
type app struct {
	configFile string
	cnf        *config.Configuration
	redis      *redis_db.Redis
	queue      *relayer.Queue
	relayer    *relayer.Relayer
	shutdown   traces.ShutdownFunc
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and installs tracing before any command.
func preRun(a *app) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(a.configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		a.cnf = cnf

		shutdown, err := traces.Setup(cmd.Context(), cnf)
		if err != nil {
			logrus.WithError(err).Warn("tracing disabled")
		}
		a.shutdown = shutdown
		return nil
	}
}

func postRun(a *app) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		a.close(context.Background())
	}
}

// setup connects the datasource, redis and the webhook queue and builds the
// relayer on top of them.
func (a *app) setup(ctx context.Context) (*relayer.Relayer, error) {
	if a.relayer != nil {
		return a.relayer, nil
	}

	db, err := database.NewDataSource(a.cnf)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %w", err)
	}

	rdb, err := redis_db.Connect(ctx, a.cnf.Redis)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	a.redis = rdb

	queue, err := relayer.NewQueue(a.cnf)
	if err != nil {
		return nil, fmt.Errorf("error creating queue: %w", err)
	}
	a.queue = queue
	notification.RegisterWebhookSender(queue.WebhookSender())

	r, err := relayer.NewRelayer(db, relayer.WithRedis(rdb.Client()), relayer.WithQueue(queue))
	if err != nil {
		notification.NotifyError(err)
		return nil, fmt.Errorf("error creating relayer: %w", err)
	}
	a.relayer = r
	return r, nil
}

func (a *app) close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close queue")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close redis")
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("failed to flush traces")
		}
	}
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *CLI {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:               "openfunderse-relayer",
		Short:             "Settlement relayer for openfunderse funds",
		SilenceUsage:      true,
		PersistentPreRunE: preRun(a),
		PersistentPostRun: postRun(a),
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "./openfunderse.json", "Configuration file for the relayer")

	rootCmd.AddCommand(epochCommands(a))
	rootCmd.AddCommand(executionCommands(a))
	rootCmd.AddCommand(workerCommands(a))
	rootCmd.AddCommand(migrateCommands(a))

	return &CLI{cmd: rootCmd}
}

func (c CLI) execute() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	NewCLI().execute()
}

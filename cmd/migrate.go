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
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	relayer "github.com/wiimdy/openfunderse-sub000"
	"github.com/wiimdy/openfunderse-sub000/database"
)

const migrationSchema = "openfunderse"

func migrateCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back database migrations",
	}
	cmd.AddCommand(migrateCommand(a, "up", migrate.Up))
	cmd.AddCommand(migrateCommand(a, "down", migrate.Down))
	return cmd
}

func migrateCommand(a *app, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("migrate %s", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: relayer.SQLFiles,
				Root:       "sql",
			}

			db, err := database.ConnectDB(a.cnf.DataSource)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer func() { _ = db.Close() }()

			migrate.SetSchema(migrationSchema)
			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			fmt.Printf("Applied %d migrations (%s)\n", n, use)
			return nil
		},
	}
}

// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command smsbackup ingests SMS Backup XML documents from object storage.
//
//	smsbackup ingest --bucket backups --key sms-20231126050039.xml
//	smsbackup status --bucket backups --key sms-20231126050039.xml
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/smsbackup/ingestion/internal/app"
	"github.com/smsbackup/ingestion/internal/config"
	"github.com/smsbackup/ingestion/internal/logging"
)

var (
	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "smsbackup",
	Short:         "Ingest SMS Backup XML documents",
	Long:          "Streams SMS Backup & Restore XML exports from object storage, normalizes calls, texts and multimedia messages, and writes them to the record store.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			exitErr("load "+envFile, err)
		}
		if configPath != "" {
			os.Setenv("CONFIG_PATH", configPath)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			exitErr("load configuration", err)
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		// stdout carries command output
		logging.SetupTo(os.Stderr, level, cfg.LogFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $CONFIG_PATH or config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openApp(ctx context.Context) *app.App {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		exitErr("connect", err)
	}
	return a
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

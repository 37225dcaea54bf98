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

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smsbackup/ingestion/internal/ledger"
)

var (
	statusBucket string
	statusKey    string
	statusLimit  int
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show processing status",
		Long:  "With --key, shows the object's status tags and its latest run. Without, lists recent runs from the ledger.",
		Run:   runStatus,
	}
	cmd.Flags().StringVarP(&statusBucket, "bucket", "b", "", "Bucket holding the backup")
	cmd.Flags().StringVarP(&statusKey, "key", "k", "", "Object key")
	cmd.Flags().IntVarP(&statusLimit, "limit", "l", 20, "Number of recent runs to list")

	rootCmd.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := openApp(ctx)
	defer a.Close()

	if statusKey == "" {
		if a.Ledger == nil {
			a.Close()
			exitErr("status", fmt.Errorf("listing runs needs a run ledger (postgres.url or DATABASE_URL)"))
		}
		runs, err := a.Ledger.ListRecent(ctx, statusLimit)
		if err != nil {
			a.Close()
			exitErr("list runs", err)
		}
		printJSON(runs)
		return
	}

	if statusBucket == "" {
		a.Close()
		exitErr("status", fmt.Errorf("--bucket is required with --key"))
	}
	tags, err := a.Objects.Tags(ctx, statusBucket, statusKey)
	if err != nil {
		a.Close()
		exitErr("read tags", err)
	}

	out := struct {
		Bucket string            `json:"bucket"`
		Key    string            `json:"key"`
		Tags   map[string]string `json:"tags"`
		Latest *ledger.Run       `json:"latest_run,omitempty"`
	}{Bucket: statusBucket, Key: statusKey, Tags: tags}

	if a.Ledger != nil {
		out.Latest, err = a.Ledger.Latest(ctx, statusBucket, statusKey)
		if err != nil {
			a.Close()
			exitErr("latest run", err)
		}
	}
	printJSON(out)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

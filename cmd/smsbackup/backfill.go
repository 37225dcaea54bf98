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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smsbackup/ingestion/internal/backfill"
)

var (
	backfillBucket string
	backfillPrefix string
	backfillSince  time.Duration
	backfillForce  bool
	backfillDelay  time.Duration
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest every unprocessed backup in a bucket",
		Long:  "Lists .xml objects under a prefix and ingests each one not already tagged processed=COMPLETE. Intended for seeding new deployments.",
		Run:   runBackfill,
	}
	cmd.Flags().StringVarP(&backfillBucket, "bucket", "b", "", "Bucket holding the backups (required)")
	cmd.Flags().StringVarP(&backfillPrefix, "prefix", "p", "", "Only objects under this key prefix")
	cmd.Flags().DurationVar(&backfillSince, "since", 0, "Only objects modified within this window (e.g. 720h); 0 = all")
	cmd.Flags().BoolVar(&backfillForce, "force", false, "Re-ingest objects already tagged COMPLETE")
	cmd.Flags().DurationVar(&backfillDelay, "delay", 0, "Pause between objects")
	cmd.MarkFlagRequired("bucket")

	rootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	a := openApp(ctx)
	defer a.Close()

	rcfg := backfill.RunnerConfig{
		Lister:   a.Objects,
		Ingester: a.Runner,
		Delay:    backfillDelay,
	}
	if a.Filter != nil {
		rcfg.Dedup = a.Filter
	}

	result, err := backfill.NewRunner(rcfg).Run(ctx, backfill.BackfillRequest{
		Bucket: backfillBucket,
		Prefix: backfillPrefix,
		Since:  backfillSince,
		Force:  backfillForce,
	})
	if result != nil {
		type objectOut struct {
			Key     string `json:"key"`
			Records int    `json:"records"`
			Skipped bool   `json:"skipped,omitempty"`
			Error   string `json:"error,omitempty"`
		}
		out := struct {
			Bucket   string      `json:"bucket"`
			Ingested int         `json:"ingested"`
			Skipped  int         `json:"skipped"`
			Failed   int         `json:"failed"`
			Records  int         `json:"records"`
			Elapsed  string      `json:"elapsed"`
			Objects  []objectOut `json:"objects"`
		}{
			Bucket:   result.Bucket,
			Ingested: result.TotalIngested,
			Skipped:  result.TotalSkipped,
			Failed:   result.TotalFailed,
			Records:  result.TotalRecords,
			Elapsed:  result.Elapsed.String(),
		}
		for _, or := range result.ObjectResults {
			o := objectOut{Key: or.Key, Records: or.Records, Skipped: or.Skipped}
			if or.Err != nil {
				o.Error = or.Err.Error()
			}
			out.Objects = append(out.Objects, o)
		}
		printJSON(out)
	}
	if err != nil {
		a.Close()
		exitErr("backfill", err)
	}
	if result.TotalFailed > 0 {
		a.Close()
		exitErr("backfill", fmt.Errorf("%d objects failed", result.TotalFailed))
	}
}

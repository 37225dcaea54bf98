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

	"github.com/spf13/cobra"

	"github.com/smsbackup/ingestion/internal/pipeline"
)

var (
	ingestBucket string
	ingestKeys   []string
	ingestResume bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one or more backup objects",
		Long:  "Runs the pipeline over each key in turn. Keys may be given with --key or as arguments.",
		Run:   runIngest,
	}
	cmd.Flags().StringVarP(&ingestBucket, "bucket", "b", "", "Bucket holding the backups (required)")
	cmd.Flags().StringSliceVarP(&ingestKeys, "key", "k", nil, "Object key to ingest (repeatable)")
	cmd.Flags().BoolVar(&ingestResume, "resume", false, "Resume from the last checkpoint of an unfinished run")
	cmd.MarkFlagRequired("bucket")

	rootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	keys := append(ingestKeys, args...)
	if len(keys) == 0 {
		exitErr("ingest", fmt.Errorf("no object key given"))
	}

	ctx := cmd.Context()
	a := openApp(ctx)
	defer a.Close()

	var failed int
	for _, key := range keys {
		res, err := a.Runner.Run(ctx, pipeline.Request{
			Bucket: ingestBucket,
			Key:    key,
			Resume: ingestResume,
		})
		out := struct {
			*pipeline.Result
			Elapsed string `json:"elapsed"`
			Error   string `json:"error,omitempty"`
		}{Result: res}
		if res != nil {
			out.Elapsed = res.Elapsed.String()
		}
		if err != nil {
			failed++
			out.Error = err.Error()
		}
		printJSON(out)

		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		a.Close()
		exitErr("ingest", fmt.Errorf("%d of %d objects failed", failed, len(keys)))
	}
}

// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/elastic/go-docadmin"
)

const maxLineSize = 16 << 20

type bulkOptions struct {
	file     string
	idField  string
	generate int
	noBar    bool
}

func newBulkCommand(opts *globalOptions) *cobra.Command {
	var bulk bulkOptions
	cmd := &cobra.Command{
		Use:   "bulk INDEX",
		Short: "Index many documents with bulk requests",
		Long: `Index the documents of an NDJSON file, one document per line, or a
number of generated articles. Per document failures are reported after every
document has been sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (bulk.file == "") == (bulk.generate <= 0) {
				return errors.New("exactly one of --file or --generate is required")
			}
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				return runBulk(cmd, opts, conn, args[0], bulk)
			})
		},
	}
	cmd.Flags().StringVarP(&bulk.file, "file", "f", "", "NDJSON file holding one document per line")
	cmd.Flags().StringVar(&bulk.idField, "id-field", "", "document field holding the document ID")
	cmd.Flags().IntVar(&bulk.generate, "generate", 0, "number of articles to generate")
	cmd.Flags().BoolVar(&bulk.noBar, "no-progress", false, "do not show a progress bar")
	return cmd
}

// bulkReport collects per document failures from the processor.
type bulkReport struct {
	mu   sync.Mutex
	errs *multierror.Error
}

func (r *bulkReport) add(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = multierror.Append(r.errs, err)
}

func runBulk(cmd *cobra.Command, opts *globalOptions, conn *docadmin.Connection, index string, bulk bulkOptions) error {
	ctx := cmd.Context()
	total := bulk.generate
	if bulk.file != "" {
		n, err := countLines(bulk.file)
		if err != nil {
			return err
		}
		total = n
	}

	bar := pb.New(total).SetWriter(cmd.ErrOrStderr())
	if !bulk.noBar {
		bar.Start()
	}
	report := &bulkReport{}
	procConfig := opts.config.Processor()
	procConfig.OnResult = func(_ context.Context, res docadmin.OperationResult) {
		bar.Increment()
		if err := res.Err(); err != nil {
			report.add(fmt.Errorf("document %q: %w", res.DocumentID, err))
		}
	}
	proc, err := conn.NewProcessor(procConfig)
	if err != nil {
		return err
	}

	var sendErr error
	if bulk.file != "" {
		sendErr = sendFile(ctx, proc, index, bulk)
	} else {
		sendErr = sendGenerated(ctx, proc, index, bulk.generate)
	}
	closeErr := proc.Close(ctx)
	if !bulk.noBar {
		bar.Finish()
	}

	stats := proc.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d documents in %d bulk requests, %d failed\n",
		stats.Indexed, stats.Added, stats.BulkRequests, stats.Failed)
	if stats.TooManyRequests > 0 {
		opts.logger.Warn("documents rejected by Elasticsearch, retry later",
			zap.Int64("documents", stats.TooManyRequests))
	}

	var result *multierror.Error
	if sendErr != nil {
		result = multierror.Append(result, sendErr)
	}
	if closeErr != nil {
		result = multierror.Append(result, closeErr)
	}
	report.mu.Lock()
	defer report.mu.Unlock()
	if report.errs != nil {
		result = multierror.Append(result, report.errs.Errors...)
	}
	return result.ErrorOrNil()
}

func sendFile(ctx context.Context, proc *docadmin.Processor, index string, bulk bulkOptions) error {
	f, err := os.Open(bulk.file)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		source := bytes.TrimSpace(scanner.Bytes())
		if len(source) == 0 {
			continue
		}
		op := docadmin.Operation{
			Index: index,
			// The scanner reuses its buffer, and Add encodes the source
			// before it returns.
			Source: source,
		}
		if bulk.idField != "" {
			id := json.Get(source, bulk.idField)
			if id.LastError() != nil {
				return fmt.Errorf("line %d: missing %s field", line, bulk.idField)
			}
			op.DocumentID = id.ToString()
		}
		if err := proc.Add(ctx, op); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}

// article is a generated document.
type article struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func sendGenerated(ctx context.Context, proc *docadmin.Processor, index string, n int) error {
	for i := 1; i <= n; i++ {
		id := strconv.Itoa(i)
		op := docadmin.Operation{
			Index:      index,
			DocumentID: id,
			Source: article{
				ID:      int64(i),
				Title:   "article " + id,
				Content: "ElasticSearch is a Lucene based search server, article " + id,
			},
		}
		if err := proc.Add(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int
	var last byte = '\n'
	buf := make([]byte, 64*1024)
	for {
		read, err := f.Read(buf)
		if read > 0 {
			n += bytes.Count(buf[:read], []byte{'\n'})
			last = buf[read-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != '\n' {
		n++
	}
	return n, nil
}

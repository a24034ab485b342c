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
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/elastic/go-docadmin"
)

func newDocCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Write, read and delete single documents",
	}
	cmd.AddCommand(
		newDocPutCommand(opts),
		newDocUpdateCommand(opts),
		newDocDeleteCommand(opts),
		newDocGetCommand(opts),
	)
	return cmd
}

// sourceFlags select where a document source is read from.
type sourceFlags struct {
	file   string
	fields []string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", `JSON file holding the document, or "-" for stdin`)
	cmd.Flags().StringArrayVar(&f.fields, "field", nil, "document field as key=value, repeatable")
	cmd.MarkFlagsMutuallyExclusive("file", "field")
}

// source returns the document source. Field values that are valid JSON are
// used as is, others as strings. With neither flag, the source is read from
// stdin.
func (f *sourceFlags) source(stdin io.Reader) (any, func() error, error) {
	noop := func() error { return nil }
	if len(f.fields) > 0 {
		fields, err := parseFields(f.fields)
		return fields, noop, err
	}
	if f.file == "" || f.file == "-" {
		return stdin, noop, nil
	}
	file, err := os.Open(f.file)
	if err != nil {
		return nil, noop, err
	}
	return file, file.Close, nil
}

func parseFields(pairs []string) (docadmin.Fields, error) {
	var fields docadmin.Fields
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", pair)
		}
		if stdjson.Valid([]byte(value)) {
			fields = fields.With(key, jsoniter.RawMessage(value))
		} else {
			fields = fields.With(key, value)
		}
	}
	return fields, nil
}

func newDocPutCommand(opts *globalOptions) *cobra.Command {
	var (
		src     sourceFlags
		docType string
		create  bool
	)
	cmd := &cobra.Command{
		Use:   "put INDEX [ID]",
		Short: "Index a document, replacing any document with the same ID",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := docadmin.Document{Index: args[0], Type: docType}
			if len(args) == 2 {
				doc.ID = args[1]
			}
			source, closeSource, err := src.source(cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeSource()
			doc.Source = source
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				write := conn.Documents().IndexDocument
				if create {
					write = conn.Documents().CreateDocument
				}
				result, err := write(cmd.Context(), doc)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	src.register(cmd)
	cmd.Flags().StringVar(&docType, "type", "", "document type, with --legacy-types")
	cmd.Flags().BoolVar(&create, "create", false, "fail if a document with the ID exists")
	return cmd
}

func newDocUpdateCommand(opts *globalOptions) *cobra.Command {
	var (
		src     sourceFlags
		docType string
	)
	cmd := &cobra.Command{
		Use:   "update INDEX ID",
		Short: "Merge fields into an existing document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, closeSource, err := src.source(cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeSource()
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				result, err := conn.Documents().UpdateDocument(cmd.Context(), args[0], docType, args[1], partial)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	src.register(cmd)
	cmd.Flags().StringVar(&docType, "type", "", "document type, with --legacy-types")
	return cmd
}

func newDocDeleteCommand(opts *globalOptions) *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "delete INDEX ID",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				result, err := conn.Documents().DeleteDocument(cmd.Context(), args[0], docType, args[1])
				if err != nil {
					return err
				}
				if !result.Found() {
					fmt.Fprintf(cmd.OutOrStdout(), "document %s not found in %s\n", args[1], args[0])
					return nil
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type, with --legacy-types")
	return cmd
}

func newDocGetCommand(opts *globalOptions) *cobra.Command {
	var (
		docType  string
		metadata bool
	)
	cmd := &cobra.Command{
		Use:   "get INDEX ID",
		Short: "Print a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				result, err := conn.Documents().GetDocument(cmd.Context(), args[0], docType, args[1])
				if err != nil {
					return err
				}
				if metadata {
					return printJSON(cmd.OutOrStdout(), result)
				}
				var source map[string]any
				if err := result.Decode(&source); err != nil {
					if errors.Is(err, docadmin.ErrDocumentNotFound) {
						return fmt.Errorf("document %s not found in %s: %w", args[1], args[0], err)
					}
					return err
				}
				return printJSON(cmd.OutOrStdout(), source)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type, with --legacy-types")
	cmd.Flags().BoolVar(&metadata, "metadata", false, "include the document metadata")
	return cmd
}

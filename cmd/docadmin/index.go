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
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/elastic/go-docadmin"
)

func newIndexCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Create, delete and map indices",
	}
	cmd.AddCommand(
		newIndexCreateCommand(opts),
		newIndexDeleteCommand(opts),
		newIndexPutMappingCommand(opts),
		newIndexGetMappingCommand(opts),
	)
	return cmd
}

func newIndexCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		mappingFile string
		mappingType string
		shards      int
		replicas    int
		ifNotExists bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def := docadmin.IndexDefinition{
				Settings: docadmin.IndexSettings{NumberOfShards: shards},
			}
			if cmd.Flags().Changed("replicas") {
				def.Settings.NumberOfReplicas = &replicas
			}
			if mappingFile != "" {
				mapping, err := readMapping(mappingFile, mappingType)
				if err != nil {
					return err
				}
				def.Mapping = &mapping
			}
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				create := conn.Indices().CreateIndex
				if ifNotExists {
					create = conn.Indices().EnsureIndex
				}
				ack, err := create(cmd.Context(), args[0], def)
				if err != nil {
					return err
				}
				if ack.Created {
					fmt.Fprintf(cmd.OutOrStdout(), "created index %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "index %s already exists\n", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mappingFile, "mapping", "", "JSON file holding the index mapping")
	cmd.Flags().StringVar(&mappingType, "type", "", "mapping type, with --legacy-types")
	cmd.Flags().IntVar(&shards, "shards", 0, "number of primary shards")
	cmd.Flags().IntVar(&replicas, "replicas", 0, "number of replicas")
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "succeed if the index already exists")
	return cmd
}

func newIndexDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an index and all of its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				if _, err := conn.Indices().DeleteIndex(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted index %s\n", args[0])
				return nil
			})
		},
	}
}

func newIndexPutMappingCommand(opts *globalOptions) *cobra.Command {
	var (
		mappingFile string
		mappingType string
	)
	cmd := &cobra.Command{
		Use:   "put-mapping NAME",
		Short: "Add fields to the mapping of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping, err := readMapping(mappingFile, mappingType)
			if err != nil {
				return err
			}
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				if _, err := conn.Indices().PutMapping(cmd.Context(), args[0], mapping); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated mapping of %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&mappingFile, "file", "f", "", "JSON file holding the mapping")
	cmd.Flags().StringVar(&mappingType, "type", "", "mapping type, with --legacy-types")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newIndexGetMappingCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get-mapping NAME",
		Short: "Print the mapping of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConnection(cmd.Context(), func(conn *docadmin.Connection) error {
				mapping, err := conn.Indices().GetMapping(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if mapping.Type != "" {
					return printJSON(cmd.OutOrStdout(), map[string]docadmin.Mapping{mapping.Type: mapping})
				}
				return printJSON(cmd.OutOrStdout(), mapping)
			})
		},
	}
}

// readMapping reads a mapping from a JSON file. The file holds either the
// mapping itself or an object with a "mappings" key, as in an index
// definition.
func readMapping(path, mappingType string) (docadmin.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return docadmin.Mapping{}, err
	}
	var wrapper struct {
		Mappings jsoniter.RawMessage `json:"mappings"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return docadmin.Mapping{}, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	if len(wrapper.Mappings) > 0 {
		data = wrapper.Mappings
	}
	var mapping docadmin.Mapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return docadmin.Mapping{}, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	if len(mapping.Properties) == 0 && mapping.Dynamic == "" {
		return docadmin.Mapping{}, errors.New("mapping has no properties")
	}
	mapping.Type = mappingType
	return mapping, nil
}

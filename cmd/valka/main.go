// Copyright 2025 Valka Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valka-io/valka/internal/core/bootstrap"
	"github.com/valka-io/valka/pkg/version"
)

var confDir string

func main() {
	root := &cobra.Command{
		Use:          "valka",
		Short:        "Valka distributed task queue server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	root.PersistentFlags().StringVarP(&confDir, "conf", "c", "conf.d", "config directory, e.g. -c ./conf.d")

	root.AddCommand(&cobra.Command{
		Use:          "server",
		Short:        "Run the server node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	})
	root.AddCommand(version.VersionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() error {
	app, cleanup, err := bootstrap.Bootstrap(confDir, initApp)
	if err != nil {
		return err
	}
	return app.Run(cleanup)
}

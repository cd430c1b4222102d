// Copyright 2024 Google LLC
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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FlappyCode/sectorfs/internal/logger"
)

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Write a file from the image to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		fs, cleanup, err := mountImage()
		if err != nil {
			return err
		}
		defer cleanup()

		data, err := fs.ReadFile(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put <local-file>... <dir>",
	Short: "Copy local files into a directory inside the image",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		fs, cleanup, err := mountImage()
		if err != nil {
			return err
		}
		defer cleanup()

		locals := args[:len(args)-1]
		destDir := args[len(args)-1]

		// The cache serializes per-sector access, so the copies can run
		// concurrently.
		var group errgroup.Group
		for _, local := range locals {
			group.Go(func() error {
				data, err := os.ReadFile(local)
				if err != nil {
					return err
				}

				dest := destDir
				if dest != "/" {
					dest += "/"
				}
				dest += filepath.Base(local)

				n, err := fs.WriteFile(dest, data)
				if err != nil {
					return fmt.Errorf("put %s: %w", dest, err)
				}
				if n < len(data) {
					return fmt.Errorf("put %s: wrote %d of %d bytes: image is full", dest, n, len(data))
				}

				logger.Debugf("put %s: %d bytes", dest, n)
				return nil
			})
		}

		return group.Wait()
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(putCmd)
}

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

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls <path>",
	Short: "List a directory inside the image",
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

		names, err := fs.List(args[0])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "Create directories inside the image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		fs, cleanup, err := mountImage()
		if err != nil {
			return err
		}
		defer cleanup()

		for _, path := range args {
			if err := fs.Mkdir(path); err != nil {
				return fmt.Errorf("mkdir %s: %w", path, err)
			}
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Remove files or empty directories inside the image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		fs, cleanup, err := mountImage()
		if err != nil {
			return err
		}
		defer cleanup()

		for _, path := range args {
			if err := fs.Remove(path); err != nil {
				return fmt.Errorf("rm %s: %w", path, err)
			}
		}
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show metadata for a path inside the image",
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

		info, err := fs.Stat(args[0])
		if err != nil {
			return err
		}

		kind := "file"
		if info.IsDir {
			kind = "directory"
		}
		fmt.Printf("%s: %s, %d bytes, inode sector %d\n", args[0], kind, info.Length, info.Sector)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(statCmd)
}

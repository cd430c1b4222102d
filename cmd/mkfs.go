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

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/filesys"
	"github.com/FlappyCode/sectorfs/internal/logger"
)

var mkfsSectors uint32

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Create and format a new disk image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if imagePath == "" {
			return fmt.Errorf("--image is required")
		}

		cc, err := cacheConfig()
		if err != nil {
			return err
		}

		dev, err := blockdev.CreateFileDevice(imagePath, mkfsSectors)
		if err != nil {
			return err
		}
		defer dev.Close()

		if err := filesys.Format(dev, timeutil.RealClock(), cc); err != nil {
			return err
		}

		logger.Infof("formatted %s: %d sectors", imagePath, mkfsSectors)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show superblock and usage information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		fs, cleanup, err := mountImage()
		if err != nil {
			return err
		}
		defer cleanup()

		sb := fs.Superblock()
		fmt.Printf("sectors:      %d\n", sb.SectorCount)
		fmt.Printf("free sectors: %d\n", fs.FreeSectors())
		fmt.Printf("root sector:  %d\n", sb.RootSector)
		fmt.Printf("formatted:    %s\n", sb.FormatTime.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Uint32Var(&mkfsSectors, "sectors", 8192,
		"Size of the new image, in 512-byte sectors.")
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(infoCmd)
}

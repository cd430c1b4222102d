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

// Package cmd implements the sectorfs command line: formatting disk images
// and operating on the files inside them.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FlappyCode/sectorfs/cfg"
	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/cache"
	"github.com/FlappyCode/sectorfs/internal/filesys"
	"github.com/FlappyCode/sectorfs/internal/logger"
	"github.com/FlappyCode/sectorfs/internal/monitor"
)

var (
	cfgFile   string
	imagePath string

	bindErr       error
	configFileErr error
	unmarshalErr  error

	config cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "sectorfs --image disk.img <command>",
	Short: "Operate on sectorfs disk images",
	Long: `sectorfs maintains a Unix-like filesystem inside a disk image: a
write-back buffer cache over 512-byte sectors, inodes with direct,
indirect and double-indirect blocks, and hierarchical directories.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "", "Path to the disk image.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&config)
}

// loadConfig surfaces any error from flag binding or config decoding,
// validates the result and configures logging. Every subcommand calls it
// first.
func loadConfig() error {
	for _, err := range []error{bindErr, configFileErr, unmarshalErr} {
		if err != nil {
			return err
		}
	}
	if err := cfg.Validate(&config); err != nil {
		return err
	}

	return logger.Init(config.Logging.Severity, config.Logging.Format, logger.FileConfig{
		Path:        config.Logging.FilePath,
		MaxSizeMb:   config.Logging.LogRotate.MaxFileSizeMb,
		BackupCount: config.Logging.LogRotate.BackupFileCount,
	})
}

func cacheConfig() (cache.Config, error) {
	cc := cache.Config{
		SlotCount:     config.Cache.SlotCount,
		FlushInterval: time.Duration(config.Cache.FlushIntervalSecs) * time.Second,
	}

	if config.Metrics.Enabled {
		m, err := monitor.NewPrometheusCacheMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			return cache.Config{}, fmt.Errorf("registering cache metrics: %w", err)
		}
		cc.Metrics = m
	}

	return cc, nil
}

// mountImage opens the configured disk image and mounts it. The returned
// cleanup unmounts and closes the device, logging any trouble.
func mountImage() (*filesys.Filesys, func(), error) {
	if imagePath == "" {
		return nil, nil, fmt.Errorf("--image is required")
	}

	cc, err := cacheConfig()
	if err != nil {
		return nil, nil, err
	}

	dev, err := blockdev.OpenFileDevice(imagePath)
	if err != nil {
		return nil, nil, err
	}

	fs, err := filesys.Mount(dev, cc)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := fs.Unmount(); err != nil {
			logger.Errorf("unmount: %v", err)
		}
		if err := dev.Close(); err != nil {
			logger.Errorf("close device: %v", err)
		}
	}
	return fs, cleanup, nil
}

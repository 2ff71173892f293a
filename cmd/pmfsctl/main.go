// Copyright 2025 The pmfs Authors. All Rights Reserved.
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

// pmfsctl is a small administrative tool for pmfs pools: it formats
// pools and inspects their contents through the public library surface.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pmemkit/pmfs"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	root := &cobra.Command{
		Use:           "pmfsctl",
		Short:         "Manage pmfs persistent-memory file system pools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newMkfsCmd(), newLsCmd(), newCatCmd(), newWriteCmd(), newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pmfsctl: %v\n", err)
		os.Exit(1)
	}
}

func newMkfsCmd() *cobra.Command {
	var size int64
	var mode uint32

	cmd := &cobra.Command{
		Use:   "mkfs POOL",
		Short: "Create a pool and format an empty file system in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pmfs.Mkfs(args[0], size, os.FileMode(mode))
			if err != nil {
				return err
			}
			return p.Close()
		},
	}

	cmd.Flags().Int64Var(&size, "size", 64<<20, "pool size in bytes")
	cmd.Flags().Uint32Var(&mode, "mode", 0600, "pool file permission bits")
	return cmd
}

func withPool(path string, fn func(p *pmfs.Pool) error) error {
	p, err := pmfs.PoolOpen(path)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls POOL",
		Short: "List the root directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(args[0], func(p *pmfs.Pool) error {
				for _, e := range p.List() {
					fmt.Printf("%6d 0%06o %10d %s\n", e.NLink, e.Flags, e.Size, e.Name)
				}
				return nil
			})
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat POOL FILE",
		Short: "Copy a file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(args[0], func(p *pmfs.Pool) error {
				f, err := p.Open(args[1], unix.O_RDONLY, 0)
				if err != nil {
					return err
				}
				defer f.Close()

				_, err = io.Copy(os.Stdout, f)
				return err
			})
		},
	}
}

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write POOL FILE",
		Short: "Create or overwrite a file from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(args[0], func(p *pmfs.Pool) error {
				f, err := p.Open(args[1], unix.O_CREAT|unix.O_WRONLY, 0644)
				if err != nil {
					return err
				}
				defer f.Close()

				_, err = io.Copy(f, os.Stdin)
				return err
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats POOL",
		Short: "Print pool object counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(args[0], func(p *pmfs.Pool) error {
				st := p.Stat()
				fmt.Printf("inodes       %d\n", st.Inodes)
				fmt.Printf("dirs         %d\n", st.Dirs)
				fmt.Printf("block arrays %d\n", st.BlockArrays)
				fmt.Printf("blocks       %d\n", st.Blocks)
				fmt.Printf("inode arrays %d\n", st.InodeArrays)
				return nil
			})
		},
	}
}

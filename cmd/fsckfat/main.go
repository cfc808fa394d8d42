// Command fsckfat mounts a FAT32 image read-only and reports whether
// every directory-reachable cluster chain agrees with the FAT's
// free/used bookkeeping, exercising fat32.Mount.Validate as a
// standalone consistency-checking tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aaaos/core/blockdev"
	"github.com/aaaos/core/fat32"
)

func main() {
	root := &cobra.Command{
		Use:   "fsckfat <image-path>",
		Short: "Check a FAT32 image's cluster-chain consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk, err := blockdev.OpenFileDisk(args[0], 512)
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer disk.Close()

			mount, err := fat32.MountFS(disk, 16, true)
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}

			if err := mount.Validate(); err != nil {
				return fmt.Errorf("inconsistent: %w", err)
			}

			stat := mount.Statfs()
			fmt.Printf("ok: %d clusters, %d free, %d bytes per cluster\n",
				stat.TotalClusters, stat.FreeClusters, stat.BytesPerCluster)
			return nil
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

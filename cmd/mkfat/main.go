// Command mkfat mounts an existing, already-formatted FAT32 disk image
// and seeds it with files from a host directory, built on Cobra
// following the CLI conventions the pack's disko and apfs tooling use.
// It does not format the image: mounting fails unless the image
// already carries a valid FAT32 boot sector.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aaaos/core/blockdev"
	"github.com/aaaos/core/fat32"
)

func main() {
	var seedDir string
	var cacheEntries int

	root := &cobra.Command{
		Use:   "mkfat <image-path>",
		Short: "Mount an existing FAT32 image and optionally seed it from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imagePath := args[0]
			disk, err := blockdev.OpenFileDisk(imagePath, 512)
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer disk.Close()

			mount, err := fat32.MountFS(disk, cacheEntries, false)
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			defer mount.Unmount()

			if seedDir == "" {
				return nil
			}
			return copyTree(mount, seedDir, "/")
		},
	}

	root.Flags().StringVar(&seedDir, "seed", "", "host directory whose contents are copied into the image root")
	root.Flags().IntVar(&cacheEntries, "fat-cache", 16, "FAT sector cache capacity")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// copyTree walks a host directory and recreates it inside the mounted
// image.
func copyTree(mount *fat32.Mount, hostDir, imageDir string) error {
	return filepath.WalkDir(hostDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.ToSlash(filepath.Join(imageDir, rel))

		if d.IsDir() {
			return mount.Mkdir(target)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := mount.CreateFile(target); err != nil {
			return err
		}
		_, err = mount.WriteFile(target, 0, data)
		return err
	})
}

// Command mkfs packs a host directory tree into a fresh AFS disk image
// (spec.md §8 "image build + pack" scenario).
//
// Grounded on the teacher's mkfs/mkfs.go (the filepath.WalkDir copy loop)
// and ufs/driver.go's file-backed disk construction, adapted from
// biscuit's boot-image-plus-skeleton packer to acore's single AFS image.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/CrazyDave999/acore/internal/blockdev"
	"github.com/CrazyDave999/acore/internal/layout"
	"github.com/CrazyDave999/acore/internal/vfs"
)

// Layout sized for a 16 MiB image with room for up to 4096 inodes, matching
// SPEC_FULL.md's cmd/mkfs sizing note.
const (
	imageBlocks       = 16 * 1024 * 1024 / blockdev.BlockSize
	maxInodes         = 4096
	inodeBitmapBlocks = (maxInodes + 4095) / 4096
	inodeBlocks       = (maxInodes + layout.InodesPerBlock - 1) / layout.InodesPerBlock
	reservedBlocks    = 1 + inodeBitmapBlocks + inodeBlocks // superblock + both
	cacheCapacity     = 16
)

func main() {
	source := pflag.String("source", "", "host directory to pack into the image")
	target := pflag.String("target", "", "path of the AFS image to create")
	pflag.Parse()

	if *source == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "usage: mkfs --source <dir> --target <image>")
		os.Exit(1)
	}

	if err := run(*source, *target); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

func run(source, target string) error {
	dev, err := blockdev.CreateFileDevice(target, imageBlocks)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	dataBlocks := imageBlocks - reservedBlocks
	dataBitmapBlocks := (dataBlocks + 4095) / 4096
	dataBlocks -= dataBitmapBlocks

	fs := vfs.Format(dev, cacheCapacity, uint32(inodeBitmapBlocks), uint32(inodeBlocks), uint32(dataBitmapBlocks), uint32(dataBlocks))

	if err := addFiles(fs, source); err != nil {
		return err
	}

	fs.SyncAll()
	if err := dev.Close(); err != nil {
		return fmt.Errorf("closing image: %w", err)
	}

	s := fs.Stats()
	fmt.Printf("mkfs: %s -> %s: %d/%d inodes, %d/%d blocks\n", source, target, s.UsedInodes, s.TotalInodes, s.UsedBlocks, s.TotalBlocks)
	return nil
}

// addFiles walks source on the host and replicates its tree into fs,
// grounded on the teacher's mkfs.go addfiles/copydata pair.
func addFiles(fs *vfs.FS, source string) error {
	root := fs.Inode(vfs.RootInodeID)
	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, source), string(os.PathSeparator))
		if rel == "" {
			return nil
		}

		parent, leaf := root, rel
		if idx := strings.LastIndex(rel, string(os.PathSeparator)); idx >= 0 {
			dirInode, ok := fs.Lookup("/" + filepath.ToSlash(rel[:idx]))
			if !ok {
				return fmt.Errorf("parent directory missing for %q", rel)
			}
			parent = dirInode
			leaf = rel[idx+1:]
		}

		if d.IsDir() {
			if _, ok := parent.AccessDirEntry(leaf, layout.TypeDirectory, true); !ok {
				return fmt.Errorf("creating directory %q", rel)
			}
			return nil
		}

		inode, ok := parent.AccessDirEntry(leaf, layout.TypeFile, true)
		if !ok {
			return fmt.Errorf("creating file %q", rel)
		}
		return copyData(path, inode)
	})
}

// copyData streams src's contents into inode in BlockSize-sized chunks.
func copyData(src string, inode *vfs.Inode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, blockdev.BlockSize)
	off := 0
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			inode.WriteAt(off, buf[:n])
			off += n
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

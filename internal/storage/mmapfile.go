// Package storage implements the persistent vector list: two mmap'd,
// sibling files (an id→(offset,length) index and an append-only data
// arena) with tombstoned removal and online/batch defragmentation.
package storage

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/podcopic-labs/vecdb/internal/vdberr"
)

// mmapFile owns one memory-mapped, sparse-allocated file. Mirrors
// internal/index/BTreeIndex.go's mmap lifecycle (open → truncate to
// size → syscall.Mmap, Msync on demand). The mapping is never resized
// after open.
type mmapFile struct {
	file *os.File
	data []byte
}

func openMmapFile(path string, size int64) (*mmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.IoFailure, "storage.openMmapFile", "open file", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, vdberr.Wrap(vdberr.IoFailure, "storage.openMmapFile", "stat file", err)
	}
	if stat.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, vdberr.Wrap(vdberr.IoFailure, "storage.openMmapFile", "truncate file", err)
		}
	} else {
		size = stat.Size()
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, vdberr.Wrap(vdberr.IoFailure, "storage.openMmapFile", "mmap file", err)
	}

	return &mmapFile{file: f, data: data}, nil
}

func (m *mmapFile) sync() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapFile) close() error {
	if err := syscall.Munmap(m.data); err != nil {
		return err
	}
	return m.file.Close()
}

func (m *mmapFile) zero(from int64) {
	for i := from; i < int64(len(m.data)); i++ {
		m.data[i] = 0
	}
}

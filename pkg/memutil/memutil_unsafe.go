// Copyright 2018 The gVisor Authors.
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

//go:build linux
// +build linux

// Package memutil provides utilities for working with shared memory files.
package memutil

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the host page size.
var PageSize = os.Getpagesize()

// RoundUpToPage rounds x up to a multiple of PageSize.
func RoundUpToPage(x int) int {
	mask := PageSize - 1
	return (x + mask) &^ mask
}

// CreateMemFD creates a memfd file and returns the fd.
func CreateMemFD(name string, flags int) (int, error) {
	return unix.MemfdCreate(name, flags)
}

// CreateSealedFile creates a zero-filled memfd of size bytes (rounded up to a
// page) and seals it against shrinking. Neither party sharing the file can
// then cause SIGBUS in the other by truncating it.
func CreateSealedFile(name string, size int) (int, int, error) {
	fd, err := CreateMemFD(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, 0, fmt.Errorf("failed to create memfd: %w", err)
	}
	size = RoundUpToPage(size)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("ftruncate failed: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("failed to apply memfd seals: %w", err)
	}
	return fd, size, nil
}

// MapFile maps size bytes of fd at offset and returns the address.
func MapFile(addr, size, prot, flags, fd, offset uintptr) (uintptr, error) {
	m, _, e := unix.RawSyscall6(unix.SYS_MMAP, addr, size, prot, flags, fd, offset)
	if e != 0 {
		return 0, e
	}
	return m, nil
}

// MapSlice is like MapFile, but returns a slice instead of a uintptr.
func MapSlice(addr, size, prot, flags, fd, offset uintptr) ([]byte, error) {
	addr, err := MapFile(addr, size, prot, flags, fd, offset)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

// MapShared maps all of a shared memory file read/write.
func MapShared(fd, size int) ([]byte, error) {
	return MapSlice(0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
}

// UnmapSlice unmaps a mapping returned by MapSlice.
func UnmapSlice(slice []byte) error {
	ptr := unsafe.SliceData(slice)
	_, _, err := unix.RawSyscall6(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(ptr)), uintptr(cap(slice)), 0, 0, 0, 0)
	if err != 0 {
		return err
	}
	return nil
}

// Uint32At returns a pointer to the naturally aligned 32-bit word at off in a
// mapping, for use with sync/atomic.
//
// Preconditions: off+4 <= len(b) and off is a multiple of 4.
func Uint32At(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off : off+4][0]))
}

// Package config carries the tunables that the source kernel bakes in as
// compile-time constants (heap growth increments, AHCI spin bounds, FAT
// cache capacity). Centralizing them lets tests exercise small, fast
// configurations without touching the components' logic.
package config

import "time"

// Heap holds kernel-heap tunables.
type Heap struct {
	MinBlock   uint64 // smallest payload size a split will leave behind
	Alignment  uint64 // allocation alignment granularity
	MinGrowth  uint64 // minimum bytes requested from PMM on growth
	MaxHeap    uint64 // hard ceiling on total heap size
}

// DefaultHeap returns reasonable kernel-scale defaults: 16-byte minimum
// blocks, 8-byte alignment, growth in 64 KiB increments, capped at 256 MiB.
func DefaultHeap() Heap {
	return Heap{
		MinBlock:  16,
		Alignment: 8,
		MinGrowth: 64 * 1024,
		MaxHeap:   256 * 1024 * 1024,
	}
}

// AHCI holds spin-timeout tunables for the SATA driver. Every bound is a
// poll-count ceiling rather than a wall-clock duration because the
// source kernel has no sleep primitive available while spinning.
// PollInterval is carried here but the driver's spin loops do not read
// it: they poll back to back without pausing.
type AHCI struct {
	ResetSpins       int
	EngineStopSpins  int
	EngineStartSpins int
	CommandSpins     int
	PollInterval     time.Duration
}

// DefaultAHCI returns conservative spin bounds sized for a host-side
// simulated HBA; a real HBA would want far higher counts.
func DefaultAHCI() AHCI {
	return AHCI{
		ResetSpins:       100000,
		EngineStopSpins:  50000,
		EngineStartSpins: 50000,
		CommandSpins:     1000000,
		PollInterval:      0,
	}
}

// FAT32 holds filesystem-mount tunables.
type FAT32 struct {
	CacheEntries int // fixed FAT-sector cache capacity
}

// DefaultFAT32 returns a fixed 16-entry FAT-sector cache capacity.
func DefaultFAT32() FAT32 {
	return FAT32{CacheEntries: 16}
}

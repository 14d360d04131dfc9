package rhi

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MemoryStats reports device memory use.
type MemoryStats struct {
	// UsedBytes and TotalBytes come from the backend budget.
	UsedBytes  uint64
	TotalBytes uint64

	// BufferBytes and TextureBytes are the manager's own accounting of
	// live allocations.
	BufferBytes  uint64
	TextureBytes uint64
	Buffers      int
	Textures     int
}

// Utilization returns the used fraction of the budget (0.0 to 1.0).
func (s MemoryStats) Utilization() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

var statsPrinter = message.NewPrinter(language.English)

// String returns a human-readable summary with grouped digits.
func (s MemoryStats) String() string {
	return statsPrinter.Sprintf("Memory[%.1f%% used, %d/%d KiB, %d buffers (%d B), %d textures (%d B)]",
		s.Utilization()*100,
		s.UsedBytes/1024,
		s.TotalBytes/1024,
		s.Buffers, s.BufferBytes,
		s.Textures, s.TextureBytes)
}

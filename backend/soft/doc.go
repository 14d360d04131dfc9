// Package soft implements rhi.Backend in CPU memory.
//
// Buffers and textures are plain byte slices. Each queue runs a worker
// goroutine that executes submitted command lists in order (copies and
// clears really move bytes) and then advances the queue fence. Barriers are
// checked against the state the worker tracks for every resource, so a
// barrier whose Before state does not match reality is counted as a
// validation error.
//
// The backend registers itself as "software":
//
//	import _ "github.com/gogpu/rhi/backend/soft"
//
// Pause and Resume hold back GPU progress, which makes fence-gated behavior
// deterministic in tests.
package soft

package offload

import "github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"

type Config struct {
	// Filename is the backing file. When empty a file named offload-<uuid> is
	// created in Dir.
	Filename string
	// Dir holds generated backing files. Defaults to os.TempDir().
	Dir string
	// IO selects and sizes the aio backend.
	IO aio.Config
	// SpaceLimit caps the backing file size in bytes. 0 is unbounded.
	SpaceLimit uint64
	// DirectIO opens the backing file with O_DIRECT when the filesystem
	// allows it. Buffers must then be BLOCK_SIZE aligned in address and length.
	DirectIO bool
}

package snapshot

const (
	SnapshotINIFilename = "snapshot.ini"

	// snapshot.ini keys
	SnapshotSectionName = "snapshot"
	VersionKey          = "version"
	DescriptionKey      = "description"

	ProcessSectionName = "process"
	ModuleNameKey      = "module_name"
	ModuleBaseKey      = "module_base"
	BuildKey           = "build"

	DumpFileSectionPrefix = "dump"
	DumpAddressKey        = "address"
	DumpLengthKey         = "length"
	DumpOffsetKey         = "offset"
	DumpFileKey           = "file"
	DumpSpaceKey          = "space"
	DumpCompressionKey    = "compression"

	// Dump compression formats
	CompressionNone = ""
	CompressionZstd = "zstd"
)

package comictypes

import (
	"path/filepath"
	"strings"
)

// ArchiveExtensions maps file extensions to whether they are supported comic
// archive formats.
var ArchiveExtensions = map[string]bool{
	".cbz": true,
	".cbr": true,
	".cbt": true,
	".cb7": true,
	".zip": true,
	".rar": true,
}

// zipLikeExtensions are the formats whose entries can be read with a zip
// reader. Descriptor extraction is only attempted for these; other archive
// formats are indexed by file stats alone.
var zipLikeExtensions = map[string]bool{
	".cbz": true,
	".zip": true,
}

// DescriptorEntry is the archive entry name holding the embedded metadata
// descriptor.
const DescriptorEntry = "ComicInfo.xml"

// IsArchive reports whether the path has a supported comic archive extension.
func IsArchive(path string) bool {
	return ArchiveExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsZipLike reports whether the archive's entries can be read with a zip
// reader.
func IsZipLike(path string) bool {
	return zipLikeExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsHidden reports whether the base name is a hidden file or directory.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

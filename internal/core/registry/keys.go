package registry

import (
	"github.com/elfregistry/registry/internal/util/hashing"
)

// IndexKey is the backend key of the persisted index.
const IndexKey = "index.json"

const (
	binarySuffix   = ".elf"
	metadataSuffix = ".json"
)

// ObjectPath returns the backend key of a program's binary.
func ObjectPath(contract, programID string) string {
	return contract + "/" + hashing.StringHex(programID) + binarySuffix
}

// MetadataPath returns the backend key of a program's metadata object.
func MetadataPath(contract, programID string) string {
	return contract + "/" + hashing.StringHex(programID) + metadataSuffix
}

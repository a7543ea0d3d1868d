package models

// ProgramMetadata is caller-supplied provenance, stored and returned verbatim.
type ProgramMetadata struct {
	Toolchain string `json:"toolchain"`
	Commit    string `json:"commit"`
	ZKVM      string `json:"zkvm"`
}

// ProgramEntry describes one stored artifact. It is persisted both inside
// the index and as a standalone metadata object next to the binary.
type ProgramEntry struct {
	ProgramID    string          `json:"program_id"`
	Contract     string          `json:"contract"`
	ObjectPath   string          `json:"object_path"`
	MetadataPath string          `json:"metadata_path"`
	SizeBytes    uint64          `json:"size_bytes"`
	UploadedAt   string          `json:"uploaded_at"`
	Metadata     ProgramMetadata `json:"metadata"`
}

// Info projects the entry without backend paths.
func (e ProgramEntry) Info() ProgramInfo {
	return ProgramInfo{
		ProgramID:  e.ProgramID,
		SizeBytes:  e.SizeBytes,
		UploadedAt: e.UploadedAt,
		Metadata:   e.Metadata,
	}
}

// ProgramInfo is the shape returned to callers.
type ProgramInfo struct {
	ProgramID  string          `json:"program_id"`
	SizeBytes  uint64          `json:"size_bytes"`
	UploadedAt string          `json:"uploaded_at"`
	Metadata   ProgramMetadata `json:"metadata"`
}

type ContractIndex struct {
	Programs map[string]ProgramEntry `json:"programs"`
}

// IndexFile is the persisted mapping of contract -> program_id -> entry.
type IndexFile struct {
	Contracts map[string]ContractIndex `json:"contracts"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type UploadResponse struct {
	ProgramID  string          `json:"program_id"`
	Contract   string          `json:"contract"`
	SizeBytes  uint64          `json:"size_bytes"`
	UploadedAt string          `json:"uploaded_at"`
	Metadata   ProgramMetadata `json:"metadata"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

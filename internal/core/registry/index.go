package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/elfregistry/registry/internal/core/models"
	"github.com/elfregistry/registry/internal/core/services"
)

// Index mirrors which programs exist and where their objects live.
// Mutators return the serialized index so the caller can persist it
// outside the lock.
type Index struct {
	mu   sync.RWMutex
	file models.IndexFile
}

func newIndex(file models.IndexFile) *Index {
	if file.Contracts == nil {
		file.Contracts = make(map[string]models.ContractIndex)
	}
	for name, c := range file.Contracts {
		if len(c.Programs) == 0 {
			delete(file.Contracts, name)
		}
	}
	return &Index{file: file}
}

// parseIndex decodes a persisted index. Any decode failure, and a document
// without a contracts object, is ErrCorruptIndex.
func parseIndex(data []byte) (*Index, error) {
	var doc struct {
		Contracts *map[string]models.ContractIndex `json:"contracts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrCorruptIndex, err)
	}
	if doc.Contracts == nil || *doc.Contracts == nil {
		return nil, fmt.Errorf("%w: missing contracts object", services.ErrCorruptIndex)
	}
	return newIndex(models.IndexFile{Contracts: *doc.Contracts}), nil
}

// rebuildIndex scans every metadata object in the backend. Metadata objects
// that vanish mid-scan or fail to parse are skipped.
func rebuildIndex(ctx context.Context, backend services.StorageBackend) (*Index, int, error) {
	keys, err := backend.ListObjects(ctx, "")
	if err != nil {
		return nil, 0, fmt.Errorf("listing objects for rebuild: %w", err)
	}
	sort.Strings(keys)

	idx := newIndex(models.IndexFile{})
	skipped := 0
	for _, key := range keys {
		if key == IndexKey || !strings.HasSuffix(key, metadataSuffix) {
			continue
		}
		data, err := backend.ReadObject(ctx, key)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading metadata %s: %w", key, err)
		}
		var entry models.ProgramEntry
		if err := json.Unmarshal(data, &entry); err != nil || !usableEntry(entry) {
			skipped++
			continue
		}
		idx.putLocked(entry)
	}
	return idx, skipped, nil
}

// usableEntry reports whether a metadata object names a program and points
// at the objects its contract and program id derive to.
func usableEntry(e models.ProgramEntry) bool {
	if e.Contract == "" || e.ProgramID == "" || e.UploadedAt == "" {
		return false
	}
	return e.ObjectPath == ObjectPath(e.Contract, e.ProgramID) &&
		e.MetadataPath == MetadataPath(e.Contract, e.ProgramID)
}

func (x *Index) putLocked(entry models.ProgramEntry) {
	c, ok := x.file.Contracts[entry.Contract]
	if !ok || c.Programs == nil {
		c = models.ContractIndex{Programs: make(map[string]models.ProgramEntry)}
		x.file.Contracts[entry.Contract] = c
	}
	c.Programs[entry.ProgramID] = entry
}

func (x *Index) marshalLocked() ([]byte, error) {
	data, err := json.Marshal(x.file)
	if err != nil {
		return nil, fmt.Errorf("serializing index: %w", err)
	}
	return data, nil
}

// Marshal serializes the whole index.
func (x *Index) Marshal() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.marshalLocked()
}

// Put inserts or replaces an entry.
func (x *Index) Put(entry models.ProgramEntry) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.putLocked(entry)
	return x.marshalLocked()
}

// Remove drops one program, pruning the contract when it becomes empty.
func (x *Index) Remove(contract, programID string) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.file.Contracts[contract]; ok {
		delete(c.Programs, programID)
		if len(c.Programs) == 0 {
			delete(x.file.Contracts, contract)
		}
	}
	return x.marshalLocked()
}

// RemoveContract drops a contract and all of its programs.
func (x *Index) RemoveContract(contract string) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.file.Contracts, contract)
	return x.marshalLocked()
}

// Lookup returns a copy of one entry.
func (x *Index) Lookup(contract, programID string) (models.ProgramEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry, ok := x.file.Contracts[contract].Programs[programID]
	return entry, ok
}

// Entries returns copies of every entry under contract.
func (x *Index) Entries(contract string) ([]models.ProgramEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.file.Contracts[contract]
	if !ok {
		return nil, false
	}
	entries := make([]models.ProgramEntry, 0, len(c.Programs))
	for _, e := range c.Programs {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, true
}

// Snapshot projects the whole index to ProgramInfo, sorted by program id.
func (x *Index) Snapshot() map[string][]models.ProgramInfo {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string][]models.ProgramInfo, len(x.file.Contracts))
	for name, c := range x.file.Contracts {
		out[name] = projectPrograms(c)
	}
	return out
}

// Contract projects one contract's programs.
func (x *Index) Contract(contract string) ([]models.ProgramInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.file.Contracts[contract]
	if !ok {
		return nil, false
	}
	return projectPrograms(c), true
}

// Counts returns the number of contracts and programs.
func (x *Index) Counts() (contracts, programs int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, c := range x.file.Contracts {
		programs += len(c.Programs)
	}
	return len(x.file.Contracts), programs
}

func projectPrograms(c models.ContractIndex) []models.ProgramInfo {
	infos := make([]models.ProgramInfo, 0, len(c.Programs))
	for _, e := range c.Programs {
		infos = append(infos, e.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ProgramID < infos[j].ProgramID })
	return infos
}

func sortEntries(entries []models.ProgramEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ProgramID < entries[j].ProgramID })
}

package registry

import (
	"bytes"
	"sync"
)

// binariesPerContract bounds the cache per contract, not globally.
const binariesPerContract = 2

type cacheEntry struct {
	programID string
	data      []byte
}

// BinaryCache keeps the most recently used binaries of each contract.
// Entries for a contract are ordered most recent first.
type BinaryCache struct {
	mu          sync.Mutex
	perContract map[string][]cacheEntry
}

func NewBinaryCache() *BinaryCache {
	return &BinaryCache{perContract: make(map[string][]cacheEntry)}
}

// GetAndTouch returns a copy of the cached bytes and marks the entry most
// recently used.
func (c *BinaryCache) GetAndTouch(contract, programID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.perContract[contract]
	for i, e := range entries {
		if e.programID != programID {
			continue
		}
		copy(entries[1:i+1], entries[:i])
		entries[0] = e
		return bytes.Clone(e.data), true
	}
	return nil, false
}

// Insert replaces any entry for the program and evicts the least recently
// used entries beyond capacity. data is copied.
func (c *BinaryCache) Insert(contract, programID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.perContract[contract]
	entries := make([]cacheEntry, 0, binariesPerContract+1)
	entries = append(entries, cacheEntry{programID: programID, data: bytes.Clone(data)})
	for _, e := range old {
		if e.programID != programID {
			entries = append(entries, e)
		}
	}
	if len(entries) > binariesPerContract {
		entries = entries[:binariesPerContract]
	}
	c.perContract[contract] = entries
}

func (c *BinaryCache) RemoveProgram(contract, programID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.perContract[contract]
	if !ok {
		return
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.programID != programID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.perContract, contract)
		return
	}
	c.perContract[contract] = kept
}

func (c *BinaryCache) RemoveContract(contract string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.perContract, contract)
}

// Programs returns the cached program ids of a contract, most recent first.
func (c *BinaryCache) Programs(contract string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.perContract[contract]
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.programID
	}
	return ids
}

// Contracts returns how many contracts currently hold cached entries.
func (c *BinaryCache) Contracts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.perContract)
}

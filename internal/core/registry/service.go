package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/elfregistry/registry/internal/core/models"
	"github.com/elfregistry/registry/internal/core/services"
)

// Service maintains the contract/program index over a storage backend and
// caches recently used binaries.
type Service struct {
	storage services.StorageBackend
	index   *Index
	cache   *BinaryCache
	metrics *registryMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

type options struct {
	meterProvider metric.MeterProvider
	now           func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithMeterProvider sets where registry metrics are recorded. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithClock overrides the source of upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New loads the index from the backend, rebuilding it from metadata objects
// when it is missing. A present but unparseable index is an error.
func New(ctx context.Context, storage services.StorageBackend, logger zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	s := &Service{
		storage: storage,
		cache:   NewBinaryCache(),
		logger:  logger.With().Str("component", "registry").Logger(),
		now:     o.now,
	}
	s.metrics = newRegistryMetrics(o.meterProvider, s.logger)

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	s.index = idx

	contracts, programs := idx.Counts()
	s.logger.Info().
		Str("backend", storage.Name()).
		Int("contracts", contracts).
		Int("programs", programs).
		Msg("registry initialized")
	return s, nil
}

func (s *Service) loadIndex(ctx context.Context) (*Index, error) {
	data, err := s.storage.ReadObject(ctx, IndexKey)
	if err == nil {
		idx, err := parseIndex(data)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", IndexKey, err)
		}
		return idx, nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		return nil, fmt.Errorf("reading %s: %w", IndexKey, err)
	}

	s.logger.Info().Msg("index not found, rebuilding from stored objects")
	s.metrics.rebuild(ctx)

	idx, skipped, err := rebuildIndex(ctx, s.storage)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.logger.Warn().Int("skipped", skipped).Msg("skipped unreadable metadata objects during rebuild")
	}
	data, err = idx.Marshal()
	if err != nil {
		return nil, err
	}
	if err := s.storage.WriteObject(ctx, IndexKey, data); err != nil {
		return nil, fmt.Errorf("writing rebuilt index: %w", err)
	}
	return idx, nil
}

// Index exposes the in-memory index.
func (s *Service) Index() *Index { return s.index }

// Cache exposes the binary cache.
func (s *Service) Cache() *BinaryCache { return s.cache }

// Backend returns the storage backend name.
func (s *Service) Backend() string { return s.storage.Name() }

// ListAll returns every contract with its programs.
func (s *Service) ListAll(ctx context.Context) map[string][]models.ProgramInfo {
	s.metrics.request(ctx, opListAll)
	return s.index.Snapshot()
}

// ListContract returns the programs of one contract. ok is false when the
// contract has no programs.
func (s *Service) ListContract(ctx context.Context, contract string) ([]models.ProgramInfo, bool) {
	s.metrics.request(ctx, opListContract)
	return s.index.Contract(contract)
}

// Upload stores the binary, then its metadata, then updates and persists the
// index. Re-uploading a program overwrites all three.
func (s *Service) Upload(ctx context.Context, contract, programID string, metadata models.ProgramMetadata, data []byte) (models.ProgramEntry, error) {
	entry := models.ProgramEntry{
		ProgramID:    programID,
		Contract:     contract,
		ObjectPath:   ObjectPath(contract, programID),
		MetadataPath: MetadataPath(contract, programID),
		SizeBytes:    uint64(len(data)),
		UploadedAt:   s.now().UTC().Format(time.RFC3339Nano),
		Metadata:     metadata,
	}

	start := time.Now()
	if err := s.storage.WriteObject(ctx, entry.ObjectPath, data); err != nil {
		return models.ProgramEntry{}, fmt.Errorf("storing elf %s: %w", entry.ObjectPath, err)
	}
	s.metrics.storage(ctx, storageWrite, s.storage.Name(), start)

	meta, err := json.Marshal(entry)
	if err != nil {
		return models.ProgramEntry{}, fmt.Errorf("serializing metadata: %w", err)
	}
	start = time.Now()
	if err := s.storage.WriteObject(ctx, entry.MetadataPath, meta); err != nil {
		return models.ProgramEntry{}, fmt.Errorf("storing metadata %s: %w", entry.MetadataPath, err)
	}
	s.metrics.storage(ctx, storageWriteMetadata, s.storage.Name(), start)

	index, err := s.index.Put(entry)
	if err != nil {
		return models.ProgramEntry{}, err
	}
	if err := s.persistIndex(ctx, index); err != nil {
		return models.ProgramEntry{}, err
	}

	s.cache.Insert(contract, programID, data)

	s.metrics.request(ctx, opUpload)
	s.metrics.transferred(ctx, opUpload, len(data))
	s.logger.Info().
		Str("contract", contract).
		Str("program_id", programID).
		Uint64("size_bytes", entry.SizeBytes).
		Msg("program uploaded")
	return entry, nil
}

// Download returns a program's binary. ok is false when the program is not
// indexed or its object is missing from the backend.
func (s *Service) Download(ctx context.Context, contract, programID string) ([]byte, bool, error) {
	if data, ok := s.cache.GetAndTouch(contract, programID); ok {
		s.metrics.cacheHit(ctx)
		s.metrics.request(ctx, opDownload)
		s.metrics.transferred(ctx, opDownload, len(data))
		return data, true, nil
	}
	s.metrics.cacheMiss(ctx)

	entry, ok := s.index.Lookup(contract, programID)
	if !ok {
		return nil, false, nil
	}

	start := time.Now()
	data, err := s.storage.ReadObject(ctx, entry.ObjectPath)
	if errors.Is(err, services.ErrNotFound) {
		s.logger.Warn().
			Str("contract", contract).
			Str("program_id", programID).
			Str("key", entry.ObjectPath).
			Msg("indexed binary missing from backend")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading elf %s: %w", entry.ObjectPath, err)
	}
	s.metrics.storage(ctx, storageRead, s.storage.Name(), start)

	s.cache.Insert(contract, programID, data)

	s.metrics.request(ctx, opDownload)
	s.metrics.transferred(ctx, opDownload, len(data))
	return data, true, nil
}

// DeleteProgram removes a program's objects and index entry. It reports
// false when the program was not indexed.
func (s *Service) DeleteProgram(ctx context.Context, contract, programID string) (bool, error) {
	entry, ok := s.index.Lookup(contract, programID)
	if !ok {
		return false, nil
	}

	if err := s.deleteObjects(ctx, entry); err != nil {
		return false, err
	}

	index, err := s.index.Remove(contract, programID)
	if err != nil {
		return false, err
	}
	if err := s.persistIndex(ctx, index); err != nil {
		return false, err
	}

	s.cache.RemoveProgram(contract, programID)

	s.metrics.request(ctx, opDeleteProgram)
	s.logger.Info().Str("contract", contract).Str("program_id", programID).Msg("program deleted")
	return true, nil
}

// DeleteContract removes every program of a contract. It reports false when
// the contract was not indexed.
func (s *Service) DeleteContract(ctx context.Context, contract string) (bool, error) {
	entries, ok := s.index.Entries(contract)
	if !ok {
		return false, nil
	}

	for _, entry := range entries {
		if err := s.deleteObjects(ctx, entry); err != nil {
			return false, err
		}
	}

	index, err := s.index.RemoveContract(contract)
	if err != nil {
		return false, err
	}
	if err := s.persistIndex(ctx, index); err != nil {
		return false, err
	}

	s.cache.RemoveContract(contract)

	s.metrics.request(ctx, opDeleteContract)
	s.logger.Info().Str("contract", contract).Int("programs", len(entries)).Msg("contract deleted")
	return true, nil
}

func (s *Service) deleteObjects(ctx context.Context, entry models.ProgramEntry) error {
	if err := s.storage.DeleteObject(ctx, entry.ObjectPath); err != nil {
		return fmt.Errorf("deleting elf %s: %w", entry.ObjectPath, err)
	}
	if err := s.storage.DeleteObject(ctx, entry.MetadataPath); err != nil {
		return fmt.Errorf("deleting metadata %s: %w", entry.MetadataPath, err)
	}
	return nil
}

func (s *Service) persistIndex(ctx context.Context, data []byte) error {
	start := time.Now()
	if err := s.storage.WriteObject(ctx, IndexKey, data); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	s.metrics.storage(ctx, storageWriteIndex, s.storage.Name(), start)
	return nil
}

package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bleepstore/bleepbackup/internal/codec"
	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/uid"
)

// BackupModelVersion is stamped on every new backup. Chunks of records with an
// older version were encoded with the legacy codec order.
const BackupModelVersion = 1

// BackupState is the lifecycle state of a backup.
type BackupState string

const (
	BackupWaiting   BackupState = "WAITING"
	BackupReceiving BackupState = "RECEIVING"
	BackupQueued    BackupState = "QUEUED"
	BackupUploading BackupState = "UPLOADING"
	BackupFinished  BackupState = "FINISHED"
	BackupFailed    BackupState = "FAILED"
	BackupTimedOut  BackupState = "TIMEDOUT"
)

// BackupStates lists every backup state.
var BackupStates = []BackupState{
	BackupWaiting, BackupReceiving, BackupQueued, BackupUploading, BackupFinished, BackupFailed, BackupTimedOut,
}

// ParseBackupState parses a backup state name.
func ParseBackupState(s string) (BackupState, error) {
	if st := BackupState(s); slices.Contains(BackupStates, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown backup state %q: %w", s, backuperr.ErrInvalidArgument)
}

func (s BackupState) Successful() bool { return s == BackupUploading || s == BackupFinished }
func (s BackupState) Failed() bool     { return s == BackupFailed || s == BackupTimedOut }
func (s BackupState) Running() bool {
	switch s {
	case BackupWaiting, BackupReceiving, BackupQueued, BackupUploading:
		return true
	}
	return false
}

// Location is a storage tier a backup can live in.
type Location string

const (
	Local   Location = "LOCAL"
	Offsite Location = "OFFSITE"
)

// Chunk is one independently encoded segment of a stored file.
type Chunk struct {
	Path         string    `json:"path"`
	OriginalSize int64     `json:"originalSize"`
	Size         int64     `json:"size"`
	Hash         string    `json:"hash"`
	StoredDate   time.Time `json:"storedDate"`
	NodeName     string    `json:"nodeName"`
	// CompressionCodec is empty on records written before it was tracked.
	CompressionCodec codec.Compression `json:"compressionCodec,omitempty"`
}

// Compression returns the chunk's algorithm. Records without one were always
// written with Snappy.
func (c Chunk) Compression() codec.Compression {
	if c.CompressionCodec == "" {
		return codec.Snappy
	}
	return c.CompressionCodec
}

// BackupMetadata tracks one backup of a service across both storage tiers.
type BackupMetadata struct {
	Lifecycle[BackupState]

	originalSize   int64
	size           int64
	locations      map[Location]bool
	chunks         map[string][]Chunk
	pendingStores  int
	pendingUploads int
	verificationID string
}

type backupJSON struct {
	lifecycleJSON[BackupState]
	OriginalSize   int64              `json:"originalSize"`
	Size           int64              `json:"size"`
	Locations      []Location         `json:"locations"`
	Chunks         map[string][]Chunk `json:"chunks"`
	PendingStores  int                `json:"pendingStores"`
	PendingUploads int                `json:"pendingUploads"`
	VerificationID string             `json:"verificationId,omitempty"`
}

// NewBackupMetadata creates a WAITING backup with a random id.
func NewBackupMetadata(service, sourceAddress, nodeName string, started time.Time) *BackupMetadata {
	b := &BackupMetadata{
		locations: make(map[Location]bool),
		chunks:    make(map[string][]Chunk),
	}
	b.init(service, uid.New(), sourceAddress, nodeName, started, BackupWaiting, BackupModelVersion)
	return b
}

func (b *BackupMetadata) MarshalJSON() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := backupJSON{
		lifecycleJSON:  b.wire(),
		OriginalSize:   b.originalSize,
		Size:           b.size,
		Locations:      b.locationsLocked(),
		Chunks:         make(map[string][]Chunk, len(b.chunks)),
		PendingStores:  b.pendingStores,
		PendingUploads: b.pendingUploads,
		VerificationID: b.verificationID,
	}
	for name, chunks := range b.chunks {
		w.Chunks[name] = slices.Clone(chunks)
	}
	return json.Marshal(w)
}

func (b *BackupMetadata) UnmarshalJSON(data []byte) error {
	var w backupJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restore(w.lifecycleJSON)
	b.originalSize = w.OriginalSize
	b.size = w.Size
	b.locations = make(map[Location]bool, len(w.Locations))
	for _, loc := range w.Locations {
		b.locations[loc] = true
	}
	b.chunks = w.Chunks
	if b.chunks == nil {
		b.chunks = make(map[string][]Chunk)
	}
	b.pendingStores = w.PendingStores
	b.pendingUploads = w.PendingUploads
	b.verificationID = w.VerificationID
	return nil
}

func (b *BackupMetadata) SetFailed(comment string)   { b.SetState(BackupFailed, comment) }
func (b *BackupMetadata) SetTimedOut(comment string) { b.SetState(BackupTimedOut, comment) }

func (b *BackupMetadata) OriginalSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.originalSize
}

func (b *BackupMetadata) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *BackupMetadata) PendingStores() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingStores
}

func (b *BackupMetadata) PendingUploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingUploads
}

func (b *BackupMetadata) VerificationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verificationID
}

func (b *BackupMetadata) SetVerificationID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verificationID = id
}

func (b *BackupMetadata) HasVerification() bool {
	return b.VerificationID() != ""
}

// AddChunk records a stored chunk of filename. The backup must be RECEIVING.
func (b *BackupMetadata) AddChunk(filename string, chunk Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BackupReceiving {
		return fmt.Errorf("%s/%s: cannot add chunk in state %s: %w", b.service, b.id, b.state, backuperr.ErrIllegalTransition)
	}
	b.chunks[filename] = append(b.chunks[filename], chunk)
	b.originalSize += chunk.OriginalSize
	b.size += chunk.Size
	return nil
}

// Chunks returns the chunks of filename in storage order.
func (b *BackupMetadata) Chunks(filename string) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.chunks[filename])
}

// Filenames returns the stored filenames, sorted.
func (b *BackupMetadata) Filenames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.chunks))
}

// AllChunks returns every chunk of every file.
func (b *BackupMetadata) AllChunks() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []Chunk
	for _, name := range slices.Sorted(maps.Keys(b.chunks)) {
		all = append(all, b.chunks[name]...)
	}
	return all
}

func (b *BackupMetadata) AddLocation(loc Location) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locations[loc] = true
}

func (b *BackupMetadata) RemoveLocation(loc Location) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locations, loc)
}

func (b *BackupMetadata) ExistsAt(loc Location) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locations[loc]
}

func (b *BackupMetadata) Locations() []Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locationsLocked()
}

func (b *BackupMetadata) locationsLocked() []Location {
	locs := make([]Location, 0, len(b.locations))
	for loc := range b.locations {
		locs = append(locs, loc)
	}
	slices.Sort(locs)
	return locs
}

// IncrementPendingStores registers one more in-flight store of filename. The
// first concurrent store moves the backup from WAITING to RECEIVING; later
// ones expect it to be RECEIVING already.
func (b *BackupMetadata) IncrementPendingStores(filename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := b.pendingStores + 1
	expected := BackupReceiving
	if count == 1 {
		expected = BackupWaiting
	}
	if err := b.transitionLocked(expected, BackupReceiving, fmt.Sprintf("Started receiving %s, pending stores = %d", filename, count)); err != nil {
		return err
	}
	b.pendingStores = count
	return nil
}

// DecrementPendingStores finishes one store. The last one moves the backup
// back to WAITING.
func (b *BackupMetadata) DecrementPendingStores(filename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := b.pendingStores - 1
	next := BackupReceiving
	if count <= 0 {
		count = 0
		next = BackupWaiting
	}
	if err := b.transitionLocked(BackupReceiving, next, fmt.Sprintf("Finished receiving %s, pending stores = %d", filename, count)); err != nil {
		return err
	}
	b.pendingStores = count
	return nil
}

// IncrementPendingUploads registers an offsite upload of path. The state is
// unchanged but the event is recorded in the audit trail.
func (b *BackupMetadata) IncrementPendingUploads(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingUploads++
	b.setStateLocked(b.state, fmt.Sprintf("Starting uploading %s, pending uploads = %d", path, b.pendingUploads))
	return b.pendingUploads
}

// DecrementPendingUploads finishes an offsite upload and returns how many are
// still in flight.
func (b *BackupMetadata) DecrementPendingUploads(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingUploads > 0 {
		b.pendingUploads--
	}
	b.setStateLocked(b.state, fmt.Sprintf("Finished uploading %s, pending uploads = %d", path, b.pendingUploads))
	return b.pendingUploads
}

func (b *BackupMetadata) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("BackupMetadata{service=%s, id=%s, state=%s, started=%s}", b.service, b.id, b.state, b.startedDate.Format(time.RFC3339))
}

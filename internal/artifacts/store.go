// Package artifacts persists binary outputs produced inside the sandbox,
// matplotlib figures, generated files, so thread steps can reference them
// by id instead of carrying megabytes of base64 through the step store.
// Two backends: local disk for single-node deployments, S3 for shared ones.
package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/pkg/models"
)

// PutOptions carries metadata stored alongside the artifact bytes.
type PutOptions struct {
	MediaType string
	Metadata  map[string]string
}

// Store is the artifact persistence contract.
type Store interface {
	// Put stores the artifact bytes and returns a backend-specific
	// reference (file:// or s3:// URI).
	Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, artifactID string) (io.ReadCloser, error)
	Delete(ctx context.Context, artifactID string) error
	Exists(ctx context.Context, artifactID string) (bool, error)
	Close() error
}

// Ref describes one stored artifact; it is what thread step metadata
// carries instead of the payload.
type Ref struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "image" or "file"
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Reference string `json:"reference"`
	Size      int    `json:"size"`

	CreatedAt time.Time `json:"created_at"`
}

// Saver extracts binary blocks from tool results and puts them in a
// store. A nil Saver is usable and saves nothing, so callers do not
// branch on whether artifacts are configured.
type Saver struct {
	store  Store
	logger *observability.Logger
}

// NewSaver wires a saver over a store.
func NewSaver(store Store, logger *observability.Logger) *Saver {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Saver{store: store, logger: logger}
}

// SaveBlocks stores the image and file blocks of a tool result and
// returns a reference per stored block. Blocks that fail to decode or
// store are logged and skipped; artifact loss never fails the tool
// result that produced it.
func (s *Saver) SaveBlocks(ctx context.Context, threadID string, blocks []models.ResultBlock) []Ref {
	if s == nil || s.store == nil {
		return nil
	}
	var refs []Ref
	for _, block := range blocks {
		if block.Kind != "image" && block.Kind != "file" {
			continue
		}
		if block.Data == "" {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(block.Data)
		if err != nil {
			s.logger.Warn(ctx, "skipping undecodable artifact block",
				"thread_id", threadID, "kind", block.Kind, "error", err)
			continue
		}

		id := uuid.NewString()
		mediaType := block.MediaType
		if mediaType == "" && block.Kind == "image" {
			mediaType = "image/png"
		}
		reference, err := s.store.Put(ctx, id, bytes.NewReader(payload), PutOptions{
			MediaType: mediaType,
			Metadata: map[string]string{
				"thread_id": threadID,
				"kind":      block.Kind,
				"name":      block.Name,
			},
		})
		if err != nil {
			s.logger.Warn(ctx, "failed to store artifact",
				"thread_id", threadID, "artifact_id", id, "error", err)
			continue
		}

		refs = append(refs, Ref{
			ID:        id,
			Kind:      block.Kind,
			Name:      block.Name,
			MediaType: mediaType,
			Reference: reference,
			Size:      len(payload),
			CreatedAt: time.Now().UTC(),
		})
	}
	return refs
}

// Get reads one stored artifact back.
func (s *Saver) Get(ctx context.Context, artifactID string) (io.ReadCloser, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("artifact store is not configured")
	}
	return s.store.Get(ctx, artifactID)
}

// knownExtensions lists every extension Put can pick, used by backends
// that need to resolve an artifact id back to its stored name.
var knownExtensions = []string{
	".png", ".jpg", ".gif", ".svg", ".txt", ".csv", ".json", ".pdf", ".bin",
}

// extensionForMediaType returns a file extension for stored artifacts.
func extensionForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/svg+xml":
		return ".svg"
	case "text/plain":
		return ".txt"
	case "text/csv":
		return ".csv"
	case "application/json":
		return ".json"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

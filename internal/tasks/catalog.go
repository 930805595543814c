// ============================================================================
// SceneScape Task Catalog
// ============================================================================
//
// Package: internal/tasks
// File: catalog.go
// Purpose: Maps a task kind ("scan", "metadata", "images") to a parameter decoder and a
//          controller.WorkFunc, so the API and CLI can submit by name.
//
// Decoding happens at submission time. Bad parameters are rejected with
// ErrInvalidParams before a job is registered; the decoded value reaches the
// WorkFunc through controller.WithArgs.
//
// ============================================================================

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/scenescape/internal/controller"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

var (
	// ErrUnknownKind no task is registered under the requested kind
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrInvalidParams parameters failed to decode or validate
	ErrInvalidParams = errors.New("invalid task params")
)

// DecodeFunc turns raw JSON params into the value handed to the WorkFunc.
type DecodeFunc func(raw json.RawMessage) (any, error)

// Kind is one submittable task type.
type Kind struct {
	Name   string
	Decode DecodeFunc
	Work   controller.WorkFunc
}

// Request describes a submission by kind.
type Request struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	ID       string          `json:"id,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Params   json.RawMessage `json:"params"`
}

// Submitter is the subset of the controller used for submission.
type Submitter interface {
	Submit(name string, fn controller.WorkFunc, opts ...controller.SubmitOption) (types.JobID, error)
}

// Catalog holds the registered kinds.
type Catalog struct {
	kinds map[string]Kind
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{kinds: make(map[string]Kind)}
}

// NewDefaultCatalog registers the scan, metadata and images kinds.
func NewDefaultCatalog(scanner *Scanner, enricher *MetadataEnricher, images *ImageFetcher) *Catalog {
	c := NewCatalog()
	c.Register(ScanKind(scanner))
	c.Register(MetadataKind(enricher))
	c.Register(ImagesKind(images))
	return c
}

// Register adds or replaces a kind.
func (c *Catalog) Register(k Kind) {
	c.kinds[k.Name] = k
}

// Kinds returns the registered kind names, sorted.
func (c *Catalog) Kinds() []string {
	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit decodes the params and submits the job.
func (c *Catalog) Submit(s Submitter, req Request) (types.JobID, error) {
	kind, ok := c.kinds[req.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	params, err := kind.Decode(req.Params)
	if err != nil {
		return "", err
	}

	name := req.Name
	if name == "" {
		name = req.Kind
	}

	opts := []controller.SubmitOption{controller.WithArgs(params)}
	if req.ID != "" {
		opts = append(opts, controller.WithID(req.ID))
	}
	if req.Metadata != nil {
		opts = append(opts, controller.WithMetadata(req.Metadata))
	}
	return s.Submit(name, kind.Work, opts...)
}

// decodeStrict rejects unknown fields and an absent params object.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: params is required", ErrInvalidParams)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// ScanKind wires the scanner into the catalog.
func ScanKind(s *Scanner) Kind {
	return Kind{
		Name: KindScan,
		Decode: func(raw json.RawMessage) (any, error) {
			var p ScanParams
			if err := decodeStrict(raw, &p); err != nil {
				return nil, err
			}
			return s.Validate(p)
		},
		Work: func(ctx context.Context, job *controller.Handle, args ...any) (any, error) {
			p, err := argAs[ScanParams](args)
			if err != nil {
				return nil, err
			}
			return s.Scan(ctx, job, p)
		},
	}
}

// MetadataKind wires the TMDb enricher into the catalog.
func MetadataKind(e *MetadataEnricher) Kind {
	return Kind{
		Name: KindMetadata,
		Decode: func(raw json.RawMessage) (any, error) {
			var p MetadataParams
			if err := decodeStrict(raw, &p); err != nil {
				return nil, err
			}
			return e.Validate(p)
		},
		Work: func(ctx context.Context, job *controller.Handle, args ...any) (any, error) {
			p, err := argAs[MetadataParams](args)
			if err != nil {
				return nil, err
			}
			return e.Enrich(ctx, job, p)
		},
	}
}

// ImagesKind wires the image fetcher into the catalog.
func ImagesKind(f *ImageFetcher) Kind {
	return Kind{
		Name: KindImages,
		Decode: func(raw json.RawMessage) (any, error) {
			var p ImageParams
			if err := decodeStrict(raw, &p); err != nil {
				return nil, err
			}
			return f.Validate(p)
		},
		Work: func(ctx context.Context, job *controller.Handle, args ...any) (any, error) {
			p, err := argAs[ImageParams](args)
			if err != nil {
				return nil, err
			}
			return f.Fetch(ctx, job, p)
		},
	}
}

func argAs[T any](args []any) (T, error) {
	var zero T
	if len(args) != 1 {
		return zero, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	v, ok := args[0].(T)
	if !ok {
		return zero, fmt.Errorf("unexpected argument type %T", args[0])
	}
	return v, nil
}

// Package artifact builds a CycloneDX manifest describing the files a
// finished job leaves behind in its pool directory, driven off the Job's
// BeginUpload/FinishUpload bookkeeping (spec.md §3 Invariant 2).
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"iter"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/os-autoinst/openqa-worker-go/internal/parallel"
)

var workerVersion string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		workerVersion = "unknown"
	} else {
		workerVersion = info.Main.Version
	}
}

// Builder accumulates result-file components for one job's manifest,
// adapted from the teacher's bom.Builder: same append-then-BOM shape,
// narrowed to one job's artifacts instead of a whole filesystem scan.
type Builder struct {
	jobID      int64
	components []cdx.Component
}

func NewBuilder(jobID int64) *Builder {
	return &Builder{jobID: jobID, components: []cdx.Component{}}
}

// BuildFromDirectory walks root for result files (screenshots, logs, video)
// and hashes each with bounded concurrency via parallel.Map, following the
// spec's BeginUpload/FinishUpload contract: beginUpload is called once per
// discovered file before hashing starts, finishUpload once its component is
// ready (or failed).
func (b *Builder) BuildFromDirectory(ctx context.Context, root string, limit int, beginUpload func(), finishUpload func(error)) (int, error) {
	files, err := resultFiles(root)
	if err != nil {
		return 0, err
	}

	m := parallel.NewMap(ctx, limit, func(ctx context.Context, path string) (cdx.Component, error) {
		beginUpload()
		c, err := componentFor(root, path)
		finishUpload(err)
		return c, err
	})

	for c, err := range m.Iter(seqOf(files)) {
		if err != nil {
			continue
		}
		b.components = append(b.components, c)
	}
	return len(files), nil
}

func resultFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func componentFor(root, path string) (cdx.Component, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	sum, err := hashFile(path)
	if err != nil {
		return cdx.Component{}, err
	}

	return cdx.Component{
		Type:    cdx.ComponentTypeFile,
		Name:    rel,
		Version: "1",
		Hashes: &[]cdx.Hash{
			{Algorithm: cdx.HashAlgoSHA256, Value: sum},
		},
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func seqOf(files []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range files {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// BOM returns the CycloneDX manifest for the accumulated components,
// following the teacher's bom.Builder.BOM shape.
func (b *Builder) BOM() cdx.BOM {
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Component: &cdx.Component{
				Type:    "application",
				Name:    "openqa-worker",
				Version: workerVersion,
			},
		},
		Components: &b.components,
	}
}

// AsJSON encodes the manifest in CycloneDX JSON form.
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

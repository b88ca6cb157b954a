// Package checkpoint reads and writes model checkpoints: files whose
// parameters live under the top-level "model" root, next to optional
// training state such as "optimizer" that is ignored here.
package checkpoint

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/born-ml/bodymux/internal/loader"
	"github.com/born-ml/bodymux/internal/serialization"
	"github.com/born-ml/bodymux/internal/tensor"
)

// RootKey is the top-level key holding model parameters.
const RootKey = "model"

// Load errors.
var (
	ErrMissingRoot    = errors.New(`checkpoint has no "model" parameters`)
	ErrNonTensorParam = errors.New("model parameter is not a tensor")
)

// LoadError reports a checkpoint that could not be read or lacks the
// model root.
type LoadError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load checkpoint %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Checkpoint is a loaded checkpoint.
type Checkpoint struct {
	Path     string
	Format   loader.Format
	Digest   serialization.Digest // SHA-256 of the whole file
	Model    map[string]*tensor.RawTensor
	Metadata map[string]string
	Ignored  []string // tensor names outside the model root, sorted
}

// Load reads path and returns the parameters under the "model" root.
func Load(path string) (*Checkpoint, error) {
	fail := func(err error) (*Checkpoint, error) {
		return nil, &LoadError{Path: path, Err: err}
	}

	digest, err := fileDigest(path)
	if err != nil {
		return fail(err)
	}

	file, err := loader.Open(path)
	if err != nil {
		return fail(err)
	}

	prefix := RootKey + "."
	for _, name := range file.Skipped {
		if strings.HasPrefix(name, prefix) {
			return fail(fmt.Errorf("%w: %s", ErrNonTensorParam, name))
		}
	}

	ckpt := &Checkpoint{
		Path:     path,
		Format:   file.Format,
		Digest:   digest,
		Model:    make(map[string]*tensor.RawTensor),
		Metadata: file.Metadata,
	}
	for _, name := range slices.Sorted(maps.Keys(file.Tensors)) {
		if key, ok := strings.CutPrefix(name, prefix); ok {
			ckpt.Model[key] = file.Tensors[name]
		} else {
			ckpt.Ignored = append(ckpt.Ignored, name)
		}
	}
	if len(ckpt.Model) == 0 {
		return fail(ErrMissingRoot)
	}

	return ckpt, nil
}

func fileDigest(path string) (serialization.Digest, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	f, err := os.Open(path)
	if err != nil {
		return serialization.Digest{}, err
	}
	defer f.Close()

	digest, err := serialization.ComputeChecksumReader(f)
	if err != nil {
		return serialization.Digest{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return digest, nil
}

// SaveOptions configures Save.
type SaveOptions struct {
	Format    loader.Format     // FormatBorn (default) or FormatSafeTensors
	ModelType string            // Recorded in .born headers
	Metadata  map[string]string // Header metadata
}

// Save writes state under the "model" root.
//
// The file is written to a temporary sibling and renamed into place, so
// path is either left untouched or replaced by a complete checkpoint.
// An existing file at path is overwritten.
func Save(path string, state map[string]*tensor.RawTensor, opts SaveOptions) (err error) {
	if opts.Format == "" {
		opts.Format = loader.FormatBorn
	}
	if opts.Format != loader.FormatBorn && opts.Format != loader.FormatSafeTensors {
		return fmt.Errorf("cannot write %s checkpoints", opts.Format)
	}

	rooted := make(map[string]*tensor.RawTensor, len(state))
	for key, raw := range state {
		rooted[RootKey+"."+key] = raw
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	switch opts.Format {
	case loader.FormatSafeTensors:
		err = serialization.WriteSafeTensors(tmp, rooted, opts.Metadata)
	default:
		err = serialization.WriteBorn(tmp, rooted, serialization.Header{
			ModelType: opts.ModelType,
			Metadata:  opts.Metadata,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

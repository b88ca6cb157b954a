package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/bodymux/internal/serialization"
	"github.com/born-ml/bodymux/internal/tensor"
)

// Format identifies a checkpoint container.
type Format string

// Supported formats.
const (
	FormatBorn        Format = "born"
	FormatSafeTensors Format = "safetensors"
	FormatTorch       Format = "torch"
)

// ErrUnknownFormat is returned when neither the leading bytes nor the
// extension identify the container.
var ErrUnknownFormat = errors.New("unknown checkpoint format")

// DuplicateTensorError reports two entries of one file that resolve to the
// same tensor name.
type DuplicateTensorError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateTensorError) Error() string {
	return fmt.Sprintf("duplicate tensor name %q", e.Name)
}

// Unwrap returns serialization.ErrDuplicateTensor.
func (e *DuplicateTensorError) Unwrap() error {
	return serialization.ErrDuplicateTensor
}

// File is the fully loaded content of a checkpoint.
type File struct {
	Format   Format
	Tensors  map[string]*tensor.RawTensor
	Metadata map[string]string
	Skipped  []string // non-tensor leaves, PyTorch only
}

// ParseFormat parses a format name as accepted on the command line.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatBorn, FormatSafeTensors, FormatTorch:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// DetectFormat identifies the container of path.
func DetectFormat(path string) (Format, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	head := make([]byte, 9)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read file header: %w", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte(serialization.MagicBytes)):
		return FormatBorn, nil
	case len(head) == 9 && head[8] == '{' && binary.LittleEndian.Uint64(head) < maxSafeTensorsHeader:
		// The first byte is the low byte of the header length and may be 0x80.
		return FormatSafeTensors, nil
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), isPickle(head):
		// zip archive (torch >= 1.6) or a raw pickle stream
		return FormatTorch, nil
	}

	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".born":
		return FormatBorn, nil
	case ext == ".safetensors":
		return FormatSafeTensors, nil
	case isTorchPath(strings.ToLower(path)):
		return FormatTorch, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// isPickle reports whether head starts with a pickle PROTO opcode for
// protocol 2 to 5.
func isPickle(head []byte) bool {
	return len(head) >= 2 && head[0] == 0x80 && head[1] >= 2 && head[1] <= 5
}

// Open detects the format of path and loads every tensor in it.
func Open(path string) (*File, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatBorn:
		return openBorn(path)
	case FormatSafeTensors:
		return openSafeTensors(path)
	default:
		tensors, skipped, err := ReadTorch(path)
		if err != nil {
			return nil, err
		}
		return &File{Format: FormatTorch, Tensors: tensors, Skipped: skipped}, nil
	}
}

func openBorn(path string) (*File, error) {
	reader, err := serialization.NewBornReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	tensors, err := reader.ReadStateDict()
	if err != nil {
		return nil, err
	}
	return &File{Format: FormatBorn, Tensors: tensors, Metadata: reader.Metadata()}, nil
}

func openSafeTensors(path string) (*File, error) {
	reader, err := NewSafeTensorsReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	tensors, err := reader.ReadStateDict()
	if err != nil {
		return nil, err
	}
	return &File{Format: FormatSafeTensors, Tensors: tensors, Metadata: reader.Metadata()}, nil
}

package serialization

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/bodymux/internal/tensor"
)

// BornReader reads state dicts from .born files.
type BornReader struct {
	file       *os.File
	header     Header
	index      map[string]int
	flags      uint32
	version    uint32
	dataOffset int64  // Offset where tensor data starts
	dataSize   int64  // Size of the data section
	checksum   Digest // SHA-256 checksum (v2 only)
	opts       ReaderOptions
	closed     bool
}

// ReaderOptions configures the behavior of BornReader.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// NewBornReader opens a .born file with strict validation.
func NewBornReader(path string) (*BornReader, error) {
	return NewBornReaderWithOptions(path, ReaderOptions{
		ValidationLevel: ValidationStrict,
	})
}

// NewBornReaderWithOptions opens a .born file with custom options.
func NewBornReaderWithOptions(path string, opts ReaderOptions) (*BornReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	reader := &BornReader{file: file, opts: opts}
	if err := reader.init(); err != nil {
		_ = file.Close() // Best effort close on error
		return nil, err
	}
	return reader, nil
}

func (r *BornReader) init() error {
	if err := r.parseHeader(); err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	available := info.Size() - r.dataOffset
	if r.version == FormatVersion {
		r.dataSize = available
	} else if r.dataSize > available {
		return fmt.Errorf("%w: data section is %d bytes, header says %d", ErrOutOfBounds, available, r.dataSize)
	}

	if err := ValidateHeader(&r.header, r.dataSize, r.opts.ValidationLevel); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if r.version == FormatVersionV2 && !r.opts.SkipChecksumValidation {
		if err := r.verifyChecksum(); err != nil {
			return err
		}
	}

	r.index = make(map[string]int, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		r.index[meta.Name] = i
	}
	return nil
}

// parseHeader reads and parses the .born file header.
func (r *BornReader) parseHeader() error {
	fixed := make([]byte, FixedHeaderSizeV1)
	if _, err := io.ReadFull(r.file, fixed[:8]); err != nil {
		return fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(fixed[:4]) != MagicBytes {
		return ErrInvalidMagic
	}

	r.version = binary.LittleEndian.Uint32(fixed[4:8])
	var headerSize uint64
	var fixedSize int64

	switch r.version {
	case FormatVersion:
		if _, err := io.ReadFull(r.file, fixed[8:]); err != nil {
			return fmt.Errorf("failed to read fixed header: %w", err)
		}
		r.flags = binary.LittleEndian.Uint32(fixed[8:12])
		headerSize = binary.LittleEndian.Uint64(fixed[12:20])
		fixedSize = FixedHeaderSizeV1

	case FormatVersionV2:
		rest := make([]byte, FixedHeaderSizeV2-8)
		if _, err := io.ReadFull(r.file, rest); err != nil {
			return fmt.Errorf("failed to read fixed header: %w", err)
		}
		// rest is the fixed header shifted by the 8 bytes already read.
		r.flags = binary.LittleEndian.Uint32(rest[0:4])
		headerSize = binary.LittleEndian.Uint64(rest[8:16])
		//nolint:gosec // G115: bounded against the file size in init
		r.dataSize = int64(binary.LittleEndian.Uint64(rest[16:24]))
		copy(r.checksum[:], rest[ChecksumOffsetV2-8:ChecksumOffsetV2-8+ChecksumSize])
		fixedSize = FixedHeaderSizeV2

	default:
		return fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, r.version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerBytes); err != nil {
		return fmt.Errorf("failed to read header JSON: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	//nolint:gosec // G115: headerSize is bounded by MaxHeaderSize
	pos := fixedSize + int64(headerSize)
	r.dataOffset = pos + padding(pos)
	return nil
}

// verifyChecksum streams the data section through SHA-256.
func (r *BornReader) verifyChecksum() error {
	h := sha256.New()
	section := io.NewSectionReader(r.file, r.dataOffset, r.dataSize)
	if _, err := io.Copy(h, section); err != nil {
		return fmt.Errorf("failed to read tensor data for checksum: %w", err)
	}
	var computed Digest
	copy(computed[:], h.Sum(nil))
	return ValidateChecksum(computed, r.checksum)
}

// Version returns the file's format version.
func (r *BornReader) Version() int {
	return int(r.version)
}

// Flags returns the file's flag bits.
func (r *BornReader) Flags() uint32 {
	return r.flags
}

// Header returns the file header.
func (r *BornReader) Header() Header {
	return r.header
}

// Metadata returns the metadata map from the header.
func (r *BornReader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns tensor names in file order.
func (r *BornReader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *BornReader) TensorInfo(name string) (*TensorMeta, error) {
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	meta := r.header.Tensors[i]
	return &meta, nil
}

// LoadTensor reads a single tensor.
func (r *BornReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}

	meta, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	dtype, err := tensor.ParseDataType(meta.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	data := make([]byte, meta.Size)
	if _, err := r.file.ReadAt(data, r.dataOffset+meta.Offset); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}

	raw, err := tensor.FromBytes(tensor.Shape(meta.Shape), dtype, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return raw, nil
}

// ReadStateDict reads all tensors into a state dictionary.
func (r *BornReader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}

	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.LoadTensor(meta.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// Close closes the reader and the underlying file.
func (r *BornReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

package serialization

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/born-ml/bodymux/internal/tensor"
)

// WriteBorn writes stateDict to w in .born format.
//
// header.FormatVersion selects the layout; zero means v2. The Tensors
// field is recomputed from stateDict and Generator defaults to "bodymux".
// All other header fields are written as given.
func WriteBorn(w io.Writer, stateDict map[string]*tensor.RawTensor, header Header) error {
	if header.FormatVersion == 0 {
		header.FormatVersion = FormatVersionV2
	}
	if header.Generator == "" {
		header.Generator = Generator
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	names, metas, dataSize := layout(stateDict)
	header.Tensors = metas
	for _, meta := range metas {
		if err := ValidateTensorName(meta.Name); err != nil {
			return err
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}

	bw := bufio.NewWriter(w)

	var fixedSize int64
	switch header.FormatVersion {
	case FormatVersion:
		fixedSize = FixedHeaderSizeV1
		err = writeFixedHeaderV1(bw, flags, uint64(len(headerJSON)))
	case FormatVersionV2:
		fixedSize = FixedHeaderSizeV2
		checksum := dataChecksum(names, stateDict)
		//nolint:gosec // G115: dataSize is a sum of in-memory buffer lengths
		err = writeFixedHeaderV2(bw, flags, uint64(len(headerJSON)), uint64(dataSize), checksum)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.FormatVersion)
	}
	if err != nil {
		return err
	}

	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	pad := padding(fixedSize + int64(len(headerJSON)))
	if _, err := bw.Write(make([]byte, pad)); err != nil {
		return fmt.Errorf("failed to write padding: %w", err)
	}

	for _, name := range names {
		if _, err := bw.Write(stateDict[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}

	return bw.Flush()
}

func writeFixedHeaderV1(w io.Writer, flags uint32, headerSize uint64) error {
	if _, err := io.WriteString(w, MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(FormatVersion)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, flags); err != nil {
		return fmt.Errorf("failed to write flags: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, headerSize); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	return nil
}

// writeFixedHeaderV2 writes the 64-byte v2 header:
//
//	0x00-0x03: magic, 0x04-0x07: version, 0x08-0x0B: flags,
//	0x0C-0x0F: reserved, 0x10-0x17: header size, 0x18-0x1F: data size,
//	0x20-0x3F: SHA-256 of the data section.
func writeFixedHeaderV2(w io.Writer, flags uint32, headerSize, dataSize uint64, checksum Digest) error {
	fixed := make([]byte, FixedHeaderSizeV2)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(FormatVersionV2))
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], headerSize)
	binary.LittleEndian.PutUint64(fixed[24:32], dataSize)
	copy(fixed[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])

	if _, err := w.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	return nil
}

// dataChecksum hashes tensor data in write order.
func dataChecksum(names []string, stateDict map[string]*tensor.RawTensor) Digest {
	h := sha256.New()
	for _, name := range names {
		h.Write(stateDict[name].Data())
	}
	var sum Digest
	copy(sum[:], h.Sum(nil))
	return sum
}

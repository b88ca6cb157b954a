// Package serialization reads and writes state dicts in the .born and
// SafeTensors container formats.
//
// The .born format:
//
//	v1:
//	  [4 bytes: Magic "BORN"]
//	  [4 bytes: Version (uint32 LE)]
//	  [4 bytes: Flags (uint32 LE)]
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON metadata]
//	  [Tensor data: raw bytes, 64-byte aligned]
//
//	v2 (default):
//	  [64 bytes: fixed header with magic, version, flags, header size,
//	   data size and the SHA-256 checksum of the data section]
//	  [Header: JSON metadata]
//	  [Tensor data: raw bytes, 64-byte aligned]
//
// Writers lay tensors out in sorted name order and never stamp the wall
// clock unless the caller sets Header.CreatedAt, so identical state dicts
// produce identical files.
//
// Example:
//
//	var buf bytes.Buffer
//	if err := serialization.WriteBorn(&buf, model.StateDict(), serialization.Header{ModelType: "Detector"}); err != nil {
//	    return err
//	}
//
//	reader, err := serialization.NewBornReader("model.born")
//	if err != nil {
//	    return err
//	}
//	defer reader.Close()
//	stateDict, err := reader.ReadStateDict()
package serialization

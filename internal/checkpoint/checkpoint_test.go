package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bodymux/internal/loader"
	"github.com/born-ml/bodymux/internal/serialization"
	"github.com/born-ml/bodymux/internal/tensor"
)

func mustFloat32(t *testing.T, values []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromFloat32(values, shape)
	require.NoError(t, err)
	return raw
}

func testState(t *testing.T) map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"Conv_Body.layer1.weight": mustFloat32(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}),
		"ClsHead.fc.weight":       mustFloat32(t, []float32{5, 6}, tensor.Shape{1, 2}),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, format := range []loader.Format{loader.FormatBorn, loader.FormatSafeTensors} {
		t.Run(string(format), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.ckpt")
			state := testState(t)

			require.NoError(t, Save(path, state, SaveOptions{
				Format:   format,
				Metadata: map[string]string{"head_weights_index": "1"},
			}))

			ckpt, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, format, ckpt.Format)
			assert.Equal(t, "1", ckpt.Metadata["head_weights_index"])
			assert.Empty(t, ckpt.Ignored)
			require.Len(t, ckpt.Model, len(state))
			for key, raw := range state {
				assert.True(t, raw.Equal(ckpt.Model[key]), key)
			}

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, serialization.ComputeChecksum(data), ckpt.Digest)
		})
	}
}

func TestSaveIsDeterministicAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.born")
	b := filepath.Join(dir, "b.born")
	require.NoError(t, os.WriteFile(b, []byte("stale"), 0o600))

	require.NoError(t, Save(a, testState(t), SaveOptions{}))
	require.NoError(t, Save(b, testState(t), SaveOptions{}))

	dataA, err := os.ReadFile(a)
	require.NoError(t, err)
	dataB, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dataA, dataB))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")
}

func TestSaveFailureLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.born")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o600))

	state := testState(t)
	state["bad/name"] = state["ClsHead.fc.weight"]
	require.Error(t, Save(path, state, SaveOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.Error(t, Save(path, testState(t), SaveOptions{Format: loader.FormatTorch}))
}

func TestLoadIgnoresOtherRoots(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, serialization.WriteBorn(&buf, map[string]*tensor.RawTensor{
		"model.fc.weight":     mustFloat32(t, []float32{1}, tensor.Shape{1}),
		"optimizer.fc.moment": mustFloat32(t, []float32{2}, tensor.Shape{1}),
		"modelx.weight":       mustFloat32(t, []float32{3}, tensor.Shape{1}),
	}, serialization.Header{}))
	path := filepath.Join(t.TempDir(), "ckpt.born")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, ckpt.Model, 1)
	assert.Contains(t, ckpt.Model, "fc.weight")
	assert.Equal(t, []string{"modelx.weight", "optimizer.fc.moment"}, ckpt.Ignored)
}

func TestLoadSafeTensorsWithLowByte0x80(t *testing.T) {
	// A 384-byte header length starts the file with 0x80 0x01.
	header := []byte(`{"model.fc.weight":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`)
	header = append(header, bytes.Repeat([]byte(" "), 0x180-len(header))...)
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(2.5))
	require.Equal(t, byte(0x80), buf[0])

	path := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, loader.FormatSafeTensors, ckpt.Format)
	require.Contains(t, ckpt.Model, "fc.weight")
	assert.Equal(t, []float32{2.5}, ckpt.Model["fc.weight"].AsFloat32())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	var noRoot bytes.Buffer
	require.NoError(t, serialization.WriteBorn(&noRoot, map[string]*tensor.RawTensor{
		"fc.weight": mustFloat32(t, []float32{1}, tensor.Shape{1}),
	}, serialization.Header{}))
	noRootPath := filepath.Join(dir, "noroot.born")
	require.NoError(t, os.WriteFile(noRootPath, noRoot.Bytes(), 0o600))

	garbage := filepath.Join(dir, "garbage.born")
	require.NoError(t, os.WriteFile(garbage, []byte("BORN\x02\x00\x00\x00 truncated"), 0o600))

	tests := []struct {
		name string
		path string
		is   error
	}{
		{"missing file", filepath.Join(dir, "missing.born"), os.ErrNotExist},
		{"missing root", noRootPath, ErrMissingRoot},
		{"malformed", garbage, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			var loadErr *LoadError
			require.True(t, errors.As(err, &loadErr), "got %v", err)
			assert.Equal(t, tt.path, loadErr.Path)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

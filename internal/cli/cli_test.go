package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bodymux/internal/checkpoint"
	"github.com/born-ml/bodymux/internal/compose"
	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/loader"
	"github.com/born-ml/bodymux/internal/model"
	"github.com/born-ml/bodymux/internal/tensor"
)

const multiInputYAML = `MODEL:
  MASK_ON: true
BODY_MUXER:
  NUM_BODIES: 2
  METHOD: concatenate_conv
`

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewCLI()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// writeSingleInputCheckpoints saves n single-input models with mask heads.
func writeSingleInputCheckpoints(t *testing.T, dir string, n int) []string {
	t.Helper()
	paths := make([]string, n)
	for i := range n {
		cfg, err := config.Build(config.Overrides("MODEL.MASK_ON=true", fmt.Sprintf("RNG_SEED=%d", 10+i)))
		require.NoError(t, err)
		m, err := model.New(cfg)
		require.NoError(t, err)
		paths[i] = filepath.Join(dir, fmt.Sprintf("single%d.born", i))
		require.NoError(t, checkpoint.Save(paths[i], m.StateDict(), checkpoint.SaveOptions{}))
	}
	return paths
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "multi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestComposeCommand(t *testing.T) {
	dir := t.TempDir()
	paths := writeSingleInputCheckpoints(t, dir, 2)
	cfgPath := writeConfig(t, dir, multiInputYAML)
	output := filepath.Join(dir, "out", "multi.born")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0o755))

	_, stderr, err := run(t, "compose",
		"--body-checkpoints", paths[0]+","+paths[1],
		"--config", cfgPath,
		"--head-weights-index", "1",
		"--output-model", output,
	)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Args")
	assert.Contains(t, stderr, "select RPN features")

	logData, err := os.ReadFile(output + ".log")
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Saved composed model")

	ckpt, err := checkpoint.Load(output)
	require.NoError(t, err)
	assert.Equal(t, loader.FormatBorn, ckpt.Format)
	assert.Equal(t, "1", ckpt.Metadata[compose.MetaHeadWeightsIndex])
	assert.Equal(t, config.FusionConcatenateConv, ckpt.Metadata[compose.MetaFusion])

	cfg, err := config.Build(config.File(cfgPath))
	require.NoError(t, err)
	fresh, err := model.New(cfg)
	require.NoError(t, err)
	require.NoError(t, fresh.LoadStateDict(ckpt.Model))

	head, err := checkpoint.Load(paths[1])
	require.NoError(t, err)
	assert.True(t, head.Model["RPN.conv.weight"].Equal(ckpt.Model["RPN.conv.weight"]))
}

func TestComposeCommandRepeatedFlagsAndSafeTensors(t *testing.T) {
	dir := t.TempDir()
	paths := writeSingleInputCheckpoints(t, dir, 3)
	cfgPath := writeConfig(t, dir, multiInputYAML)
	output := filepath.Join(dir, "multi.safetensors")

	_, _, err := run(t, "compose",
		"--body-checkpoints", paths[0],
		"--body-checkpoints", paths[1],
		"--body-checkpoints", paths[2],
		"--config", cfgPath,
		"--set", "BODY_MUXER.NUM_BODIES=3",
		"--set", "BODY_MUXER.METHOD=mean",
		"--head-weights-index", "0",
		"--output-model", output,
		"--log-file", filepath.Join(dir, "logs", "compose.log"),
	)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "logs", "compose.log"))
	assert.NoFileExists(t, output+".log")

	ckpt, err := checkpoint.Load(output)
	require.NoError(t, err)
	assert.Equal(t, loader.FormatSafeTensors, ckpt.Format)
	assert.Equal(t, config.FusionMean, ckpt.Metadata[compose.MetaFusion])
	assert.Contains(t, ckpt.Model, "Conv_Body.bodies.2.layer1.weight")
}

func TestComposeCommandIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	paths := writeSingleInputCheckpoints(t, dir, 2)
	cfgPath := writeConfig(t, dir, multiInputYAML)

	var outputs [][]byte
	for _, name := range []string{"a.born", "b.born"} {
		output := filepath.Join(dir, name)
		_, _, err := run(t, "compose",
			"--body-checkpoints", paths[0]+","+paths[1],
			"--config", cfgPath,
			"--head-weights-index", "0",
			"--output-model", output,
		)
		require.NoError(t, err)
		data, err := os.ReadFile(output)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestComposeCommandFailures(t *testing.T) {
	dir := t.TempDir()
	paths := writeSingleInputCheckpoints(t, dir, 2)
	cfgPath := writeConfig(t, dir, multiInputYAML)

	mask := filepath.Join(dir, "mask.born")
	ckpt, err := checkpoint.Load(paths[1])
	require.NoError(t, err)
	state := ckpt.Model
	state["Mask.fc.weight"], err = tensor.FromFloat32([]float32{1}, tensor.Shape{1})
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save(mask, state, checkpoint.SaveOptions{}))

	t.Run("unknown child", func(t *testing.T) {
		output := filepath.Join(dir, "unknown.born")
		_, stderr, err := run(t, "compose",
			"--body-checkpoints", paths[0]+","+mask,
			"--config", cfgPath,
			"--head-weights-index", "1",
			"--output-model", output,
		)
		var unknown *compose.UnknownChildError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "Mask", unknown.Child)
		assert.Contains(t, stderr, "Composition failed")
		assert.NoFileExists(t, output)
	})

	t.Run("body count", func(t *testing.T) {
		output := filepath.Join(dir, "count.born")
		_, _, err := run(t, "compose",
			"--body-checkpoints", paths[0],
			"--config", cfgPath,
			"--head-weights-index", "0",
			"--output-model", output,
		)
		var mismatch *compose.ConfigMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.NoFileExists(t, output)
	})

	t.Run("missing required flag", func(t *testing.T) {
		_, _, err := run(t, "compose", "--body-checkpoints", paths[0], "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "output-model")
	})

	t.Run("torch output", func(t *testing.T) {
		output := filepath.Join(dir, "out.pth")
		_, _, err := run(t, "compose",
			"--body-checkpoints", paths[0]+","+paths[1],
			"--config", cfgPath,
			"--head-weights-index", "0",
			"--output-model", output,
			"--format", "torch",
		)
		require.Error(t, err)
		assert.NoFileExists(t, output)
	})
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		flag, output string
		want         loader.Format
		wantErr      bool
	}{
		{"", "model.born", loader.FormatBorn, false},
		{"", "model.pth", loader.FormatBorn, false},
		{"", "model.SafeTensors", loader.FormatSafeTensors, false},
		{"safetensors", "model.bin", loader.FormatSafeTensors, false},
		{"BORN", "model.safetensors", loader.FormatBorn, false},
		{"torch", "model.pth", "", true},
		{"gguf", "model.gguf", "", true},
	}
	for _, tt := range tests {
		got, err := outputFormat(tt.flag, tt.output)
		if tt.wantErr {
			assert.Error(t, err, "%s %s", tt.flag, tt.output)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s", tt.flag, tt.output)
	}
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	paths := writeSingleInputCheckpoints(t, dir, 1)

	stdout, _, err := run(t, "inspect", paths[0])
	require.NoError(t, err)
	assert.Contains(t, stdout, "format:  born")
	for _, part := range []string{"PART", model.ConvBodyName, model.RPNName, model.BoxHeadName, model.MaskOutsName} {
		assert.Contains(t, stdout, part)
	}

	_, _, err = run(t, "inspect", filepath.Join(dir, "missing.born"))
	var loadErr *checkpoint.LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "bodymux "+Version+"\n", stdout)
}

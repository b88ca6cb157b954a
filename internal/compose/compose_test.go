package compose

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/born-ml/bodymux/internal/checkpoint"
	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/model"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// fakeTarget has one layer1.weight of shape [2] per body and one
// fc.weight of shape [2] per child.
type fakeTarget struct {
	bodies   []*nn.Dict
	children *nn.Dict
	tree     *nn.Dict
	hooks    []int
}

func newFakeTarget(numBodies int, children ...string) *fakeTarget {
	leaf := func() *nn.Dict {
		return nn.NewDict().Add("fc", nn.NewParameterList(nn.NewParameter("weight", nn.Zeros(tensor.Shape{2}))))
	}

	ft := &fakeTarget{children: nn.NewDict()}
	bodies := nn.NewDict()
	for i := range numBodies {
		body := nn.NewDict().Add("layer1", nn.NewParameterList(nn.NewParameter("weight", nn.Zeros(tensor.Shape{2}))))
		ft.bodies = append(ft.bodies, body)
		bodies.Add(strconv.Itoa(i), body)
	}
	ft.tree = nn.NewDict().Add(model.ConvBodyName, nn.NewDict().Add("bodies", bodies))
	for _, name := range children {
		child := leaf()
		ft.children.Add(name, child)
		ft.tree.Add(name, child)
	}
	return ft
}

func (f *fakeTarget) NumBodies() int { return len(f.bodies) }

func (f *fakeTarget) Body(i int) (nn.Module, error) {
	if i < 0 || i >= len(f.bodies) {
		return nil, fmt.Errorf("no body %d", i)
	}
	return f.bodies[i], nil
}

func (f *fakeTarget) Child(name string) (nn.Module, bool) { return f.children.Get(name) }
func (f *fakeTarget) ChildNames() []string                { return f.children.Names() }
func (f *fakeTarget) FusionMethod() string                { return "" }

func (f *fakeTarget) PostAssemble(headIndex int) error {
	f.hooks = append(f.hooks, headIndex)
	return nil
}

func (f *fakeTarget) StateDict() map[string]*tensor.RawTensor { return f.tree.StateDict() }

func (f *fakeTarget) bodyWeight(i int) []float32 {
	return f.bodies[i].StateDict()["layer1.weight"].AsFloat32()
}

func saveCheckpoint(t *testing.T, path string, state map[string]*tensor.RawTensor) string {
	t.Helper()
	require.NoError(t, checkpoint.Save(path, state, checkpoint.SaveOptions{}))
	return path
}

// writeSources writes n checkpoints where source i holds the value i+1 in
// its body and 10*(i+1) in its ClsHead.
func writeSources(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range n {
		v := float32(i + 1)
		paths[i] = saveCheckpoint(t, filepath.Join(dir, fmt.Sprintf("src%d.born", i)), map[string]*tensor.RawTensor{
			"Conv_Body.layer1.weight": vec(v, v),
			"ClsHead.fc.weight":       vec(10*v, 10*v),
		})
	}
	return paths
}

func TestComposeRoutesBodiesAndHeads(t *testing.T) {
	paths := writeSources(t, 3)
	target := newFakeTarget(3, "ClsHead")

	result, err := (&Composer{}).Compose(target, Sources(paths...), 1)
	require.NoError(t, err)

	for i := range 3 {
		v := float32(i + 1)
		assert.Equal(t, []float32{v, v}, target.bodyWeight(i), "body %d", i)
	}
	assert.Equal(t, []float32{20, 20}, result.State["ClsHead.fc.weight"].AsFloat32())
	assert.Equal(t, []float32{3, 3}, result.State["Conv_Body.bodies.2.layer1.weight"].AsFloat32())
	assert.Equal(t, []int{1}, target.hooks)

	require.Len(t, result.Sources, 3)
	for i, report := range result.Sources {
		assert.Equal(t, Source{Index: i, Path: paths[i]}, report.Source)
		assert.Equal(t, 1, report.BodyKeys)
	}
	assert.Equal(t, 0, result.Sources[0].HeadKeys)
	assert.Equal(t, 1, result.Sources[1].HeadKeys)
	assert.Equal(t, 0, result.Sources[2].HeadKeys)
}

func TestComposeReadsSourcesInOrder(t *testing.T) {
	paths := writeSources(t, 3)

	var order []string
	composer := &Composer{Load: func(path string) (*checkpoint.Checkpoint, error) {
		order = append(order, path)
		return checkpoint.Load(path)
	}}
	_, err := composer.Compose(newFakeTarget(3, "ClsHead"), Sources(paths...), 2)
	require.NoError(t, err)
	assert.Equal(t, paths, order)
}

func TestComposeIgnoresHeadsOfOtherSources(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		saveCheckpoint(t, filepath.Join(dir, "a.born"), map[string]*tensor.RawTensor{
			"Conv_Body.layer1.weight": vec(1, 1),
			"Mask.fc.weight":          vec(7, 7),
		}),
		saveCheckpoint(t, filepath.Join(dir, "b.born"), map[string]*tensor.RawTensor{
			"Conv_Body.layer1.weight": vec(2, 2),
			"ClsHead.fc.weight":       vec(5, 5),
		}),
	}

	result, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 5}, result.State["ClsHead.fc.weight"].AsFloat32())
}

func TestComposeUnknownChild(t *testing.T) {
	dir := t.TempDir()
	paths := writeSources(t, 2)
	paths = append(paths, saveCheckpoint(t, filepath.Join(dir, "mask.born"), map[string]*tensor.RawTensor{
		"Conv_Body.layer1.weight": vec(3, 3),
		"ClsHead.fc.weight":       vec(30, 30),
		"Mask.fc.weight":          vec(1, 1),
	}))
	target := newFakeTarget(3, "ClsHead")

	_, err := (&Composer{}).Compose(target, Sources(paths...), 2)
	var unknown *UnknownChildError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, 2, unknown.Index)
	assert.Equal(t, paths[2], unknown.Path)
	assert.Equal(t, "Mask", unknown.Child)
	assert.Equal(t, []string{"ClsHead"}, unknown.Known)

	// No head child is touched once an unknown child is found.
	assert.Equal(t, []float32{0, 0}, target.StateDict()["ClsHead.fc.weight"].AsFloat32())
	assert.Empty(t, target.hooks)
}

func TestComposeConfigMismatch(t *testing.T) {
	paths := writeSources(t, 2)

	tests := []struct {
		name      string
		target    Target
		sources   []Source
		headIndex int
		index     int
	}{
		{"too few sources", newFakeTarget(3, "ClsHead"), Sources(paths...), 0, -1},
		{"too many sources", newFakeTarget(1, "ClsHead"), Sources(paths...), 0, -1},
		{"single body model", newFakeTarget(0, "ClsHead"), Sources(paths...), 0, -1},
		{"head index too large", newFakeTarget(2, "ClsHead"), Sources(paths...), 2, -1},
		{"negative head index", newFakeTarget(2, "ClsHead"), Sources(paths...), -1, -1},
		{
			"slot assigned twice", newFakeTarget(2, "ClsHead"),
			[]Source{{Index: 0, Path: paths[0]}, {Index: 0, Path: paths[1]}}, 0, 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loads := 0
			composer := &Composer{Load: func(path string) (*checkpoint.Checkpoint, error) {
				loads++
				return checkpoint.Load(path)
			}}

			_, err := composer.Compose(tt.target, tt.sources, tt.headIndex)
			var mismatch *ConfigMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tt.index, mismatch.Index)
			assert.Zero(t, loads, "sources must not be read")
		})
	}
}

func TestComposeHeadSourceWithoutHeads(t *testing.T) {
	dir := t.TempDir()
	paths := writeSources(t, 1)
	paths = append(paths, saveCheckpoint(t, filepath.Join(dir, "body-only.born"), map[string]*tensor.RawTensor{
		"Conv_Body.layer1.weight": vec(2, 2),
	}))

	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 1)
	var mismatch *ConfigMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Index)
	assert.Contains(t, mismatch.Error(), "no head parameters")

	// The same checkpoint is fine as a body-only source.
	_, err = (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 0)
	require.NoError(t, err)
}

func TestComposeMissingHeadChild(t *testing.T) {
	paths := writeSources(t, 2)

	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead", "BoxHead"), Sources(paths...), 0)
	var mismatch *ConfigMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.Index)
	assert.Contains(t, mismatch.Reason, `"BoxHead"`)
}

func TestComposeShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	paths := writeSources(t, 1)
	paths = append(paths, saveCheckpoint(t, filepath.Join(dir, "wide.born"), map[string]*tensor.RawTensor{
		"Conv_Body.layer1.weight": vec(1, 2, 3),
		"ClsHead.fc.weight":       vec(1, 1),
	}))

	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 0)
	var mismatch *ShapeOrKeyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Index)
	assert.Equal(t, "backbone slot 1", mismatch.Target)
	assert.Equal(t, "Conv_Body.layer1.weight", mismatch.Key)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}

func TestComposeHeadKeyMismatch(t *testing.T) {
	dir := t.TempDir()
	paths := writeSources(t, 1)
	paths = append(paths, saveCheckpoint(t, filepath.Join(dir, "extra.born"), map[string]*tensor.RawTensor{
		"Conv_Body.layer1.weight": vec(1, 1),
		"ClsHead.fc.weight":       vec(1, 1),
		"ClsHead.fc.bias":         vec(1, 1),
	}))

	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 1)
	var mismatch *ShapeOrKeyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "ClsHead", mismatch.Target)
	assert.Equal(t, "ClsHead.fc.bias", mismatch.Key)
	assert.ErrorIs(t, err, nn.ErrUnexpectedKey)
}

func TestComposeMalformedKey(t *testing.T) {
	dir := t.TempDir()
	paths := writeSources(t, 1)
	paths = append(paths, saveCheckpoint(t, filepath.Join(dir, "flat.born"), map[string]*tensor.RawTensor{
		"Conv_Body.layer1.weight": vec(1, 1),
		"scale":                   vec(1),
	}))

	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 0)
	var malformed *MalformedKeyError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, malformed.Index)
	assert.Equal(t, paths[1], malformed.Path)
	assert.Equal(t, "scale", malformed.Key)
}

func TestComposeLoadError(t *testing.T) {
	paths := writeSources(t, 1)
	missing := filepath.Join(t.TempDir(), "missing.born")
	paths = append(paths, missing)

	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 0)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, 1, loadErr.Index)
	assert.Equal(t, missing, loadErr.Path)

	var ckptErr *checkpoint.LoadError
	assert.ErrorAs(t, err, &ckptErr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestComposeDuplicateKey(t *testing.T) {
	header := []byte(`{` +
		`"model.Conv_Body.layer1.weight":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},` +
		`"model.Conv_Body.layer1.weight":{"dtype":"F32","shape":[2],"data_offsets":[8,16]}}`)
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, make([]byte, 16)...)

	dup := filepath.Join(t.TempDir(), "dup.safetensors")
	require.NoError(t, os.WriteFile(dup, buf, 0o600))

	paths := append(writeSources(t, 1), dup)
	_, err := (&Composer{}).Compose(newFakeTarget(2, "ClsHead"), Sources(paths...), 0)
	var dupErr *DuplicateKeyError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, 1, dupErr.Index)
	assert.Equal(t, dup, dupErr.Path)
	assert.Equal(t, "Conv_Body.layer1.weight", dupErr.Key)
}

func buildConfig(t *testing.T, overrides ...string) config.Config {
	t.Helper()
	cfg, err := config.Build(config.Overrides(overrides...))
	require.NoError(t, err)
	return cfg
}

// writeModelSources saves n single-input models, each from its own seed.
func writeModelSources(t *testing.T, n int) ([]string, []map[string]*tensor.RawTensor) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	states := make([]map[string]*tensor.RawTensor, n)
	for i := range n {
		m, err := model.New(buildConfig(t, "MODEL.MASK_ON=true", fmt.Sprintf("RNG_SEED=%d", 100+i)))
		require.NoError(t, err)
		states[i] = m.StateDict()
		paths[i] = saveCheckpoint(t, filepath.Join(dir, fmt.Sprintf("single%d.born", i)), states[i])
	}
	return paths, states
}

func multiInputConfig(t *testing.T, method string) config.Config {
	t.Helper()
	return buildConfig(t,
		"MODEL.MASK_ON=true",
		"BODY_MUXER.NUM_BODIES=3",
		"BODY_MUXER.METHOD="+method,
	)
}

func TestComposeModel(t *testing.T) {
	paths, states := writeModelSources(t, 3)
	cfg := multiInputConfig(t, config.FusionConcatenateConv)
	target, err := model.New(cfg)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	composer := &Composer{Logger: zap.New(core)}
	result, err := composer.Compose(target, Sources(paths...), 2)
	require.NoError(t, err)
	assert.Equal(t, config.FusionConcatenateConv, result.Fusion)

	for key, raw := range result.State {
		switch child, sub, _ := strings.Cut(key, "."); {
		case child == "Conv_Body" && sub == "conv.weight", child == "Conv_Body" && sub == "conv.bias":
		case child == "Conv_Body":
			// Conv_Body.bodies.<i>.<param>
			var i int
			var param string
			_, err := fmt.Sscanf(sub, "bodies.%d.%s", &i, &param)
			require.NoError(t, err, key)
			assert.True(t, raw.Equal(states[i]["Conv_Body."+param]), key)
		default:
			assert.True(t, raw.Equal(states[2][key]), "%s must come from the head source", key)
		}
	}

	assert.Equal(t, 1, logs.FilterMessageSnippet("select RPN features").Len())
	assert.Equal(t, 3, logs.FilterMessage("Loaded checkpoint").Len())
}

func TestComposeModelWritesIdenticalFiles(t *testing.T) {
	paths, _ := writeModelSources(t, 3)
	cfg := multiInputConfig(t, config.FusionMean)
	dir := t.TempDir()

	var outputs [][]byte
	for i := range 2 {
		target, err := model.New(cfg)
		require.NoError(t, err)
		result, err := (&Composer{}).Compose(target, Sources(paths...), 0)
		require.NoError(t, err)

		out := filepath.Join(dir, fmt.Sprintf("out%d.born", i))
		require.NoError(t, checkpoint.Save(out, result.State, checkpoint.SaveOptions{Metadata: result.Metadata()}))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestComposeModelRoundTrip(t *testing.T) {
	paths, _ := writeModelSources(t, 3)
	cfg := multiInputConfig(t, config.FusionConcatenateConv)

	target, err := model.New(cfg)
	require.NoError(t, err)
	result, err := (&Composer{}).Compose(target, Sources(paths...), 1)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "multi.safetensors")
	require.NoError(t, checkpoint.Save(out, result.State, checkpoint.SaveOptions{Metadata: result.Metadata()}))

	ckpt, err := checkpoint.Load(out)
	require.NoError(t, err)
	assert.Equal(t, result.Metadata(), ckpt.Metadata)

	fresh, err := model.New(cfg)
	require.NoError(t, err)
	require.NoError(t, fresh.LoadStateDict(ckpt.Model))
	for key, raw := range fresh.StateDict() {
		assert.True(t, raw.Equal(result.State[key]), key)
	}
}

func TestComposeRejectsSingleInputModel(t *testing.T) {
	paths, _ := writeModelSources(t, 1)
	target, err := model.New(buildConfig(t, "MODEL.MASK_ON=true"))
	require.NoError(t, err)

	_, err = (&Composer{}).Compose(target, Sources(paths...), 0)
	var mismatch *ConfigMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, mismatch.Reason, "NUM_BODIES")
}

func TestComposeMaskHeadsMissing(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 3)
	for i := range paths {
		m, err := model.New(buildConfig(t, fmt.Sprintf("RNG_SEED=%d", i)))
		require.NoError(t, err)
		paths[i] = saveCheckpoint(t, filepath.Join(dir, fmt.Sprintf("nomask%d.born", i)), m.StateDict())
	}

	target, err := model.New(multiInputConfig(t, config.FusionSum))
	require.NoError(t, err)
	_, err = (&Composer{}).Compose(target, Sources(paths...), 0)
	var mismatch *ConfigMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, mismatch.Reason, model.MaskHeadName)
}

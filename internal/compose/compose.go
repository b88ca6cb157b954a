package compose

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/born-ml/bodymux/internal/checkpoint"
	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/loader"
	"github.com/born-ml/bodymux/internal/model"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/serialization"
	"github.com/born-ml/bodymux/internal/tensor"
)

// Source is one input checkpoint. Index is its position in the input list
// and selects the backbone slot it populates.
type Source struct {
	Index int
	Path  string
}

// Sources numbers paths in order.
func Sources(paths ...string) []Source {
	sources := make([]Source, len(paths))
	for i, path := range paths {
		sources[i] = Source{Index: i, Path: path}
	}
	return sources
}

// Target is the multi-input model being populated.
//
// *model.Model implements Target.
type Target interface {
	NumBodies() int
	Body(i int) (nn.Module, error)
	Child(name string) (nn.Module, bool)
	ChildNames() []string
	FusionMethod() string
	PostAssemble(headIndex int) error
	StateDict() map[string]*tensor.RawTensor
}

var _ Target = (*model.Model)(nil)

// SourceReport describes what one source contributed.
type SourceReport struct {
	Source
	Format   loader.Format
	Digest   serialization.Digest
	BodyKeys int
	HeadKeys int      // Head parameters loaded; 0 unless Index is the head index
	Ignored  []string // Entries outside the model root
}

// Result is a completed composition.
type Result struct {
	Sources   []SourceReport
	HeadIndex int
	Fusion    string

	// State is the target's state dict after assembly. The tensors are the
	// target's live parameters.
	State map[string]*tensor.RawTensor
}

// Composer populates a Target from source checkpoints.
type Composer struct {
	// Load reads a checkpoint. Defaults to checkpoint.Load.
	Load func(path string) (*checkpoint.Checkpoint, error)

	// Logger receives progress messages. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Compose loads the conv body of sources[i] into backbone slot i for every
// i, loads the head children from sources[headIndex] only, and then runs
// the target's post-assembly hook.
//
// Sources are read strictly in order. Any failure aborts the composition;
// the target may then be partially populated and must be discarded.
func (c *Composer) Compose(target Target, sources []Source, headIndex int) (*Result, error) {
	load := c.Load
	if load == nil {
		load = checkpoint.Load
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := checkSources(target, sources, headIndex); err != nil {
		return nil, err
	}

	logger.Info("Composing multi-input model",
		zap.Int("bodies", len(sources)),
		zap.Int("head_weights_index", headIndex),
		zap.String("fusion", target.FusionMethod()))

	result := &Result{
		Sources:   make([]SourceReport, 0, len(sources)),
		HeadIndex: headIndex,
		Fusion:    target.FusionMethod(),
	}
	loaded := make(map[string]bool)

	for _, src := range sources {
		ckpt, err := load(src.Path)
		if err != nil {
			if key, ok := duplicateKey(err); ok {
				return nil, &DuplicateKeyError{Index: src.Index, Path: src.Path, Key: key, Err: err}
			}
			return nil, &LoadError{Index: src.Index, Path: src.Path, Err: err}
		}

		parts, err := Partition(ckpt.Model)
		if err != nil {
			var malformed *MalformedKeyError
			if errors.As(err, &malformed) {
				malformed.Index, malformed.Path = src.Index, src.Path
			}
			return nil, err
		}

		if err := loadBody(target, src, parts.Body); err != nil {
			return nil, err
		}

		report := SourceReport{
			Source:   src,
			Format:   ckpt.Format,
			Digest:   ckpt.Digest,
			BodyKeys: len(parts.Body),
			Ignored:  ckpt.Ignored,
		}

		if src.Index == headIndex {
			if err := loadHeads(target, src, parts); err != nil {
				return nil, err
			}
			for _, child := range parts.ChildNames() {
				loaded[child] = true
			}
			report.HeadKeys = parts.NumHeadKeys()
			logger.Info("Loaded head weights",
				zap.Int("index", src.Index),
				zap.Strings("children", parts.ChildNames()))
		}

		logger.Info("Loaded checkpoint",
			zap.Int("index", src.Index),
			zap.String("path", src.Path),
			zap.String("format", string(ckpt.Format)),
			zap.Stringer("sha256", ckpt.Digest),
			zap.Int("body_params", report.BodyKeys),
			zap.Int("head_params", report.HeadKeys))
		if len(ckpt.Ignored) > 0 {
			logger.Debug("Ignored entries outside the model root",
				zap.Int("index", src.Index),
				zap.Strings("names", ckpt.Ignored))
		}

		result.Sources = append(result.Sources, report)
	}

	head := sources[headIndex]
	for _, child := range target.ChildNames() {
		if loaded[child] {
			continue
		}
		if module, ok := target.Child(child); ok && len(module.StateDict()) == 0 {
			continue
		}
		return nil, &ConfigMismatchError{
			Index:  head.Index,
			Path:   head.Path,
			Reason: fmt.Sprintf("head checkpoint has no parameters for child %q", child),
		}
	}

	if target.FusionMethod() == config.FusionConcatenateConv {
		logger.Info("Initializing concatenate_conv fusion to select RPN features from the head body directly",
			zap.Int("body", headIndex))
	}
	if err := target.PostAssemble(headIndex); err != nil {
		return nil, fmt.Errorf("post-assembly hook: %w", err)
	}

	result.State = target.StateDict()
	return result, nil
}

func checkSources(target Target, sources []Source, headIndex int) error {
	mismatch := func(format string, args ...any) error {
		return &ConfigMismatchError{Index: -1, Reason: fmt.Sprintf(format, args...)}
	}

	n := target.NumBodies()
	switch {
	case n == 0:
		return mismatch("model has a single conv body; set BODY_MUXER.NUM_BODIES to compose checkpoints")
	case len(sources) != n:
		return mismatch("got %d body checkpoints, model has %d bodies", len(sources), n)
	case headIndex < 0 || headIndex >= n:
		return mismatch("head weights index %d out of range [0, %d)", headIndex, n)
	}

	for i, src := range sources {
		if src.Index != i {
			return &ConfigMismatchError{
				Index:  src.Index,
				Path:   src.Path,
				Reason: fmt.Sprintf("assigned to backbone slot %d but listed at position %d", src.Index, i),
			}
		}
	}
	return nil
}

func loadBody(target Target, src Source, body map[string]*tensor.RawTensor) error {
	slot, err := target.Body(src.Index)
	if err != nil {
		return &ConfigMismatchError{Index: src.Index, Path: src.Path, Reason: err.Error()}
	}
	if err := slot.LoadStateDict(body); err != nil {
		return mismatchError(src, fmt.Sprintf("backbone slot %d", src.Index), model.ConvBodyName, err)
	}
	return nil
}

func loadHeads(target Target, src Source, parts *PartitionedKeySet) error {
	children := parts.ChildNames()
	if len(children) == 0 {
		return &ConfigMismatchError{
			Index:  src.Index,
			Path:   src.Path,
			Reason: "designated head checkpoint has no head parameters",
		}
	}

	modules := make([]nn.Module, len(children))
	for i, child := range children {
		module, ok := target.Child(child)
		if !ok {
			return &UnknownChildError{Index: src.Index, Path: src.Path, Child: child, Known: target.ChildNames()}
		}
		modules[i] = module
	}

	for i, child := range children {
		if err := modules[i].LoadStateDict(parts.Heads[child]); err != nil {
			return mismatchError(src, child, child, err)
		}
	}
	return nil
}

// mismatchError attributes a failed load to the checkpoint key it came from.
func mismatchError(src Source, target, prefix string, err error) error {
	e := &ShapeOrKeyMismatchError{Index: src.Index, Path: src.Path, Target: target, Err: err}
	var sdErr *nn.StateDictError
	if errors.As(err, &sdErr) {
		e.Key = prefix + "." + sdErr.Key
	}
	return e
}

// duplicateKey reports whether a load failed because the checkpoint names a
// parameter twice, and which.
func duplicateKey(err error) (string, bool) {
	if !errors.Is(err, serialization.ErrDuplicateTensor) {
		return "", false
	}

	var name string
	var dupErr *loader.DuplicateTensorError
	var valErr *serialization.ValidationError
	switch {
	case errors.As(err, &dupErr):
		name = dupErr.Name
	case errors.As(err, &valErr):
		name = valErr.Tensor
	}
	return strings.TrimPrefix(name, checkpoint.RootKey+"."), true
}

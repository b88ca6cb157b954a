package tensor

import (
	"fmt"

	"github.com/born-ml/bodymux/internal/parallel"
)

// Reference float32 kernels for NCHW feature maps. They are naive direct
// implementations, fast enough for checking composed models on small
// inputs.

// Conv2D performs a 2D convolution of input [N,C,H,W] with kernel
// [COut,C,KH,KW] and optional bias [COut].
func Conv2D(input, kernel, bias *RawTensor, stride, padding int) (*RawTensor, error) {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 || len(kernelShape) != 4 {
		return nil, fmt.Errorf("conv2d requires 4D tensors [N,C,H,W], got input %v kernel %v", inputShape, kernelShape)
	}
	if input.DType() != Float32 || kernel.DType() != Float32 {
		return nil, fmt.Errorf("conv2d requires float32, got %s and %s", input.DType(), kernel.DType())
	}

	n, cIn, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	cOut, kh, kw := kernelShape[0], kernelShape[2], kernelShape[3]

	if cIn != kernelShape[1] {
		return nil, fmt.Errorf("conv2d: input channels %d != kernel channels %d", cIn, kernelShape[1])
	}
	if bias != nil && (bias.NumElements() != cOut || bias.DType() != Float32) {
		return nil, fmt.Errorf("conv2d: bias %v does not match %d output channels", bias, cOut)
	}

	hOut := (h+2*padding-kh)/stride + 1
	wOut := (w+2*padding-kw)/stride + 1

	output, err := NewRaw(Shape{n, cOut, hOut, wOut}, Float32)
	if err != nil {
		return nil, err
	}

	in := input.AsFloat32()
	k := kernel.AsFloat32()
	out := output.AsFloat32()
	var b []float32
	if bias != nil {
		b = bias.AsFloat32()
	}

	// Output planes are disjoint, so each (batch, channel) pair is one unit.
	parallel.ForGrid(n, cOut, parallel.Workers(), func(bi, co int) {
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				sum := 0.0
				for ci := 0; ci < cIn; ci++ {
					for y := 0; y < kh; y++ {
						for x := 0; x < kw; x++ {
							ih := oh*stride - padding + y
							iw := ow*stride - padding + x
							// Zero padding
							if ih < 0 || ih >= h || iw < 0 || iw >= w {
								continue
							}
							inIdx := bi*cIn*h*w + ci*h*w + ih*w + iw
							kIdx := co*cIn*kh*kw + ci*kh*kw + y*kw + x
							sum += float64(in[inIdx]) * float64(k[kIdx])
						}
					}
				}
				if b != nil {
					sum += float64(b[co])
				}
				out[bi*cOut*hOut*wOut+co*hOut*wOut+oh*wOut+ow] = float32(sum)
			}
		}
	})

	return output, nil
}

// ReLU returns max(0, x) element-wise.
func ReLU(input *RawTensor) *RawTensor {
	output := input.Clone()
	data := output.AsFloat32()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	return output
}

// ConcatChannels concatenates [N,Ci,H,W] tensors along the channel axis.
func ConcatChannels(inputs ...*RawTensor) (*RawTensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat: no inputs")
	}
	first := inputs[0].Shape()
	if len(first) != 4 {
		return nil, fmt.Errorf("concat: expected 4D input, got %v", first)
	}

	channels := 0
	for i, in := range inputs {
		s := in.Shape()
		if len(s) != 4 || s[0] != first[0] || s[2] != first[2] || s[3] != first[3] || in.DType() != Float32 {
			return nil, fmt.Errorf("concat: input %d is %v, incompatible with %v", i, in, inputs[0])
		}
		channels += s[1]
	}

	n, plane := first[0], first[2]*first[3]
	output, err := NewRaw(Shape{n, channels, first[2], first[3]}, Float32)
	if err != nil {
		return nil, err
	}
	out := output.AsFloat32()

	for bi := 0; bi < n; bi++ {
		offset := bi * channels * plane
		for _, in := range inputs {
			block := in.Shape()[1] * plane
			src := in.AsFloat32()[bi*block : (bi+1)*block]
			copy(out[offset:offset+block], src)
			offset += block
		}
	}

	return output, nil
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *RawTensor) (*RawTensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("add: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	output := a.Clone()
	out := output.AsFloat32()
	for i, v := range b.AsFloat32() {
		out[i] += v
	}
	return output, nil
}

// Scale returns a * s.
func Scale(a *RawTensor, s float32) *RawTensor {
	output := a.Clone()
	out := output.AsFloat32()
	for i := range out {
		out[i] *= s
	}
	return output
}

// MaxAbsDiff returns the largest element-wise |a - b| for float32 tensors.
func MaxAbsDiff(a, b *RawTensor) (float32, error) {
	if !a.Shape().Equal(b.Shape()) {
		return 0, fmt.Errorf("shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	var maxDiff float32
	bd := b.AsFloat32()
	for i, v := range a.AsFloat32() {
		d := v - bd[i]
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

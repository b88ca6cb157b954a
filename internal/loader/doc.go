// Package loader reads parameter state from checkpoint files.
//
// Supported containers:
//   - .born (v1 and v2) via the serialization package
//   - SafeTensors, with F16 and BF16 tensors widened to float32
//   - PyTorch pickles (zip or legacy tar/raw), with nested dicts flattened
//     into dotted tensor names
//
// The format is detected from the leading bytes and falls back to the file
// extension.
//
// Example:
//
//	f, err := loader.Open("checkpoint.pth")
//	if err != nil {
//	    return err
//	}
//	weight := f.Tensors["model.Conv_Body.layer1.weight"]
package loader

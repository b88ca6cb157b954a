package compose

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Provenance metadata keys written to the output header.
const (
	MetaComposedFrom     = "composed_from"
	MetaHeadWeightsIndex = "head_weights_index"
	MetaFusion           = "fusion"
	MetaCompositionID    = "composition_id"
	metaSourceDigest     = "source.%d.sha256"
)

// compositionNamespace scopes composition IDs.
var compositionNamespace = uuid.MustParse("6f1c8a52-3c0e-4d55-9a7e-2b54c1f0d9e3")

// Metadata returns the provenance recorded with the composed checkpoint.
//
// Everything is derived from the inputs, so composing the same sources
// twice yields the same metadata.
func (r *Result) Metadata() map[string]string {
	paths := make([]string, len(r.Sources))
	digests := make([]string, len(r.Sources))
	meta := make(map[string]string, len(r.Sources)+4)
	for i, src := range r.Sources {
		paths[i] = src.Path
		digests[i] = src.Digest.String()
		meta[fmt.Sprintf(metaSourceDigest, src.Index)] = digests[i]
	}

	// Marshaling a []string cannot fail.
	composedFrom, _ := json.Marshal(paths)
	meta[MetaComposedFrom] = string(composedFrom)
	meta[MetaHeadWeightsIndex] = strconv.Itoa(r.HeadIndex)
	if r.Fusion != "" {
		meta[MetaFusion] = r.Fusion
	}
	meta[MetaCompositionID] = r.CompositionID().String()
	return meta
}

// CompositionID identifies the composition by its inputs' contents, the
// head weights index and the fusion method. Paths do not contribute.
func (r *Result) CompositionID() uuid.UUID {
	var b strings.Builder
	for _, src := range r.Sources {
		b.WriteString(src.Digest.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "head=%d\nfusion=%s\n", r.HeadIndex, r.Fusion)
	return uuid.NewSHA1(compositionNamespace, []byte(b.String()))
}

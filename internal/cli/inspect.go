package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/bodymux/internal/checkpoint"
	"github.com/born-ml/bodymux/internal/compose"
)

// NewInspectCmd returns the inspect command.
func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show how a checkpoint partitions into conv body and head children",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	ckpt, err := checkpoint.Load(args[0])
	if err != nil {
		return err
	}

	parts, err := compose.Summarize(ckpt.Model)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "path:    %s\n", ckpt.Path)
	fmt.Fprintf(w, "format:  %s\n", ckpt.Format)
	fmt.Fprintf(w, "sha256:  %s\n", ckpt.Digest)
	if len(ckpt.Ignored) > 0 {
		fmt.Fprintf(w, "ignored: %d entries outside the model root\n", len(ckpt.Ignored))
	}
	for _, key := range slices.Sorted(maps.Keys(ckpt.Metadata)) {
		fmt.Fprintf(w, "meta:    %s=%s\n", key, ckpt.Metadata[key])
	}
	fmt.Fprintln(w)

	renderParts(w, parts)
	return nil
}

func renderParts(w io.Writer, parts []compose.PartSummary) {
	var data [][]string
	for _, p := range parts {
		data = append(data, []string{p.Name, strconv.Itoa(p.Tensors), strconv.Itoa(p.Parameters), strings.Join(p.DTypes, ",")})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PART", "TENSORS", "PARAMETERS", "DTYPES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

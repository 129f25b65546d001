package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/knee-cdss/internal/assemble"
	"github.com/Brownie44l1/knee-cdss/internal/dicomio"
	"github.com/Brownie44l1/knee-cdss/internal/normalize"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print pixel layout and intensity range",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if err := inspect(cmd.OutOrStdout(), path); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			return nil
		},
	}
}

func inspect(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	slices, info, err := dicomio.DecodeWithInfo(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", path)
	fmt.Fprintf(w, "  size:            %d bytes\n", len(data))
	fmt.Fprintf(w, "  shape:           %v\n", info.Shape())
	fmt.Fprintf(w, "  bits:            allocated %d, stored %d, signed %v\n",
		info.BitsAllocated, info.BitsStored, info.PixelRepresentation == 1)
	fmt.Fprintf(w, "  photometric:     %s\n", orDash(info.PhotometricInterpretation))
	fmt.Fprintf(w, "  transfer syntax: %s\n", orDash(info.TransferSyntaxUID))
	fmt.Fprintf(w, "  modality:        %s\n", orDash(info.Modality))
	if info.Forced {
		fmt.Fprintf(w, "  note:            read without a file meta header\n")
	}

	var all []float64
	for _, s := range slices {
		all = append(all, s.Pix...)
	}
	if lo, hi, ok := normalize.Range(all); ok {
		fmt.Fprintf(w, "  intensity range: [%g, %g]\n", lo, hi)
	}
	if len(slices) > 1 {
		fmt.Fprintf(w, "  model slices:    %v\n", assemble.VolumeIndices(len(slices)))
	}
	return nil
}

func newExtractCmd() *cobra.Command {
	var (
		outDir string
		prefix string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "extract FILE",
		Short: "Split a volume into single-slice files",
		Long: "Writes the middle slice and its two neighbours as PREFIX_1.dcm..PREFIX_3.dcm,\n" +
			"ready for three-file analysis. With --all every slice is written as slice_N.dcm.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := extract(args[0], outDir, prefix, all)
			for _, p := range written {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().StringVar(&prefix, "prefix", "", "output file prefix (default: input base name)")
	cmd.Flags().BoolVar(&all, "all", false, "write every slice instead of the middle three")
	return cmd
}

func extract(path, outDir, prefix string, all bool) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	slices, info, err := dicomio.DecodeWithInfo(data)
	if err != nil {
		return nil, err
	}
	if len(slices) < assemble.Channels && !all {
		return nil, fmt.Errorf("need a volume of at least %d slices, got shape %v", assemble.Channels, info.Shape())
	}
	if prefix == "" {
		prefix = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	type job struct {
		slice dicomio.RawSlice
		name  string
		desc  string
	}
	var jobs []job
	if all {
		for i, s := range slices {
			jobs = append(jobs, job{s, fmt.Sprintf("slice_%d.dcm", i+1), fmt.Sprintf("Extracted slice %d of %d", i+1, len(slices))})
		}
	} else {
		for i, idx := range assemble.VolumeIndices(len(slices)) {
			jobs = append(jobs, job{slices[idx], fmt.Sprintf("%s_%d.dcm", prefix, i+1), fmt.Sprintf("Extracted slice %d from middle slices", i+1)})
		}
	}

	var written []string
	for i, j := range jobs {
		out := filepath.Join(outDir, j.name)
		s := j.slice
		s.Index = 0
		err := writeFile(out, []dicomio.RawSlice{s}, dicomio.EncodeOptions{
			Modality:          info.Modality,
			SeriesDescription: j.desc,
			BitsStored:        bitsFor(info),
			InstanceNumber:    i + 1,
			Signed:            info.PixelRepresentation == 1,
		})
		if err != nil {
			return written, err
		}
		written = append(written, out)
	}
	return written, nil
}

func newMockCmd() *cobra.Command {
	var (
		out                string
		frames, rows, cols int
		seed               int64
	)
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Write a random 12-bit volume for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mock(out, frames, rows, cols, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d×%d×%d)\n", out, frames, rows, cols)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "test_3d_dicom.dcm", "output file")
	cmd.Flags().IntVar(&frames, "frames", 8, "number of slices")
	cmd.Flags().IntVar(&rows, "rows", 256, "rows per slice")
	cmd.Flags().IntVar(&cols, "cols", 256, "columns per slice")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	return cmd
}

func mock(path string, frames, rows, cols int, seed int64) error {
	if frames <= 0 || rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid volume %d×%d×%d", frames, rows, cols)
	}
	rng := rand.New(rand.NewSource(seed))
	slices := make([]dicomio.RawSlice, frames)
	for i := range slices {
		pix := make([]float64, rows*cols)
		for j := range pix {
			pix[j] = float64(rng.Intn(4096))
		}
		slices[i] = dicomio.RawSlice{Index: i, Rows: rows, Cols: cols, Pix: pix}
	}
	return writeFile(path, slices, dicomio.EncodeOptions{
		SeriesDescription: "Mock 3D DICOM for testing",
		BitsStored:        12,
	})
}

func writeFile(path string, slices []dicomio.RawSlice, opts dicomio.EncodeOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dicomio.Encode(f, slices, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func bitsFor(info dicomio.Info) int {
	if info.BitsStored > 0 && info.BitsStored <= 16 {
		return info.BitsStored
	}
	return 16
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

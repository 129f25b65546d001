package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/knee-cdss/internal/dicomio"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeFile(t *testing.T, path string) []dicomio.RawSlice {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	slices, err := dicomio.Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s): %v", path, err)
	}
	return slices
}

func TestMockThenExtractMiddle(t *testing.T) {
	dir := t.TempDir()
	vol := filepath.Join(dir, "knee.dcm")
	if _, err := run(t, "mock", "--out", vol, "--frames", "7", "--rows", "16", "--cols", "12"); err != nil {
		t.Fatalf("mock: %v", err)
	}
	source := decodeFile(t, vol)
	if len(source) != 7 || source[0].Rows != 16 || source[0].Cols != 12 {
		t.Fatalf("mock volume = %d slices of %dx%d", len(source), source[0].Rows, source[0].Cols)
	}
	for _, v := range source[3].Pix {
		if v < 0 || v > 4095 {
			t.Fatalf("mock value %v outside 12-bit range", v)
		}
	}

	out, err := run(t, "extract", vol, "--out", dir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strings.Count(out, "\n") != 3 {
		t.Fatalf("extract output = %q", out)
	}
	// Middle of 7 slices is index 3; neighbours 2 and 4.
	for i, idx := range []int{2, 3, 4} {
		got := decodeFile(t, filepath.Join(dir, "knee_"+string(rune('1'+i))+".dcm"))
		if len(got) != 1 {
			t.Fatalf("extracted file %d has %d slices", i+1, len(got))
		}
		for p := range got[0].Pix {
			if got[0].Pix[p] != source[idx].Pix[p] {
				t.Fatalf("file %d differs from source slice %d at %d", i+1, idx, p)
			}
		}
	}
}

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	vol := filepath.Join(dir, "v.dcm")
	if err := mock(vol, 4, 4, 4, 3); err != nil {
		t.Fatal(err)
	}
	written, err := extract(vol, filepath.Join(dir, "all"), "", true)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(written) != 4 || filepath.Base(written[3]) != "slice_4.dcm" {
		t.Fatalf("written = %v", written)
	}
}

func TestExtractRejectsSingleSlice(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "s.dcm")
	if err := mock(single, 1, 4, 4, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := extract(single, dir, "", false); err == nil {
		t.Fatal("expected error extracting middle slices from a 2-D file")
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	vol := filepath.Join(dir, "v.dcm")
	if err := mock(vol, 5, 8, 8, 2); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "inspect", vol)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"[5 8 8]", "MONOCHROME2", "model slices:    [1 2 3]"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
	if _, err := run(t, "inspect", filepath.Join(dir, "missing.dcm")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestExtractKeepsSignedIntensities(t *testing.T) {
	dir := t.TempDir()
	vol := filepath.Join(dir, "signed.dcm")
	slices := make([]dicomio.RawSlice, 3)
	for i := range slices {
		slices[i] = dicomio.RawSlice{Index: i, Rows: 2, Cols: 2, Pix: []float64{-1024, -1, 0, float64(100 * i)}}
	}
	if err := writeFile(vol, slices, dicomio.EncodeOptions{BitsStored: 12, Signed: true}); err != nil {
		t.Fatal(err)
	}
	written, err := extract(vol, dir, "", false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := decodeFile(t, written[0])
	if got[0].PixelRepresentation != 1 {
		t.Fatalf("pixel representation = %d, want 1", got[0].PixelRepresentation)
	}
	for p, want := range []float64{-1024, -1, 0, 0} {
		if got[0].Pix[p] != want {
			t.Fatalf("pixel %d = %v, want %v", p, got[0].Pix[p], want)
		}
	}
}

package dicomgen

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100MB", 100 << 20},
		{"1GB", 1 << 30},
		{"512KB", 512 << 10},
		{" 1.5mb ", 3 << 19},
		{"4096", 4096},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "MB", "ten", "-5MB", "0"} {
		if _, err := ParseSize(bad); err == nil {
			t.Fatalf("ParseSize(%q) should fail", bad)
		}
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		target        int64
		width, height int
	}{
		{10 << 10, 256, 256},    // below the header overhead
		{512 << 10, 506, 506},   // small: square
		{1 << 20, 1024, 507},    // medium: 1024 wide
		{4 << 20, 2048, 1021},   // large: 2048 wide
		{100 << 20, 7240, 7240}, // very large: square
		{1 << 40, 8192, 8192},   // clamped
	}
	for _, tt := range tests {
		w, h := Dimensions(tt.target)
		if w != tt.width || h != tt.height {
			t.Fatalf("Dimensions(%d) = %dx%d, want %dx%d", tt.target, w, h, tt.width, tt.height)
		}
	}
}

func TestNewUID(t *testing.T) {
	a, b := NewUID(), NewUID()
	if a == b {
		t.Fatalf("UIDs repeat")
	}
	if !strings.HasPrefix(a, "2.25.") || len(a) > 64 {
		t.Fatalf("bad UID %q", a)
	}
}

func findInts(t *testing.T, ds dicom.Dataset, tg tag.Tag) []int {
	t.Helper()
	el, err := ds.FindElementByTag(tg)
	if err != nil {
		t.Fatalf("FindElementByTag(%s): %v", tg, err)
	}
	v, ok := el.Value.GetValue().([]int)
	if !ok {
		t.Fatalf("%s holds %T", tg, el.Value.GetValue())
	}
	return v
}

func findStrings(t *testing.T, ds dicom.Dataset, tg tag.Tag) []string {
	t.Helper()
	el, err := ds.FindElementByTag(tg)
	if err != nil {
		t.Fatalf("FindElementByTag(%s): %v", tg, err)
	}
	v, ok := el.Value.GetValue().([]string)
	if !ok {
		t.Fatalf("%s holds %T", tg, el.Value.GetValue())
	}
	return v
}

func TestBuild(t *testing.T) {
	now := time.Date(2024, 2, 20, 9, 30, 0, 0, time.UTC)
	ds, err := Build(300, 200, Options{
		Modality: "mr",
		Now:      now,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if rows := findInts(t, ds, tag.Rows); rows[0] != 200 {
		t.Fatalf("Rows = %v", rows)
	}
	if cols := findInts(t, ds, tag.Columns); cols[0] != 300 {
		t.Fatalf("Columns = %v", cols)
	}
	if got := findStrings(t, ds, tag.Modality); got[0] != "MR" {
		t.Fatalf("Modality = %v", got)
	}
	if got := findStrings(t, ds, tag.PatientID); got[0] != "TEST_MR_20240220_093000" {
		t.Fatalf("PatientID = %v", got)
	}
	if got := findStrings(t, ds, tag.WindowCenter); got[0] != "32768" {
		t.Fatalf("WindowCenter = %v", got)
	}
	if got := findStrings(t, ds, tag.TransferSyntaxUID); got[0] != "1.2.840.10008.1.2.1" {
		t.Fatalf("TransferSyntaxUID = %v", got)
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		t.Fatalf("no PixelData: %v", err)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		t.Fatalf("PixelData holds %T", el.Value.GetValue())
	}
	if len(info.UnprocessedValueData) != 300*200*2 {
		t.Fatalf("pixel bytes = %d", len(info.UnprocessedValueData))
	}
}

func TestPixelBytesDeterministic(t *testing.T) {
	a := PixelBytes(64, 64, "CT", rand.New(rand.NewPCG(7, 7)))
	b := PixelBytes(64, 64, "CT", rand.New(rand.NewPCG(7, 7)))
	if string(a) != string(b) {
		t.Fatalf("same seed gave different pixels")
	}
	if len(a) != 64*64*2 {
		t.Fatalf("len = %d", len(a))
	}
}

package healthimaging

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"google.golang.org/api/iterator"
	"gopkg.in/yaml.v3"
)

//go:embed fixtures/image_sets.yaml
var builtinManifest []byte

const manifestName = "image_sets.yaml"

// FixtureSet is what MockService is built from.
type FixtureSet struct {
	DatastoreID string     `yaml:"datastoreId"`
	ImageSets   []*Fixture `yaml:"imageSets"`
}

func parseManifest(data []byte) (*FixtureSet, error) {
	var set FixtureSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal manifest: %w", err)
	}
	if set.DatastoreID == "" {
		set.DatastoreID = "mockdatastore"
	}
	return &set, nil
}

// BuiltinFixtures returns the embedded synthetic image sets.
func BuiltinFixtures() (*FixtureSet, error) {
	return parseManifest(builtinManifest)
}

// LoadFixtures resolves a fixture source: empty for the built-in set, a
// gs://bucket/prefix, or a local directory. Directories and prefixes may
// hold an image_sets.yaml manifest and any number of .dcm files; each DICOM
// file becomes one image set.
func LoadFixtures(ctx context.Context, source string, st *storage.Client) (*FixtureSet, error) {
	source = strings.TrimSpace(source)
	switch {
	case source == "":
		return BuiltinFixtures()
	case strings.HasPrefix(source, "gs://"):
		if st == nil {
			return nil, fmt.Errorf("storage client required for %s", source)
		}
		return loadFixtureBucket(ctx, st, source)
	default:
		return loadFixtureDir(source)
	}
}

func loadFixtureDir(dir string) (*FixtureSet, error) {
	set := &FixtureSet{DatastoreID: "mockdatastore"}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		switch {
		case d.Name() == manifestName:
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			m, err := parseManifest(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			set.DatastoreID = m.DatastoreID
			set.ImageSets = append(set.ImageSets, m.ImageSets...)
		case looksLikeDicomFile(d.Name()):
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			fx, err := ParseDICOMFixture(f, info.Size())
			if err != nil {
				log.Printf("loadFixtureDir: skipping %s: %v", path, err)
				return nil
			}
			set.ImageSets = append(set.ImageSets, fx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load fixtures from %s: %w", dir, err)
	}
	return set, nil
}

func loadFixtureBucket(ctx context.Context, st *storage.Client, gsURI string) (*FixtureSet, error) {
	bucketName, prefix, err := splitGCSURI(gsURI)
	if err != nil {
		return nil, err
	}
	set := &FixtureSet{DatastoreID: "mockdatastore"}
	bkt := st.Bucket(bucketName)

	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate GCS objects under %s: %w", gsURI, err)
		}

		base := filepath.Base(attrs.Name)
		if base != manifestName && !looksLikeDicomFile(base) {
			continue
		}

		data, err := readObject(ctx, bkt.Object(attrs.Name))
		if err != nil {
			return nil, err
		}

		if base == manifestName {
			m, err := parseManifest(data)
			if err != nil {
				return nil, fmt.Errorf("gs://%s/%s: %w", bucketName, attrs.Name, err)
			}
			set.DatastoreID = m.DatastoreID
			set.ImageSets = append(set.ImageSets, m.ImageSets...)
			continue
		}

		fx, err := ParseDICOMFixture(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			log.Printf("loadFixtureBucket: skipping gs://%s/%s: %v", bucketName, attrs.Name, err)
			continue
		}
		set.ImageSets = append(set.ImageSets, fx)
	}
	return set, nil
}

func readObject(ctx context.Context, obj *storage.ObjectHandle) ([]byte, error) {
	rc, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", obj.BucketName(), obj.ObjectName(), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", obj.BucketName(), obj.ObjectName(), err)
	}
	return data, nil
}

func splitGCSURI(uri string) (string, string, error) {
	rest := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q", uri)
	}
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return parts[0], prefix, nil
}

func looksLikeDicomFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".dcm") || strings.HasSuffix(lower, ".dicom")
}

// ParseDICOMFixture reads one DICOM Part 10 file holding native
// (uncompressed, little-endian) pixel data and turns it into a Fixture whose
// frames are the raw pixel bytes.
func ParseDICOMFixture(r io.Reader, size int64) (*Fixture, error) {
	ds, err := dicom.Parse(r, size, nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("dicom.Parse: %w", err)
	}

	ts := dicomString(&ds, tag.TransferSyntaxUID)
	if ts != "" && ts != "1.2.840.10008.1.2" && ts != "1.2.840.10008.1.2.1" {
		return nil, fmt.Errorf("unsupported transfer syntax %s", ts)
	}

	fx := &Fixture{
		PatientName:       dicomString(&ds, tag.PatientName),
		PatientID:         dicomString(&ds, tag.PatientID),
		StudyDate:         dicomString(&ds, tag.StudyDate),
		StudyDescription:  dicomString(&ds, tag.StudyDescription),
		Modality:          dicomString(&ds, tag.Modality),
		StudyInstanceUID:  dicomString(&ds, tag.StudyInstanceUID),
		SeriesInstanceUID: dicomString(&ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    dicomString(&ds, tag.SOPInstanceUID),
		Rows:              dicomInt(&ds, tag.Rows, 0),
		Columns:           dicomInt(&ds, tag.Columns, 0),
		BitsAllocated:     dicomInt(&ds, tag.BitsAllocated, 16),
		SamplesPerPixel:   dicomInt(&ds, tag.SamplesPerPixel, 1),
		Encoding:          EncodingNative,
	}
	if fx.Rows == 0 || fx.Columns == 0 {
		return nil, fmt.Errorf("missing Rows/Columns")
	}
	if fx.StudyInstanceUID == "" || fx.SOPInstanceUID == "" {
		return nil, fmt.Errorf("missing StudyInstanceUID or SOPInstanceUID")
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil, fmt.Errorf("no PixelData element")
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected PixelData value type %T", el.Value.GetValue())
	}
	if info.IsEncapsulated {
		return nil, fmt.Errorf("encapsulated pixel data is not supported")
	}

	numFrames := dicomInt(&ds, tag.NumberOfFrames, 1)
	frameSize := fx.Rows * fx.Columns * fx.SamplesPerPixel * fx.BitsAllocated / 8
	raw := info.UnprocessedValueData
	if numFrames < 1 || len(raw) < numFrames*frameSize {
		return nil, fmt.Errorf("pixel data is %d bytes, want %d frames of %d", len(raw), numFrames, frameSize)
	}
	for i := 0; i < numFrames; i++ {
		fx.pixelFrames = append(fx.pixelFrames, raw[i*frameSize:(i+1)*frameSize])
	}
	fx.normalize()
	return fx, nil
}

func dicomString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(strings.TrimRight(v[0], "\x00"))
		}
	case []int:
		if len(v) > 0 {
			return strconv.Itoa(v[0])
		}
	}
	return ""
}

func dicomInt(ds *dicom.Dataset, t tag.Tag, def int) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return def
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(v[0])); err == nil {
				return n
			}
		}
	}
	return def
}

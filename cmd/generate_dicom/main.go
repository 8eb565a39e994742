package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"cloud.google.com/go/storage"

	"ahi-viewer-rest/dicomgen"
)

///////////////////////////////////////////////////////////////////
//
/*

 go run ./cmd/generate_dicom \
 -size=100MB \
 -modality=CT \
 -output=test_100mb.dcm

 go run ./cmd/generate_dicom \
 -size=500MB \
 -modality=MR \
 -output=gs://my-fixtures/large/test_mr_500mb.dcm

*/

const mb = 1024 * 1024

func main() {
	var (
		size        = flag.String("size", "", "target file size, e.g. 100MB, 500MB, 1GB")
		modality    = flag.String("modality", "CT", "modality: CT|MR|US")
		output      = flag.String("output", "", "output .dcm path or gs://bucket/object")
		patientName = flag.String("patientName", "Test^Patient", "PatientName")
		patientID   = flag.String("patientId", "", "PatientID (default TEST_{modality}_{timestamp})")
	)
	flag.Parse()

	if *size == "" || *output == "" {
		log.Fatal("-size and -output are required")
	}
	mod := strings.ToUpper(*modality)
	if mod != "CT" && mod != "MR" && mod != "US" {
		log.Fatalf("unknown -modality %q (use CT|MR|US)", *modality)
	}

	target, err := dicomgen.ParseSize(*size)
	if err != nil {
		log.Fatalf("ParseSize: %v", err)
	}
	fmt.Printf("Target size: %d bytes (%.1f MB)\n", target, float64(target)/mb)

	opts := dicomgen.Options{Modality: mod, PatientName: *patientName, PatientID: *patientID}

	ctx := context.Background()
	var res dicomgen.Result
	if strings.HasPrefix(*output, "gs://") {
		res, err = writeGCS(ctx, *output, target, opts)
	} else {
		res, err = writeFile(*output, target, opts)
	}
	if err != nil {
		log.Fatalf("generate %s: %v", *output, err)
	}

	fmt.Printf("Image dimensions: %d x %d\n", res.Width, res.Height)
	fmt.Printf("Generated file size: %d bytes (%.1f MB)\n", res.Written, float64(res.Written)/mb)
	fmt.Printf("Difference from target: %.1f MB\n", float64(res.Diff())/mb)
	fmt.Printf("Wrote %s\n", *output)
}

func writeFile(path string, target int64, opts dicomgen.Options) (dicomgen.Result, error) {
	f, err := os.Create(path)
	if err != nil {
		return dicomgen.Result{}, fmt.Errorf("os.Create: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	res, err := dicomgen.Generate(bw, target, opts)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return res, err
}

func writeGCS(ctx context.Context, uri string, target int64, opts dicomgen.Options) (dicomgen.Result, error) {
	bucket, object, ok := strings.Cut(strings.TrimPrefix(uri, "gs://"), "/")
	if !ok || bucket == "" || object == "" {
		return dicomgen.Result{}, fmt.Errorf("want gs://bucket/object, got %q", uri)
	}

	st, err := storage.NewClient(ctx)
	if err != nil {
		return dicomgen.Result{}, fmt.Errorf("storage.NewClient: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("error closing storage client: %v", err)
		}
	}()

	// Cancelling the writer's context aborts the upload instead of
	// committing a truncated object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := st.Bucket(bucket).Object(object).NewWriter(wctx)
	w.ContentType = "application/dicom"
	res, err := dicomgen.Generate(w, target, opts)
	if err != nil {
		cancel()
		_ = w.Close()
		return res, err
	}
	if err := w.Close(); err != nil {
		return res, fmt.Errorf("upload %s: %w", uri, err)
	}
	return res, nil
}

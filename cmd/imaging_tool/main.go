package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ahi-viewer-rest/healthimaging"
)

///////////////////////////////////////////////////////////////////
//
/*

 go run ./cmd/imaging_tool \
 -action=search \
 -modality=CT

 go run ./cmd/imaging_tool \
 -mode=live -provider=aws -datastore=<id> \
 -action=meta \
 -image-set=<id>

 go run ./cmd/imaging_tool \
 -action=frame \
 -image-set=<id> \
 -out=frame.j2k

*/

func main() {
	var (
		action     = flag.String("action", "search", "action: search|meta|frame")
		mode       = flag.String("mode", envOr("IMAGING_MODE", healthimaging.ModeMock), "mock|live")
		provider   = flag.String("provider", envOr("IMAGING_PROVIDER", healthimaging.ProviderAWS), "aws|gcp")
		region     = flag.String("region", envOr("AWS_REGION", "us-east-1"), "AWS region")
		datastore  = flag.String("datastore", os.Getenv("AHI_DATASTORE_ID"), "HealthImaging datastore ID")
		projectID  = flag.String("project", os.Getenv("GCP_PROJECT_ID"), "GCP project ID")
		location   = flag.String("location", envOr("HEALTHCARE_LOCATION", "us-central1"), "Healthcare location")
		datasetID  = flag.String("dataset", os.Getenv("HEALTHCARE_DATASET"), "Healthcare dataset ID")
		storeID    = flag.String("store", os.Getenv("HEALTHCARE_DICOM_STORE"), "Healthcare DICOM store ID")
		fixtures   = flag.String("fixtures", os.Getenv("MOCK_FIXTURES"), "mock fixtures: dir or gs://bucket/prefix")
		imageSetID = flag.String("image-set", "", "image set ID (meta, frame)")
		frameID    = flag.String("frame", "", "frame ID (frame; default first frame)")
		output     = flag.String("out", "frame.bin", "output file for frame")
		timeout    = flag.Duration("timeout", 60*time.Second, "overall timeout")

		patientName = flag.String("patientName", "", "search: PatientName")
		patientID   = flag.String("patientId", "", "search: PatientID")
		modality    = flag.String("modality", "", "search: Modality")
		studyDate   = flag.String("studyDate", "", "search: StudyDate (YYYYMMDD)")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, closeSvc, err := healthimaging.Open(ctx, healthimaging.Options{
		Mode:                *mode,
		Provider:            *provider,
		AWS:                 healthimaging.AWSConfig{Region: *region, DatastoreID: *datastore},
		ProjectID:           *projectID,
		HealthcareLocation:  *location,
		HealthcareDatasetID: *datasetID,
		HealthcareStoreID:   *storeID,
		MockFixtures:        *fixtures,
	})
	if err != nil {
		log.Fatalf("healthimaging.Open: %v", err)
	}
	defer closeSvc()

	switch *action {
	case "search":
		sets, err := svc.SearchImageSets(ctx, healthimaging.SearchCriteria{
			PatientName: *patientName,
			PatientID:   *patientID,
			Modality:    *modality,
			StudyDate:   *studyDate,
		})
		if err != nil {
			log.Fatalf("SearchImageSets: %v", err)
		}
		printJSON(sets)
	case "meta":
		requireImageSet(*imageSetID)
		md, err := svc.GetImageSetMetadata(ctx, *imageSetID)
		if err != nil {
			log.Fatalf("GetImageSetMetadata: %v", err)
		}
		printJSON(md)
	case "frame":
		requireImageSet(*imageSetID)
		fid := *frameID
		if fid == "" {
			md, err := svc.GetImageSetMetadata(ctx, *imageSetID)
			if err != nil {
				log.Fatalf("GetImageSetMetadata: %v", err)
			}
			if len(md.FrameIDs) == 0 {
				log.Fatalf("image set %s has no frames", *imageSetID)
			}
			fid = md.FrameIDs[0]
		}
		fr, err := svc.GetFrameBytes(ctx, *imageSetID, fid)
		if err != nil {
			log.Fatalf("GetFrameBytes: %v", err)
		}
		if err := os.WriteFile(*output, fr.Data, 0o644); err != nil {
			log.Fatalf("write %s: %v", *output, err)
		}
		fmt.Printf("frame %s: %d bytes, %s -> %s\n", fid, len(fr.Data), fr.ContentType, *output)
	default:
		log.Fatalf("unknown -action %q (use search|meta|frame)", *action)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireImageSet(id string) {
	if id == "" {
		log.Fatal("-image-set is required")
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encode: %v", err)
	}
}

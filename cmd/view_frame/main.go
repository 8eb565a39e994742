package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ahi-viewer-rest/imaging"
	"ahi-viewer-rest/viewer"
)

///////////////////////////////////////////////////////////////////
//
/*

 go run ./cmd/view_frame \
 -server=http://localhost:8080 \
 -image-set=<32 hex image set id> \
 -out=frame.png

*/

func main() {
	var (
		server     = flag.String("server", "http://localhost:8080", "viewer backend base URL")
		imageSetID = flag.String("image-set", "", "image set ID to open")
		out        = flag.String("out", "frame.png", "PNG output path")
		scale      = flag.Float64("scale", 1, "output scale factor")
		timeout    = flag.Duration("timeout", viewer.DefaultStepTimeout, "per-step timeout")
		retries    = flag.Int("retries", 0, "retries after a failed run")
		asJSON     = flag.Bool("json", false, "print the final state as JSON")
	)
	flag.Parse()

	if *imageSetID == "" {
		log.Fatal("-image-set is required")
	}

	p := viewer.New(
		viewer.NewClient(*server, nil),
		imaging.NewAdapter(),
		&viewer.PNGSurface{Path: *out, Scale: *scale},
		viewer.WithStepTimeout(*timeout),
	)

	ctx := context.Background()
	snap := p.Open(ctx, *imageSetID)
	for i := 0; i < *retries && snap.Status == viewer.StatusError; i++ {
		log.Printf("run failed (%s), retrying %d/%d", snap.LastError.Kind, i+1, *retries)
		time.Sleep(time.Second)
		var err error
		snap, err = p.Retry(ctx)
		if err != nil {
			log.Fatalf("Retry: %v", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			log.Fatalf("encode: %v", err)
		}
	} else {
		for _, e := range snap.Log {
			fmt.Println(e)
		}
	}

	if snap.Status != viewer.StatusSuccess {
		fmt.Fprintf(os.Stderr, "%s: %s\n", snap.LastError.Kind, snap.LastError.Message)
		os.Exit(1)
	}
	info := snap.ImageInfo
	fmt.Printf("Frame %s: %dx%d, %d channel(s), %d-bit -> %s\n",
		snap.FrameID, info.Width, info.Height, info.Channels, info.BitsPerSample, *out)
}

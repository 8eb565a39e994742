package healthimaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/medicalimaging"
	"github.com/aws/aws-sdk-go-v2/service/medicalimaging/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"ahi-viewer-rest/imaging"
)

const (
	searchPageSize    = 50
	defaultMaxResults = 500
	modalityFanout    = 4
)

// MedicalImagingAPI is the subset of the HealthImaging client the facade
// calls; *medicalimaging.Client satisfies it.
type MedicalImagingAPI interface {
	SearchImageSets(ctx context.Context, in *medicalimaging.SearchImageSetsInput, optFns ...func(*medicalimaging.Options)) (*medicalimaging.SearchImageSetsOutput, error)
	GetImageSetMetadata(ctx context.Context, in *medicalimaging.GetImageSetMetadataInput, optFns ...func(*medicalimaging.Options)) (*medicalimaging.GetImageSetMetadataOutput, error)
	GetImageFrame(ctx context.Context, in *medicalimaging.GetImageFrameInput, optFns ...func(*medicalimaging.Options)) (*medicalimaging.GetImageFrameOutput, error)
}

type AWSConfig struct {
	Region          string
	DatastoreID     string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxResults      int
}

// AWSService is the live AWS HealthImaging facade.
type AWSService struct {
	api         MedicalImagingAPI
	datastoreID string
	maxResults  int
}

// NewAWSClient builds a HealthImaging client. Static credentials are used
// when given, otherwise the default AWS credential chain.
func NewAWSClient(ctx context.Context, cfg AWSConfig) (*medicalimaging.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws LoadDefaultConfig: %w", err)
	}
	return medicalimaging.NewFromConfig(awsCfg), nil
}

func NewAWSService(api MedicalImagingAPI, cfg AWSConfig) (*AWSService, error) {
	if cfg.DatastoreID == "" {
		return nil, fmt.Errorf("datastore ID is required")
	}
	limit := cfg.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	return &AWSService{api: api, datastoreID: cfg.DatastoreID, maxResults: limit}, nil
}

func (s *AWSService) Mode() string { return ModeLive }

// SearchImageSets pushes the patient ID filter to HealthImaging and applies
// the rest locally. Modality is not part of the search summary, so a
// modality filter reads each candidate's metadata.
func (s *AWSService) SearchImageSets(ctx context.Context, criteria SearchCriteria) ([]ImageSetSummary, error) {
	c := criteria.Normalize()

	filter := types.SearchFilter{
		Operator: types.OperatorBetween,
		Values: []types.SearchByAttributeValue{
			&types.SearchByAttributeValueMemberCreatedAt{Value: time.Unix(0, 0).UTC()},
			&types.SearchByAttributeValueMemberCreatedAt{Value: time.Now().UTC().Add(time.Hour)},
		},
	}
	if c.PatientID != "" {
		filter = types.SearchFilter{
			Operator: types.OperatorEqual,
			Values: []types.SearchByAttributeValue{
				&types.SearchByAttributeValueMemberDICOMPatientId{Value: c.PatientID},
			},
		}
	}

	// Modality is checked after the metadata fan-out.
	pre := c
	pre.Modality = ""

	var candidates []ImageSetSummary
	var next *string
	for {
		out, err := s.api.SearchImageSets(ctx, &medicalimaging.SearchImageSetsInput{
			DatastoreId:    aws.String(s.datastoreID),
			MaxResults:     aws.Int32(searchPageSize),
			NextToken:      next,
			SearchCriteria: &types.SearchCriteria{Filters: []types.SearchFilter{filter}},
		})
		if err != nil {
			return nil, fmt.Errorf("SearchImageSets: %w", err)
		}

		for _, m := range out.ImageSetsMetadataSummaries {
			sum := summaryFromAWS(m)
			if pre.Matches(sum) {
				candidates = append(candidates, sum)
			}
		}

		next = out.NextToken
		if next == nil || aws.ToString(next) == "" || len(candidates) >= s.maxResults {
			break
		}
	}
	if len(candidates) > s.maxResults {
		candidates = candidates[:s.maxResults]
	}

	if c.Modality == "" {
		if candidates == nil {
			candidates = []ImageSetSummary{}
		}
		return candidates, nil
	}
	return s.filterByModality(ctx, candidates, c)
}

func (s *AWSService) filterByModality(ctx context.Context, candidates []ImageSetSummary, c SearchCriteria) ([]ImageSetSummary, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(modalityFanout)

	for i := range candidates {
		g.Go(func() error {
			md, err := s.GetImageSetMetadata(gctx, candidates[i].ImageSetID)
			if err != nil {
				return err
			}
			mods, err := DocumentModalities(md.Document)
			if err != nil {
				return err
			}
			candidates[i].Modalities = mods
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("modality filter: %w", err)
	}

	out := []ImageSetSummary{}
	for _, sum := range candidates {
		if c.Matches(sum) {
			out = append(out, sum)
		}
	}
	return out, nil
}

func summaryFromAWS(m types.ImageSetsMetadataSummary) ImageSetSummary {
	sum := ImageSetSummary{
		ImageSetID: aws.ToString(m.ImageSetId),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.Version != nil {
		sum.Version = strconv.Itoa(int(*m.Version))
	}
	if t := m.DICOMTags; t != nil {
		sum.PatientName = aws.ToString(t.DICOMPatientName)
		sum.PatientID = aws.ToString(t.DICOMPatientId)
		sum.StudyDate = aws.ToString(t.DICOMStudyDate)
		sum.StudyDescription = aws.ToString(t.DICOMStudyDescription)
		sum.StudyInstanceUID = aws.ToString(t.DICOMStudyInstanceUID)
	}
	return sum
}

func (s *AWSService) GetImageSetMetadata(ctx context.Context, imageSetID string) (*Metadata, error) {
	out, err := s.api.GetImageSetMetadata(ctx, &medicalimaging.GetImageSetMetadataInput{
		DatastoreId: aws.String(s.datastoreID),
		ImageSetId:  aws.String(imageSetID),
	})
	if err != nil {
		return nil, wrapAWSError("GetImageSetMetadata", imageSetID, err)
	}
	defer out.ImageSetMetadataBlob.Close()

	blob, err := io.ReadAll(out.ImageSetMetadataBlob)
	if err != nil {
		return nil, fmt.Errorf("read metadata blob: %w", err)
	}
	return ParseMetadata(imageSetID, blob, aws.ToString(out.ContentEncoding))
}

func (s *AWSService) GetFrameBytes(ctx context.Context, imageSetID, frameID string) (*Frame, error) {
	out, err := s.api.GetImageFrame(ctx, &medicalimaging.GetImageFrameInput{
		DatastoreId:           aws.String(s.datastoreID),
		ImageSetId:            aws.String(imageSetID),
		ImageFrameInformation: &types.ImageFrameInformation{ImageFrameId: aws.String(frameID)},
	})
	if err != nil {
		return nil, wrapAWSError("GetImageFrame", imageSetID+"/"+frameID, err)
	}
	defer out.ImageFrameBlob.Close()

	data, err := io.ReadAll(out.ImageFrameBlob)
	if err != nil {
		return nil, fmt.Errorf("read frame blob: %w", err)
	}

	return &Frame{
		ImageSetID:  imageSetID,
		FrameID:     frameID,
		ContentType: awsFrameContentType(aws.ToString(out.ContentType)),
		Data:        data,
	}, nil
}

// awsFrameContentType maps HealthImaging's generic octet-stream label to
// the HTJ2K media type; anything more specific is kept.
func awsFrameContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" || strings.EqualFold(ct, imaging.ContentTypeOctet) {
		return imaging.ContentTypeHTJ2K
	}
	return ct
}

func wrapAWSError(op, id string, err error) error {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

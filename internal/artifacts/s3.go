package artifacts

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pipeline-patcher/internal/config"
	"pipeline-patcher/internal/models"
)

// maxDeleteKeys is the DeleteObjects limit per request.
const maxDeleteKeys = 1000

type objectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// NewS3Client builds a client from config, honouring a custom endpoint for
// MinIO-style stores.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// S3 stores a kind's data as objects under <prefix>/<scope key>/<unit>/.
type S3 struct {
	client         objectAPI
	bucket         string
	prefix         string
	eligiblePrefix string
	batch          int
}

// NewS3 binds a kind to a bucket prefix. When eligiblePrefix is set, Eligible
// lists units found under it for the same scope.
func NewS3(client objectAPI, bucket, prefix, eligiblePrefix string) *S3 {
	return &S3{
		client:         client,
		bucket:         bucket,
		prefix:         strings.Trim(prefix, "/"),
		eligiblePrefix: strings.Trim(eligiblePrefix, "/"),
		batch:          maxDeleteKeys,
	}
}

func (s *S3) scopePrefix(base string, scope models.Scope) string {
	return path.Join(base, scope.Key()) + "/"
}

// Populated lists the unit directories present for scope.
func (s *S3) Populated(ctx context.Context, scope models.Scope) ([]string, error) {
	return s.units(ctx, s.scopePrefix(s.prefix, scope))
}

// Eligible lists units under the eligible prefix.
func (s *S3) Eligible(ctx context.Context, scope models.Scope) ([]string, error) {
	if s.eligiblePrefix == "" {
		return nil, fmt.Errorf("s3 %s: no eligible prefix", s.prefix)
	}
	return s.units(ctx, s.scopePrefix(s.eligiblePrefix, scope))
}

// Delete removes every object of scope, or only those of units.
func (s *S3) Delete(ctx context.Context, scope models.Scope, units []string) error {
	base := s.scopePrefix(s.prefix, scope)
	prefixes := []string{base}
	if len(units) > 0 {
		prefixes = prefixes[:0]
		for _, u := range units {
			prefixes = append(prefixes, base+u+"/")
		}
	}
	var keys []string
	for _, p := range prefixes {
		found, err := s.keys(ctx, p)
		if err != nil {
			return err
		}
		keys = append(keys, found...)
	}
	for lo := 0; lo < len(keys); lo += s.batch {
		hi := min(lo+s.batch, len(keys))
		if err := s.deleteKeys(ctx, keys[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) deleteKeys(ctx context.Context, keys []string) error {
	ids := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return fmt.Errorf("delete objects: %d failed, first %s: %s", len(out.Errors), aws.ToString(e.Key), aws.ToString(e.Message))
	}
	return nil
}

func (s *S3) units(ctx context.Context, prefix string) ([]string, error) {
	var units []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			u := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if u != "" {
				units = append(units, u)
			}
		}
	}
	sort.Strings(units)
	return units, nil
}

func (s *S3) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

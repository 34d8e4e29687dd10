// Package archive uploads the PGN of finished games to S3-compatible storage.
package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/park285/cheese-chess-server/internal/domain"
)

type Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Putter is the part of the S3 client the archive uses.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archive struct {
	client Putter
	bucket string
	prefix string
}

func New(client Putter, bucket, prefix string) *Archive {
	if prefix == "" {
		prefix = "games"
	}
	return &Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3 builds an archive over an S3 client. A custom endpoint switches to
// path-style addressing, which R2 and MinIO expect.
func NewS3(ctx context.Context, cfg Config) (*Archive, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, cfg.Bucket, cfg.Prefix), nil
}

// Key returns the object key for a game: <prefix>/<yyyy>/<mm>/<dd>/<id>.pgn.
func (a *Archive) Key(rec *domain.GameRecord) string {
	d := rec.EndedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.pgn", a.prefix, d.Year(), int(d.Month()), d.Day(), rec.ID)
}

func (a *Archive) ArchivePGN(ctx context.Context, rec *domain.GameRecord) error {
	meta := map[string]string{
		"white":  rec.WhiteID,
		"black":  rec.BlackID,
		"result": string(rec.Result),
		"reason": string(rec.Reason),
		"rated":  strconv.FormatBool(rec.Rated),
	}
	if rec.TournamentID != "" {
		meta["tournament"] = rec.TournamentID
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        strings.NewReader(rec.PGN),
		ContentType: aws.String("application/x-chess-pgn"),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("failed to upload pgn %s: %w", rec.ID, err)
	}
	return nil
}

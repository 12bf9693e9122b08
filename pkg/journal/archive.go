package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pongnet/internal/platform/config"
	perrors "pongnet/internal/platform/errors"
)

// Export is the archived form of a match.
type Export struct {
	Match  Match   `json:"match"`
	Frames [][]int `json:"frames"`
}

// Archiver uploads journaled matches to S3-compatible storage.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewArchiver builds an S3 client from cfg. A custom endpoint switches to
// path-style addressing, which MinIO and similar servers expect.
func NewArchiver(cfg config.Archive) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, perrors.New(perrors.CodeConfig, "archive bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, perrors.New(perrors.CodeConfig, "archive credentials are required")
	}
	creds := aws.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		Source:          "pongnet",
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &Archiver{client: s3.New(opts), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key a match is stored under.
func (a *Archiver) Key(matchID string) string {
	return path.Join(strings.TrimSuffix(a.prefix, "/"), matchID+".json")
}

// Upload exports a match from store and writes it to the bucket.
func (a *Archiver) Upload(ctx context.Context, store *Store, matchID string) (string, error) {
	m, err := store.Match(ctx, matchID)
	if err != nil {
		return "", err
	}
	frames, err := store.Frames(ctx, matchID)
	if err != nil {
		return "", err
	}
	exp := Export{Match: m, Frames: make([][]int, len(frames))}
	for i, fi := range frames {
		row := make([]int, len(fi.Inputs))
		for h, in := range fi.Inputs {
			row[h] = int(in.Bits)
		}
		exp.Frames[i] = row
	}
	body, err := json.Marshal(exp)
	if err != nil {
		return "", fmt.Errorf("encode match %s: %w", matchID, err)
	}
	key := a.Key(matchID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", perrors.Wrap(perrors.CodeTransport, "upload "+key, err)
	}
	return key, nil
}

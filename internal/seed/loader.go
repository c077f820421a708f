package seed

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// MaxDocumentBytes caps how much of a seed document is read.
const MaxDocumentBytes = 16 << 20

// ObjectAPI is the part of the S3 client used here.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Loader struct {
	s3     ObjectAPI
	logger log.Logger
}

// NewLoader returns a loader. client may be nil when only local files are
// loaded.
func NewLoader(client ObjectAPI, logger log.Logger) *Loader {
	if logger == nil {
		logger = log.Nop()
	}
	return &Loader{s3: client, logger: logger}
}

// Load reads and parses the document at ref, either a file path or an
// s3://bucket/key URI.
func (l *Loader) Load(ctx context.Context, ref string) (*Document, error) {
	var (
		b   []byte
		err error
	)
	if bucket, key, ok := parseS3URI(ref); ok {
		b, err = l.fetchS3(ctx, bucket, key)
	} else {
		b, err = readFile(ref)
	}
	if err != nil {
		return nil, err
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, xerrors.Wrapf(err, "seed document %s", ref)
	}
	l.logger.Info(ctx, "loaded seed document", "ref", ref, "bytes", len(b), "top_level_nodes", len(doc.Nodes))
	return doc, nil
}

// parseS3URI splits s3://bucket/key. ok is false for anything else,
// including a URI without a key.
func parseS3URI(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func (l *Loader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if l.s3 == nil {
		return nil, xerrors.Newf("no S3 client configured for s3://%s/%s", bucket, key)
	}
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	return readLimited(out.Body, "s3://"+bucket+"/"+key)
}

func readFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, xerrors.Wrap(err, "open seed document")
	}
	defer f.Close()
	return readLimited(f, p)
}

func readLimited(r io.Reader, ref string) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", ref)
	}
	if len(b) > MaxDocumentBytes {
		return nil, xerrors.Newf("seed document %s exceeds %d bytes", ref, MaxDocumentBytes)
	}
	return b, nil
}

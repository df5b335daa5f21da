package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "clips/abc/a.mp4", ObjectKey("/clips/abc/", "a.mp4"))
	assert.Equal(t, "a.mp4", ObjectKey("", "/a.mp4"))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentTypeFor("videos/a-compressed.MP4"))
	assert.Equal(t, "image/png", ContentTypeFor("videos/a-frame-1.png"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("videos/a.part"))
}

func TestProgressReporter(t *testing.T) {
	var last [2]int64
	calls := 0
	p := newProgressReporter(10, func(done, total int64) {
		calls++
		last = [2]int64{done, total}
	})
	require.NotNil(t, p)

	p.report(0)
	_, _ = p.Write(make([]byte, 4))
	_, _ = p.Write(make([]byte, 6))
	p.flush()

	assert.Equal(t, [2]int64{10, 10}, last)
	assert.GreaterOrEqual(t, calls, 3)
	assert.Nil(t, newProgressReporter(10, nil))
}

func TestGetObjectURL_Presigns(t *testing.T) {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		BaseEndpoint: aws.String("http://127.0.0.1:9000"),
		UsePathStyle: true,
	})
	svc := NewS3Service(client)

	url, err := svc.GetObjectURL(context.Background(), "clips", "clips/s1/a.mp4", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://127.0.0.1:9000/clips/clips/s1/a.mp4?"), url)
	assert.Contains(t, url, "X-Amz-Expires=60")

	_, err = svc.GetObjectURL(context.Background(), "", "k", time.Minute)
	assert.Error(t, err)
}

func TestUploadFile_Validates(t *testing.T) {
	svc := NewS3Service(s3.New(s3.Options{Region: "us-east-1"}))

	_, err := svc.UploadFile(context.Background(), "x.mp4", UploadOptions{})
	assert.ErrorContains(t, err, "bucket")

	_, err = svc.UploadFile(context.Background(), t.TempDir(), UploadOptions{Bucket: "b"})
	assert.ErrorContains(t, err, "must be a file")
}

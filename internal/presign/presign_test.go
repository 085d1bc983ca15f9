package presign

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		raw    string
		bucket string
		key    string
	}{
		{"s3://media/photos/cat.png", "media", "photos/cat.png"},
		{"https://media.s3.amazonaws.com/photos/cat.png", "media", "photos/cat.png"},
		{"https://media.s3.eu-west-1.amazonaws.com/a/b.jpg", "media", "a/b.jpg"},
		{"https://media.s3-eu-west-1.amazonaws.com/a.jpg", "media", "a.jpg"},
		{"https://s3.us-east-2.amazonaws.com/media/deep/key.txt", "media", "deep/key.txt"},
		{"  s3://media/key  ", "media", "key"},
	}
	for _, tt := range tests {
		obj, err := ParseS3URL(tt.raw)
		if err != nil {
			t.Errorf("ParseS3URL(%q): %v", tt.raw, err)
			continue
		}
		if obj.Bucket != tt.bucket || obj.Key != tt.key {
			t.Errorf("ParseS3URL(%q) = %+v, want %s/%s", tt.raw, obj, tt.bucket, tt.key)
		}
	}
}

func TestParseS3URLRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"https://example.com/file.png",
		"ftp://media/key",
		"s3://media",
		"s3:///key",
		"https://s3.amazonaws.com/",
		"https://ec2.amazonaws.com/x",
	} {
		if _, err := ParseS3URL(raw); !errors.Is(err, ErrNotS3URL) {
			t.Errorf("ParseS3URL(%q) error = %v, want ErrNotS3URL", raw, err)
		}
		if IsS3URL(raw) {
			t.Errorf("IsS3URL(%q) = true", raw)
		}
	}
}

func newTestPresigner(t *testing.T) *S3Presigner {
	t.Helper()
	p, err := NewS3Presigner(Options{
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		AccessKey: "test-access",
		SecretKey: "test-secret",
		Expiry:    10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewS3Presigner: %v", err)
	}
	return p
}

func TestPresignOffline(t *testing.T) {
	p := newTestPresigner(t)

	got, err := p.Presign(context.Background(), "s3://media/photos/cat.png")
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	for _, want := range []string{"/media/photos/cat.png", "X-Amz-Signature=", "X-Amz-Expires=600", "X-Amz-Credential=test-access"} {
		if !strings.Contains(got, want) {
			t.Errorf("presigned URL %q missing %q", got, want)
		}
	}
}

func TestPresignRejectsBeforeSigning(t *testing.T) {
	p := newTestPresigner(t)
	if _, err := p.Presign(context.Background(), "https://example.com/x"); !errors.Is(err, ErrNotS3URL) {
		t.Errorf("Presign error = %v, want ErrNotS3URL", err)
	}
}

func TestNewS3PresignerExpiryBounds(t *testing.T) {
	if _, err := NewS3Presigner(Options{Endpoint: "localhost:9000", Expiry: 8 * 24 * time.Hour}); err == nil {
		t.Error("expected error for expiry over 7 days")
	}
	p, err := NewS3Presigner(Options{Endpoint: "localhost:9000", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("NewS3Presigner: %v", err)
	}
	if p.expiry != time.Hour {
		t.Errorf("default expiry = %s, want 1h", p.expiry)
	}
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/danmuck/remotesource/internal/testutil/testlog"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	listCalls int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := min(start+2, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var storeKeys = []string{"station1/temperature.parquet", "station1/pressure.parquet", "station2/wind.parquet"}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	b, err := ReadAll(ctx, s, "station1/temperature.parquet")
	if err != nil || string(b) != "data:station1/temperature.parquet" {
		t.Fatalf("get=%q err=%v", b, err)
	}
	if _, err := s.Get(ctx, "station9/missing.parquet"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	keys, err := s.List(ctx, "station1/")
	if err != nil || len(keys) != 2 || keys[0] != "station1/pressure.parquet" || keys[1] != "station1/temperature.parquet" {
		t.Fatalf("list=%v err=%v", keys, err)
	}
	all, err := s.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all=%v err=%v", all, err)
	}

	if _, err := s.Get(ctx, "../escape"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := s.Get(ctx, ""); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected empty key rejected, got %v", err)
	}
	if _, err := s.List(ctx, "../"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected escaping prefix rejected, got %v", err)
	}
}

func writeFiles(t *testing.T, dir string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		full := filepath.Join(dir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", key, err)
		}
		if err := os.WriteFile(full, []byte("data:"+key), 0o644); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
}

func TestFSStore(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFiles(t, dir, storeKeys...)
	s, err := NewFS(dir)
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	exerciseStore(t, s)
	if !strings.HasPrefix(s.Root(), "file://") {
		t.Fatalf("root=%s", s.Root())
	}
}

func TestFSStoreRequiresDirectory(t *testing.T) {
	testlog.Start(t)
	if _, err := NewFS(t.TempDir() + "/absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := NewFS(""); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestS3Store(t *testing.T) {
	testlog.Start(t)
	client := newFakeS3()
	for _, key := range storeKeys {
		client.objects["archive/"+key] = []byte("data:" + key)
	}
	client.objects["elsewhere/station1/other.parquet"] = []byte("x")
	s, err := NewS3(client, S3Config{Bucket: "weather", Prefix: "/archive"})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	exerciseStore(t, s)
	if client.listCalls < 3 {
		t.Fatalf("expected paginated listing, got %d calls", client.listCalls)
	}
	if s.Root() != "s3://weather/archive/" {
		t.Fatalf("root=%s", s.Root())
	}
}

func TestS3StoreValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewS3(nil, S3Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected nil client rejected")
	}
	if _, err := NewS3(newFakeS3(), S3Config{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected missing bucket rejected, got %v", err)
	}
}

func TestOpenByScheme(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	writeFiles(t, dir, "a.bin")
	s, err := Open(context.Background(), &url.URL{Scheme: "file", Path: dir}, Settings{})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if b, err := ReadAll(context.Background(), s, "a.bin"); err != nil || string(b) != "data:a.bin" {
		t.Fatalf("read=%q err=%v", b, err)
	}
	if _, err := Open(context.Background(), &url.URL{Scheme: "ftp", Host: "h"}, Settings{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected unsupported scheme, got %v", err)
	}
	if _, err := Open(context.Background(), nil, Settings{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected nil locator rejected, got %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	testlog.Start(t)
	cases := map[string]struct {
		err  error
		want bool
	}{
		"no such key":    {&types.NoSuchKey{}, true},
		"no such bucket": {&types.NoSuchBucket{}, true},
		"head 404":       {&apiError{code: "NotFound"}, true},
		"access denied":  {&apiError{code: "AccessDenied"}, false},
		"plain":          {errors.New("boom"), false},
	}
	for name, tc := range cases {
		if got := isNotFound(tc.err); got != tc.want {
			t.Fatalf("%s: isNotFound=%v want %v", name, got, tc.want)
		}
	}
}

package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vincent-petithory/dataurl"
)

type fakeS3 struct {
	puts map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.puts[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

func newTestStore(cfg S3Config) (*S3Store, *fakeS3) {
	fake := &fakeS3{puts: map[string][]byte{}}
	return &S3Store{
		client: fake,
		config: cfg,
		now:    func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) },
	}, fake
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestKeyLayout(t *testing.T) {
	store, _ := newTestStore(S3Config{Bucket: "media"})
	key := store.Key(Object{
		OrganizationID: "org-1",
		InstanceID:     "inst-1",
		Contact:        "5511999999999@s.whatsapp.net",
		MessageID:      "MSG1",
		MimeType:       "audio/ogg; codecs=opus",
	})
	want := "orgs/org-1/instances/inst-1/inbox/5511999999999_s.whatsapp.net/2026/03/02/audio/MSG1.ogg"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}

func TestPublicURL(t *testing.T) {
	cases := []struct {
		cfg  S3Config
		want string
	}{
		{S3Config{Bucket: "b", Region: "us-east-1", PublicURL: "https://cdn.example.com/"}, "https://cdn.example.com/b/k"},
		{S3Config{Bucket: "b", Region: "sa-east-1"}, "https://b.s3.sa-east-1.amazonaws.com/k"},
		{S3Config{Bucket: "b", Endpoint: "http://minio:9000", PathStyle: true}, "http://minio:9000/b/k"},
	}
	for _, tc := range cases {
		store, _ := newTestStore(tc.cfg)
		if got := store.PublicURL("k"); got != tc.want {
			t.Fatalf("PublicURL = %q, want %q", got, tc.want)
		}
	}
}

func TestStoreImageUploadsThumbnail(t *testing.T) {
	store, fake := newTestStore(S3Config{Bucket: "b", Endpoint: "http://minio:9000", PathStyle: true})
	out, err := store.Store(context.Background(), Object{
		OrganizationID: "org",
		InstanceID:     "inst",
		Contact:        "5511",
		MessageID:      "IMG1",
		MimeType:       "image/png",
		Data:           pngBytes(t, 800, 400),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(fake.puts) != 2 {
		t.Fatalf("expected original and thumbnail, got %d objects", len(fake.puts))
	}
	if !strings.HasSuffix(out.ThumbnailURL, "IMG1_thumb.jpg") {
		t.Fatalf("unexpected thumbnail url %q", out.ThumbnailURL)
	}
	thumb := fake.puts[strings.TrimSuffix(out.Key, ".png")+"_thumb.jpg"]
	img, err := jpeg.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("thumbnail is not a jpeg: %v", err)
	}
	if b := img.Bounds(); b.Dx() > ThumbnailSize || b.Dy() > ThumbnailSize {
		t.Fatalf("thumbnail too large: %v", b)
	}
}

func TestStoreDocumentSkipsThumbnail(t *testing.T) {
	store, fake := newTestStore(S3Config{Bucket: "b"})
	out, err := store.Store(context.Background(), Object{MessageID: "D1", MimeType: "application/pdf", Data: []byte("%PDF")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(fake.puts) != 1 || out.ThumbnailURL != "" {
		t.Fatalf("documents should not get thumbnails")
	}
	if !strings.Contains(out.Key, "/documents/D1.pdf") {
		t.Fatalf("unexpected key %q", out.Key)
	}
}

func TestRenderQR(t *testing.T) {
	uri, err := RenderQR("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	du, err := dataurl.DecodeString(uri)
	if err != nil {
		t.Fatalf("decode data url: %v", err)
	}
	if du.ContentType() != "image/png" {
		t.Fatalf("unexpected content type %s", du.ContentType())
	}
	if _, err := png.Decode(bytes.NewReader(du.Data)); err != nil {
		t.Fatalf("not a png: %v", err)
	}
	if _, err := RenderQR(""); err == nil {
		t.Fatalf("expected error for empty code")
	}
}

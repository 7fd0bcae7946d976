package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config holds the bucket settings for inbound media.
type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PublicURL     string
	RetentionDays int
}

// objectAPI is the part of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store uploads media objects to one bucket.
type S3Store struct {
	client objectAPI
	config S3Config
	now    func() time.Time
}

// NewS3Store builds the S3 client from static credentials.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := config.Endpoint
	// Clean endpoint if it contains bucket name (common misconfiguration)
	if endpoint != "" && strings.Contains(endpoint, config.Bucket+".") {
		endpoint = strings.Replace(endpoint, config.Bucket+".", "", 1)
		log.Warn().
			Str("cleanedEndpoint", endpoint).
			Str("bucket", config.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
	}
	config.Endpoint = endpoint

	// Buckets with dots break virtual-hosted TLS certificates.
	if strings.Contains(config.Bucket, ".") {
		config.PathStyle = true
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = config.PathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", config.Bucket).
		Str("region", config.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", config.PathStyle).
		Msg("S3 client initialized")
	return &S3Store{client: client, config: config, now: time.Now}, nil
}

// Object describes one upload.
type Object struct {
	OrganizationID string
	InstanceID     string
	Contact        string
	MessageID      string
	MimeType       string
	Data           []byte
}

// Key builds orgs/<org>/instances/<instance>/inbox/<contact>/<yyyy>/<mm>/<dd>/<kind>/<id><ext>.
func (m *S3Store) Key(o Object) string {
	contact := strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(o.Contact)
	now := m.now().UTC()
	return fmt.Sprintf("orgs/%s/instances/%s/inbox/%s/%s/%s/%s/%s/%s%s",
		o.OrganizationID,
		o.InstanceID,
		contact,
		now.Format("2006"),
		now.Format("01"),
		now.Format("02"),
		kindFolder(o.MimeType),
		o.MessageID,
		extension(o.MimeType),
	)
}

// Upload stores data under key.
func (m *S3Store) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if m.config.RetentionDays > 0 {
		expires := m.now().Add(time.Duration(m.config.RetentionDays) * 24 * time.Hour)
		input.Expires = &expires
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().
			Str("key", key).
			Str("bucket", m.config.Bucket).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debug().
		Str("key", key).
		Str("bucket", m.config.Bucket).
		Int("size", len(data)).
		Msg("File successfully uploaded to S3")
	return nil
}

// PublicURL returns the address clients use to fetch key.
func (m *S3Store) PublicURL(key string) string {
	cfg := m.config
	if cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.PublicURL, "/"), cfg.Bucket, key)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if cfg.PathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", cfg.Region, cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
	}
	if cfg.PathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, host, key)
}

// Stored is the result of Store.
type Stored struct {
	URL          string `json:"url"`
	Key          string `json:"key"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Size         int    `json:"size"`
}

// Store uploads an inbound attachment and, for images, a thumbnail next to it.
// A failed thumbnail only logs.
func (m *S3Store) Store(ctx context.Context, o Object) (*Stored, error) {
	key := m.Key(o)
	if err := m.Upload(ctx, key, o.Data, o.MimeType); err != nil {
		return nil, err
	}
	out := &Stored{URL: m.PublicURL(key), Key: key, Size: len(o.Data)}

	if strings.HasPrefix(o.MimeType, "image/") {
		thumb, err := Thumbnail(o.Data, ThumbnailSize)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Could not build thumbnail")
			return out, nil
		}
		thumbKey := strings.TrimSuffix(key, extension(o.MimeType)) + "_thumb.jpg"
		if err := m.Upload(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
			log.Warn().Err(err).Str("key", thumbKey).Msg("Could not upload thumbnail")
			return out, nil
		}
		out.ThumbnailURL = m.PublicURL(thumbKey)
	}
	return out, nil
}

// Ping checks that the bucket is reachable.
func (m *S3Store) Ping(ctx context.Context) error {
	_, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(m.config.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func kindFolder(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "documents"
	}
}

func extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"):
		return ".docx"
	case strings.Contains(mimeType, "doc"):
		return ".doc"
	default:
		return ".bin"
	}
}

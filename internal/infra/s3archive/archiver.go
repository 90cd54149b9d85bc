package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jinford/skill-graph/internal/core/generation"
)

// ObjectPutter は S3 の PutObject 呼び出し。*s3.Client が満たす
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshot は公開時点のジョブとドラフトの写し
type Snapshot struct {
	Job        *generation.GenerationJob `json:"job"`
	Result     generation.PublishResult  `json:"result"`
	ArchivedAt time.Time                 `json:"archivedAt"`
}

// Archiver は公開済みカリキュラムのスナップショットを S3 に保存する
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ generation.Archiver = (*Archiver)(nil)

type archiverOptions struct {
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// ArchiverOption は Archiver のオプション設定
type ArchiverOption func(*archiverOptions)

// WithPrefix はオブジェクトキーの接頭辞を設定する
func WithPrefix(prefix string) ArchiverOption {
	return func(o *archiverOptions) {
		o.prefix = prefix
	}
}

// WithArchiverClock は現在時刻の取得関数を差し替える
func WithArchiverClock(now func() time.Time) ArchiverOption {
	return func(o *archiverOptions) {
		o.now = now
	}
}

// WithArchiverLogger はロガーを設定する
func WithArchiverLogger(logger *slog.Logger) ArchiverOption {
	return func(o *archiverOptions) {
		o.logger = logger
	}
}

// NewArchiver は新しい Archiver を作成する
func NewArchiver(client ObjectPutter, bucket string, opts ...ArchiverOption) *Archiver {
	options := archiverOptions{
		prefix: "curricula",
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.now == nil {
		options.now = time.Now
	}

	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(options.prefix, "/"),
		now:    options.now,
		logger: options.logger,
	}
}

// Key は公開 ID に対応するオブジェクトキーを返す
func (a *Archiver) Key(publishedID string) string {
	return path.Join(a.prefix, publishedID+".json")
}

// Archive はスナップショットを JSON として保存する
func (a *Archiver) Archive(ctx context.Context, job *generation.GenerationJob, result generation.PublishResult) error {
	body, err := json.MarshalIndent(Snapshot{Job: job, Result: result, ArchivedAt: a.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := a.Key(result.PublishedID.String())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Info("公開スナップショットを保存しました",
		"job_id", job.ID,
		"published_id", result.PublishedID,
		"key", key,
	)
	return nil
}

// ClientParams は S3 クライアントの接続パラメータ
type ClientParams struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewClient は AWS の既定の認証情報チェーンで S3 クライアントを作成する
// Endpoint を指定すると MinIO などの互換ストレージに接続する
func NewClient(ctx context.Context, params ClientParams) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if params.Region != "" {
		opts = append(opts, awsconfig.WithRegion(params.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.PathStyle
	}), nil
}

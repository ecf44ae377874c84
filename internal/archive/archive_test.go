package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fan-ledger/internal/model"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, f.err
}

func TestS3_ArchiveSettlement(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.FromString("6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11"))
	set := model.Settlement{
		Challenge:      model.Challenge{ID: id, Title: "Run Streak"},
		Participants:   2,
		EscrowAmount:   80,
		FeeDisposition: model.FeesRefunded,
		ClosedAt:       time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC),
	}
	fp := &fakePutter{}
	a := NewS3WithClient(fp, "reports", "prod")

	require.NoError(t, a.ArchiveSettlement(context.Background(), set))
	require.Equal(t, "reports", aws.ToString(fp.in.Bucket))
	require.Equal(t, "prod/settlements/2026/03/"+id.String()+".json", aws.ToString(fp.in.Key))
	require.Equal(t, "application/json", aws.ToString(fp.in.ContentType))

	var got model.Settlement
	require.NoError(t, json.Unmarshal(fp.body, &got))
	require.Equal(t, model.FeesRefunded, got.FeeDisposition)
	require.Equal(t, int64(80), got.EscrowAmount)
}

func TestS3_ArchiveSettlement_PutError(t *testing.T) {
	t.Parallel()

	boom := errors.New("access denied")
	a := NewS3WithClient(&fakePutter{err: boom}, "reports", "")
	err := a.ArchiveSettlement(context.Background(), model.Settlement{ClosedAt: time.Now()})
	require.ErrorIs(t, err, boom)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	t.Parallel()
	require.NoError(t, Nop{}.ArchiveSettlement(context.Background(), model.Settlement{}))
}

package storage

import (
	"context"
	"errors"
	"testing"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch/internal/notify"
)

type fakeStore struct {
	buckets map[string]bool
	puts    map[string]string // key -> local file
	putErr  error
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ miniogo.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) FPutObject(_ context.Context, bucket, object, filePath string, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error) {
	if f.putErr != nil {
		return miniogo.UploadInfo{}, f.putErr
	}
	f.puts[bucket+"/"+object] = filePath
	return miniogo.UploadInfo{Bucket: bucket, Key: object}, nil
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "task_1/event_1_x_0s.mp4", ObjectKey("task_1", "/out/task_1/clips/event_1_x_0s.mp4"))
	assert.Equal(t, "event_1_x_0s.mp4", ObjectKey("", "clips/event_1_x_0s.mp4"))
}

func TestClipUploader(t *testing.T) {
	store := &fakeStore{buckets: map[string]bool{}, puts: map[string]string{}}
	u := &ClipUploader{client: store, bucket: "clips"}

	require.NoError(t, u.EnsureBucket(context.Background()))
	assert.True(t, store.buckets["clips"])
	require.NoError(t, u.EnsureBucket(context.Background()))

	s := notify.Summary{EventID: 4, RunID: "task_9", ClipPath: "/out/task_9/clips/event_4_no_head_3s.mp4"}
	require.NoError(t, u.Send(context.Background(), s))
	assert.Equal(t, s.ClipPath, store.puts["clips/task_9/event_4_no_head_3s.mp4"])

	assert.Error(t, u.Send(context.Background(), notify.Summary{EventID: 5}), "no clip path")

	store.putErr = errors.New("access denied")
	assert.Error(t, u.Send(context.Background(), s))
}

package objectclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragbot/internal/config"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "chatbots/7/src-1/guide.pdf", Key(7, "src-1", "guide.pdf"))
	assert.Equal(t, "chatbots/7/src-1/my_notes.txt", Key(7, "src-1", "  my notes.txt "))
	assert.Equal(t, "chatbots/7/src-1/passwd", Key(7, "src-1", "../../etc/passwd"))
	assert.Equal(t, "chatbots/7/src-1/evil.doc", Key(7, "src-1", `C:\tmp\evil.doc`))
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "https://docs.s3.eu-west-1.amazonaws.com/chatbots/1/a/b.txt",
		ObjectURL("docs", "eu-west-1", "chatbots/1/a/b.txt"))
}

func TestNewS3Client_RequiresSettings(t *testing.T) {
	_, err := NewS3Client(context.Background(), &config.Config{AwsRegion: "us-east-2", BucketName: "b"})
	require.Error(t, err)

	_, err = NewS3Client(context.Background(), &config.Config{AwsAccessKey: "k", AwsSecretKey: "s", BucketName: "b"})
	require.Error(t, err)

	_, err = NewS3Client(context.Background(), &config.Config{AwsAccessKey: "k", AwsSecretKey: "s", AwsRegion: "us-east-2"})
	require.Error(t, err)
}

// Package originfetch provides a reference blobcache.RangeWriter that
// fills cache regions by fetching byte ranges from an S3/MinIO-
// compatible object store.
package originfetch

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/grafana/sharedcache/sharedbytes"
)

// defaultRangeSize is used when a Store is constructed with a
// non-positive rangeSize, matching config.DefaultRangeSize without
// introducing a dependency on the config package from here.
const defaultRangeSize = 256 * 1024

// Store fetches byte ranges of one object from a MinIO or S3-compatible
// bucket, writing them directly into a shared cache region channel.
type Store struct {
	client    *minio.Client
	bucket    string
	key       string
	rangeSize int64
}

// NewStore returns a Store that reads ranges of bucket/key using
// client, reading rangeSize bytes at a time (shared_cache.range_size).
// A non-positive rangeSize falls back to defaultRangeSize.
func NewStore(client *minio.Client, bucket, key string, rangeSize int64) *Store {
	if rangeSize <= 0 {
		rangeSize = defaultRangeSize
	}
	return &Store{client: client, bucket: bucket, key: key, rangeSize: rangeSize}
}

// WriteRange implements blobcache.RangeWriter. It fetches
// [relativePos, relativePos+length) of the object and writes it into ch
// at channelPos, reporting progress in s.rangeSize chunks.
func (s *Store) WriteRange(ctx context.Context, ch *sharedbytes.RegionChannel, channelPos, relativePos, length int64, onProgress func(int64)) error {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(relativePos, relativePos+length-1); err != nil {
		return fmt.Errorf("originfetch: set range: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, opts)
	if err != nil {
		return fmt.Errorf("originfetch: get object: %w", err)
	}
	defer obj.Close()

	buf := make([]byte, s.rangeSize)
	var written int64
	for written < length {
		want := int64(len(buf))
		if remaining := length - written; remaining < want {
			want = remaining
		}
		n, rerr := io.ReadFull(obj, buf[:want])
		if n > 0 {
			if _, werr := ch.WriteAt(buf[:n], channelPos+written); werr != nil {
				return fmt.Errorf("originfetch: write region: %w", werr)
			}
			written += int64(n)
			onProgress(int64(n))
		}
		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("originfetch: read object: %w", rerr)
		}
	}
	if written != length {
		return fmt.Errorf("originfetch: short read: got %d of %d bytes", written, length)
	}
	return nil
}

// ChannelReader implements blobcache.RangeReader by reading directly from
// the already-populated region channel; it does not touch the origin.
type ChannelReader struct{}

// ReadRange implements blobcache.RangeReader.
func (ChannelReader) ReadRange(ctx context.Context, ch *sharedbytes.RegionChannel, channelPos, _, length int64) (int, error) {
	buf := make([]byte, length)
	return ch.ReadAt(buf, channelPos)
}

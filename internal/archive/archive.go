// Package archive optionally uploads committed blocks to an
// S3-compatible object store, giving operators off-node durability and
// a place light clients can fetch historical blocks from without
// taxing validator bandwidth. It is strictly additive: a node that
// never configures an archive endpoint runs exactly as if this
// package did not exist.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rechain/bftnode/pkg/bft"
)

// Config carries the archive sink's connection settings.
const objectKeyFormat = "blocks/%020d.json"

// Archive uploads committed blocks to an S3-compatible bucket.
type Archive struct {
	client *minio.Client
	bucket string
}

// New connects to an S3-compatible endpoint and ensures the archive
// bucket exists.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: creating minio client: %w", err)
	}

	a := &Archive{client: client, bucket: bucket}
	if err := a.ensureBucket(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureBucket() error {
	ctx := context.Background()
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: checking bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: creating bucket: %w", err)
	}
	log.Printf("archive: created bucket %s", a.bucket)
	return nil
}

// PutBlock uploads a committed block, keyed so objects list back out
// in height order.
func (a *Archive) PutBlock(ctx context.Context, block *bft.CommittedBlock) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("archive: marshal block %d: %w", block.Block.Height, err)
	}

	key := fmt.Sprintf(objectKeyFormat, block.Block.Height)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive: uploading block %d: %w", block.Block.Height, err)
	}
	return nil
}

// GetBlock fetches a previously archived block by height. Returns nil
// without error if the object does not exist.
func (a *Archive) GetBlock(ctx context.Context, height uint64) (*bft.CommittedBlock, error) {
	key := fmt.Sprintf(objectKeyFormat, height)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: fetching block %d: %w", height, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: reading block %d: %w", height, err)
	}

	var block bft.CommittedBlock
	if err := json.Unmarshal(buf.Bytes(), &block); err != nil {
		return nil, fmt.Errorf("archive: unmarshal block %d: %w", height, err)
	}
	return &block, nil
}

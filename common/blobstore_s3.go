/*
 * Copyright Morpheo Org. 2017
 * 
 * contact@morpheo.co
 * 
 * This software is part of the Morpheo project, an open-source machine
 * learning platform.
 * 
 * This software is governed by the CeCILL license, compatible with the
 * GNU GPL, under French law and abiding by the rules of distribution of
 * free software. You can  use, modify and/ or redistribute the software
 * under the terms of the CeCILL license as circulated by CEA, CNRS and
 * INRIA at the following URL "http://www.cecill.info".
 * 
 * As a counterpart to the access to the source code and  rights to copy,
 * modify and redistribute granted by the license, users are provided only
 * with a limited warranty  and the software's author,  the holder of the
 * economic rights,  and the successive licensors  have only  limited
 * liability.
 * 
 * In this respect, the user's attention is drawn to the risks associated
 * with loading,  using,  modifying and/or developing or reproducing the
 * software by the user in light of its specific status of free software,
 * that may mean  that it is complicated to manipulate,  and  that  also
 * therefore means  that it is reserved for developers  and  experienced
 * professionals having in-depth computer knowledge. Users are therefore
 * encouraged to load and test the software's suitability as regards their
 * requirements in conditions enabling the security of their systems and/or
 * data to be ensured and,  more generally, to use and operate it in the
 * same conditions as regards security.
 * 
 * The fact that you are presently reading this means that you have had
 * knowledge of the CeCILL license and that you accept its terms.
 */

package common

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3BlobStore is a BlobStore implementations that stores data on AWS-S3
type S3BlobStore struct {
	bucket   StorageBucket
	s3       s3iface.S3API
	uploader s3manageriface.UploaderAPI
}

// StorageBucket is the S3 bucket where data is stored
type StorageBucket struct {
	Name   string
	Region string
}

// NewStorageBucket creates a new StorageBucket
func NewStorageBucket(name, region string) StorageBucket {
	return StorageBucket{Name: name, Region: region}
}

// NewAWSSession opens an AWS session for the given region, credentials being resolved the usual
// way (environment, shared config, instance role...)
func NewAWSSession(region string) (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *aws.NewConfig().WithRegion(region),
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("[s3-storage] Error creating AWS session: %w", err)
	}
	return sess, nil
}

// NewS3BlobStore creates a new S3Blobstore bound to a bucket, sharing the given session
func NewS3BlobStore(sess *session.Session, bucket string) *S3BlobStore {
	client := s3.New(sess)
	return NewS3BlobStoreWithClient(client, s3manager.NewUploaderWithClient(client), NewStorageBucket(bucket, aws.StringValue(sess.Config.Region)))
}

// NewS3BlobStoreWithClient creates an S3Blobstore on top of existing S3 API clients
func NewS3BlobStoreWithClient(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket StorageBucket) *S3BlobStore {
	return &S3BlobStore{
		bucket:   bucket,
		s3:       client,
		uploader: uploader,
	}
}

// NewS3BlobStoreFactory returns a factory giving one S3BlobStore per bucket, all sharing sess
func NewS3BlobStoreFactory(sess *session.Session) BlobStoreFactory {
	return func(bucket string) (BlobStore, error) {
		if bucket == "" {
			return nil, fmt.Errorf("[s3-storage] Bucket name must be set")
		}
		return NewS3BlobStore(sess, bucket), nil
	}
}

// Bucket returns the bucket the store is bound to
func (s *S3BlobStore) Bucket() StorageBucket {
	return s.bucket
}

// Put streams a file to S3. The multipart uploader is used so that the size doesn't need to be
// known in advance.
func (s *S3BlobStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket.Name),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("[s3-storage] Error uploading s3://%s/%s: %w", s.bucket.Name, key, err)
	}
	return nil
}

// Get retrieves the object stored under key
func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket.Name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("[s3-storage] Error retrieving s3://%s/%s: %w", s.bucket.Name, key, err)
	}
	return file.Body, nil
}

// Exists performs a HEAD request on key
func (s *S3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket.Name),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("[s3-storage] Error checking s3://%s/%s: %w", s.bucket.Name, key, err)
}

// CopyFrom copies s3://srcBucket/srcKey to dstKey on S3's side
func (s *S3BlobStore) CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string) error {
	source := (&url.URL{Path: srcBucket + "/" + srcKey}).EscapedPath()
	_, err := s.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket.Name),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	if err != nil {
		return fmt.Errorf("[s3-storage] Error copying s3://%s/%s to s3://%s/%s: %w", srcBucket, srcKey, s.bucket.Name, dstKey, err)
	}
	return nil
}

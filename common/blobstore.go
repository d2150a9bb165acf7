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
)

// Blob store providers
const (
	BlobStoreS3    = "s3"
	BlobStoreLocal = "local"
)

// BlobStore describes an form of storage targeted at storing files, regardless of the data they
// embed. A file is stored under a given key that can be used for further retrieval. It aims at
// abstracting disk storage as well as Amazon S3 (and alike) distributed storage platforms.
//
// A size of -1 passed to Put means the size isn't known in advance.
type BlobStore interface {
	Put(ctx context.Context, key string, data io.Reader, size int64) error
	Get(ctx context.Context, key string) (data io.ReadCloser, err error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Copier is implemented by blob stores able to copy an object from another bucket without
// streaming it through the client (S3 server-side copies for instance)
type Copier interface {
	CopyFrom(ctx context.Context, srcBucket, srcKey, dstKey string) error
}

// BlobStoreFactory returns the BlobStore holding the objects of a given bucket
type BlobStoreFactory func(bucket string) (BlobStore, error)

// CopyBlob copies srcKey from src to dstKey in dst, using a server-side copy when dst knows how to
// do it and both stores live on the same provider.
func CopyBlob(ctx context.Context, src BlobStore, srcBucket, srcKey string, dst BlobStore, dstKey string) error {
	if copier, ok := dst.(Copier); ok && sameProvider(src, dst) {
		return copier.CopyFrom(ctx, srcBucket, srcKey, dstKey)
	}

	data, err := src.Get(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("[blobstore] Error reading %s/%s: %w", srcBucket, srcKey, err)
	}
	defer data.Close()

	if err := dst.Put(ctx, dstKey, data, -1); err != nil {
		return fmt.Errorf("[blobstore] Error writing %s: %w", dstKey, err)
	}
	return nil
}

func sameProvider(a, b BlobStore) bool {
	_, aS3 := a.(*S3BlobStore)
	_, bS3 := b.(*S3BlobStore)
	return aS3 && bS3
}

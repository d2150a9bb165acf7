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
	"os"
	"path/filepath"
	"strings"
)

// LocalBlobStore is a BlobStore implementations that stores data on the local hard drive
type LocalBlobStore struct {
	DataDir string
}

// NewLocalBlobStore creates a new local Blobstore given a data directory
func NewLocalBlobStore(dataDir string) (*LocalBlobStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("[local-storage] Data directory must be set")
	}
	return &LocalBlobStore{
		DataDir: dataDir,
	}, nil
}

// NewLocalBlobStoreFactory maps each bucket to a sub-directory of dataDir
func NewLocalBlobStoreFactory(dataDir string) BlobStoreFactory {
	return func(bucket string) (BlobStore, error) {
		if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == ".." {
			return nil, fmt.Errorf("[local-storage] Invalid bucket name %q", bucket)
		}
		return NewLocalBlobStore(filepath.Join(dataDir, bucket))
	}
}

func (s *LocalBlobStore) path(key string) (string, error) {
	datapath := filepath.Join(s.DataDir, filepath.FromSlash(key))
	if !isWithin(s.DataDir, datapath) {
		return "", fmt.Errorf("[local-storage] Key %q escapes data directory", key)
	}
	return datapath, nil
}

// Put writes a file in the data directory (and creates necessary sub-directories if there are
// forward slashes in the key name)
func (s *LocalBlobStore) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	datapath, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(datapath), 0755); err != nil {
		return fmt.Errorf("[local-storage] Error creating parent directory of %s: %w", datapath, err)
	}

	file, err := os.Create(datapath)
	if err != nil {
		return fmt.Errorf("[local-storage] Error creating %s: %w", datapath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		return fmt.Errorf("[local-storage] Error writing %s (%d bytes written): %w", datapath, n, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("[local-storage] Size mismatch writing %s: expected %d bytes, got %d", datapath, size, n)
	}
	return nil
}

// Get returns an io.ReadCloser on the data living under the provided key. The retriever must
// explicitely call the Close() method on it when he's done reading.
func (s *LocalBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	datapath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(datapath)
}

// Exists tells whether a file lives under the provided key
func (s *LocalBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	datapath, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(datapath)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

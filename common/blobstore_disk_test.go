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
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBlobStore(t *testing.T) {
	ctx := context.Background()
	factory := NewLocalBlobStoreFactory(t.TempDir())

	store, err := factory("my-bucket")
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "data/mnist/train_data.npy")
	require.NoError(t, err)
	assert.False(t, exists)

	data := []byte("\x93NUMPY")
	require.NoError(t, store.Put(ctx, "data/mnist/train_data.npy", bytes.NewReader(data), int64(len(data))))

	exists, err = store.Exists(ctx, "data/mnist/train_data.npy")
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := store.Get(ctx, "data/mnist/train_data.npy")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalBlobStoreSizeMismatch(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "short", bytes.NewBufferString("abc"), 10)
	assert.Error(t, err)
}

func TestLocalBlobStoreRejectsEscapes(t *testing.T) {
	ctx := context.Background()
	factory := NewLocalBlobStoreFactory(t.TempDir())

	for _, bucket := range []string{"", "..", "a/b"} {
		_, err := factory(bucket)
		assert.Error(t, err, bucket)
	}

	store, err := factory("my-bucket")
	require.NoError(t, err)
	assert.Error(t, store.Put(ctx, "../other-bucket/key", bytes.NewBufferString("x"), -1))
	_, err = store.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)

	_, err = NewLocalBlobStore("")
	assert.Error(t, err)
}

func TestCopyBlobAcrossLocalStores(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	factory := NewLocalBlobStoreFactory(dataDir)

	src, err := factory("public")
	require.NoError(t, err)
	dst, err := factory("private")
	require.NoError(t, err)

	require.NoError(t, src.Put(ctx, "mnist/eval_labels.npy", bytes.NewBufferString("labels"), -1))
	require.NoError(t, CopyBlob(ctx, src, "public", "mnist/eval_labels.npy", dst, "data/eval_labels.npy"))

	exists, err := dst.Exists(ctx, "data/eval_labels.npy")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.FileExists(t, filepath.Join(dataDir, "private", "data", "eval_labels.npy"))

	err = CopyBlob(ctx, src, "public", "mnist/missing.npy", dst, "data/missing.npy")
	assert.Error(t, err)
}

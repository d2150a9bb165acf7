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
	"fmt"
	"net/url"
	"path"
	"strings"
)

// S3Scheme is the URI scheme of object storage locations
const S3Scheme = "s3"

// S3URI points at an object (or a prefix) in a bucket
type S3URI struct {
	Bucket string
	Key    string
}

// ParseS3URI parses s3://bucket/key. The key may be empty (bucket root).
func ParseS3URI(raw string) (S3URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return S3URI{}, fmt.Errorf("invalid storage URI %q: %w", raw, err)
	}
	if u.Scheme != S3Scheme {
		return S3URI{}, fmt.Errorf("invalid storage URI %q: scheme must be %s://", raw, S3Scheme)
	}
	if u.Host == "" {
		return S3URI{}, fmt.Errorf("invalid storage URI %q: bucket is missing", raw)
	}
	return S3URI{
		Bucket: u.Host,
		Key:    strings.Trim(u.Path, "/"),
	}, nil
}

// Join returns a new URI with elems appended to the key
func (u S3URI) Join(elems ...string) S3URI {
	parts := append([]string{u.Key}, elems...)
	return S3URI{
		Bucket: u.Bucket,
		Key:    strings.TrimPrefix(path.Join(parts...), "/"),
	}
}

func (u S3URI) String() string {
	if u.Key == "" {
		return fmt.Sprintf("%s://%s", S3Scheme, u.Bucket)
	}
	return fmt.Sprintf("%s://%s/%s", S3Scheme, u.Bucket, u.Key)
}

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
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Archive names, following the managed training service conventions
const (
	ModelArchiveName     = "model.tar.gz"
	SourceDirArchiveName = "sourcedir.tar.gz"
)

// ExtractTarGz un-gzips and untars r under dest. Only regular files and directories are
// extracted, other entries (links, devices...) are skipped. It returns the paths of the extracted
// files, relative to dest.
func ExtractTarGz(r io.Reader, dest string) (files []string, err error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("[archive] Error un-gzipping archive: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("[archive] Error creating destination %s: %w", dest, err)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("[archive] Error reading tar entry: %w", err)
		}

		name := filepath.FromSlash(strings.TrimPrefix(header.Name, "./"))
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(dest, name)
		if filepath.IsAbs(name) || !isWithin(dest, target) {
			return files, fmt.Errorf("[archive] Entry %q escapes destination %s", header.Name, dest)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, fmt.Errorf("[archive] Error creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()|0600); err != nil {
				return files, err
			}
			files = append(files, filepath.ToSlash(name))
		}
	}
	return files, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("[archive] Error creating directory %s: %w", filepath.Dir(target), err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("[archive] Error creating %s: %w", target, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("[archive] Error writing %s: %w", target, err)
	}
	return nil
}

// PackTarGz writes a gzipped tarball of paths (files or directories, relative to root) to w.
// Directories are walked recursively.
func PackTarGz(w io.Writer, root string, paths ...string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		start := filepath.Join(root, p)
		err := filepath.Walk(start, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() && !info.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}

			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				header.Name += "/"
			}
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return fmt.Errorf("[archive] Error packing %s: %w", start, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("[archive] Error closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("[archive] Error closing gzip stream: %w", err)
	}
	return nil
}

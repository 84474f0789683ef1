package testutil

import (
	"archive/tar"
	"bytes"
	"crypto/rand"
	_ "crypto/sha256"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// RandomBlob returns size random bytes and their digest.
func RandomBlob(size int) (digest.Digest, []byte) {
	b := make([]byte, size)
	if n, err := rand.Read(b); err != nil {
		panic(err)
	} else if n != size {
		panic("unable to read enough bytes")
	}

	return digest.FromBytes(b), b
}

// CreateRandomTarFile creates a small random tarfile and returns its
// contents.
func CreateRandomTarFile() ([]byte, error) {
	nFiles := mrand.Intn(5) + 2
	target := &bytes.Buffer{}
	wr := tar.NewWriter(target)

	// Perturb this on each iteration of the loop below.
	header := &tar.Header{
		Mode:     0o644,
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
		Uname:    "randocalrissian",
		Gname:    "cloudcity",
	}

	for fileNumber := 0; fileNumber < nFiles; fileNumber++ {
		_, randomData := RandomBlob(mrand.Intn(4096) + 512)

		header.Name = fmt.Sprint(fileNumber)
		header.Size = int64(len(randomData))

		if err := wr.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := wr.Write(randomData); err != nil {
			return nil, fmt.Errorf("short copy writing random file to tar: %w", err)
		}
	}

	if err := wr.Close(); err != nil {
		return nil, err
	}
	return target.Bytes(), nil
}

// CreateRandomLayer returns a gzip compressed random tar file along with
// the digest of the compressed and the uncompressed content.
func CreateRandomLayer() (compressed []byte, dgst, diffID digest.Digest, err error) {
	tarball, err := CreateRandomTarFile()
	if err != nil {
		return nil, "", "", err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(tarball); err != nil {
		return nil, "", "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), digest.FromBytes(buf.Bytes()), digest.FromBytes(tarball), nil
}

// Package imagestore fetches compressed VM disk images from an HTTP
// image server, verifies their integrity, and caches them locally by
// commit.
package imagestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Store retrieves qcow2 images named by a build commit from an image
// server and caches them under a local directory.
type Store struct {
	http     *http.Client
	server   string
	cacheDir string
}

// New builds a Store pointed at server (e.g.
// "https://gha-self-hosted-images.infra.rust-lang.org"), caching
// downloads under cacheDir.
func New(server, cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	return &Store{
		http:     http.DefaultClient,
		server:   strings.TrimSuffix(server, "/"),
		cacheDir: cacheDir,
	}, nil
}

// Latest returns the commit identifier the image server currently
// considers current.
func (s *Store) Latest() (string, error) {
	return s.getText("latest")
}

// Get returns the local path to name's qcow2 image for commit, downloading
// and decompressing it on first use and verifying its sha256 digest
// against the image server's published one every time.
func (s *Store) Get(commit, name string) (string, error) {
	localDir := filepath.Join(s.cacheDir, commit)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", fmt.Errorf("create commit cache dir: %w", err)
	}
	localPath := filepath.Join(localDir, name+".qcow2")

	remotePath := fmt.Sprintf("images/%s/%s.qcow2", commit, name)

	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		if err := s.download(remotePath+".zst", localPath); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", fmt.Errorf("stat cached image: %w", err)
	}

	if err := s.verify(localPath, remotePath+".sha256"); err != nil {
		os.Remove(localPath)
		return "", err
	}

	return localPath, nil
}

// PurgeExcept deletes every cached commit directory other than keep.
func (s *Store) PurgeExcept(keep string) error {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return fmt.Errorf("read image cache dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cacheDir, entry.Name())); err != nil {
			return fmt.Errorf("purge cached commit %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *Store) download(remotePath, localPath string) error {
	resp, err := s.http.Get(s.server + "/" + remotePath)
	if err != nil {
		return fmt.Errorf("download image %s: %w", remotePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download image %s: server returned %s", remotePath, resp.Status)
	}

	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("init zstd decompressor: %w", err)
	}
	defer dec.Close()

	tmp := localPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if _, err := io.Copy(dst, dec); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("decompress image %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close image file: %w", err)
	}
	return os.Rename(tmp, localPath)
}

func (s *Store) verify(localPath, sha256Path string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open image for verification: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash image: %w", err)
	}
	localDigest := hex.EncodeToString(h.Sum(nil))

	remoteDigest, err := s.getText(sha256Path)
	if err != nil {
		return err
	}

	if localDigest != remoteDigest {
		return fmt.Errorf("%w: local %s, remote %s", ErrIntegrity, localDigest, remoteDigest)
	}
	return nil
}

func (s *Store) getText(path string) (string, error) {
	resp, err := s.http.Get(s.server + "/" + path)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: server returned %s", path, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(body)), nil
}

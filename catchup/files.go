package catchup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/scoutmesh/scoutmesh/peers"
	"github.com/scoutmesh/scoutmesh/syncclient"
)

// excludedSuffixes are primary-database artifacts that must never be
// transferred between nodes.
var excludedSuffixes = []string{
	".db", ".db-wal", ".db-shm",
	".sqlite", ".sqlite-wal", ".sqlite-shm",
	".lock",
}

// ExcludedPath reports whether the relative path is a database artifact or
// lock file barred from any sync transfer.
func ExcludedPath(relPath string) bool {
	name := strings.ToLower(filepath.Base(relPath))
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// LocalChecksums walks dir and returns the checksum map for every eligible
// file, keyed by slash-separated relative path. A file that cannot be read
// is skipped with a warning; only a missing or unreadable root fails the
// walk.
func LocalChecksums(ctx context.Context, log *zap.Logger, dir string) (_ syncclient.ChecksumsResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	checksums := make(syncclient.ChecksumsResponse)
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			mon.Counter("catchup_checksum_skips").Inc(1)
			log.Warn("skipping unreadable path", zap.String("path", path), zap.Error(walkErr))
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ExcludedPath(rel) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			mon.Counter("catchup_checksum_skips").Inc(1)
			log.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			return nil
		}
		checksum, err := hashFile(path)
		if err != nil {
			mon.Counter("catchup_checksum_skips").Inc(1)
			log.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			return nil
		}
		checksums[rel] = syncclient.FileInfo{
			Checksum: checksum,
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		}
		return nil
	})
	if os.IsNotExist(err) {
		return checksums, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return checksums, nil
}

// SecureJoin resolves rel inside base, rejecting traversal outside of it.
func SecureJoin(base, rel string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(rel))
	joined := filepath.Join(base, cleaned)
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", Error.Wrap(err)
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if joinedAbs != baseAbs && !strings.HasPrefix(joinedAbs, baseAbs+string(filepath.Separator)) {
		return "", Error.New("path %q escapes base directory", rel)
	}
	return joinedAbs, nil
}

func hashFile(path string) (_ string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", Error.Wrap(err)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// reconcileFiles synchronizes each directory class enabled for the peer.
func (m *Manager) reconcileFiles(ctx context.Context, client Client, peer peers.Peer, since time.Time, result *Result) {
	for _, class := range []string{peers.ClassInstanceFiles, peers.ClassConfigFiles, peers.ClassUploads} {
		if !peer.SyncsClass(class) {
			continue
		}
		dir, ok := m.config.DirForClass(class)
		if !ok {
			continue
		}
		m.reconcileClass(ctx, client, peer, class, dir, since, result)
	}
}

// reconcileClass compares the local and remote file maps for one directory
// class and transfers whatever differs inside the reconciliation window.
// A single file's failure is recorded and does not abort the batch.
func (m *Manager) reconcileClass(ctx context.Context, client Client, peer peers.Peer, class, dir string, since time.Time, result *Result) {
	var err error
	defer mon.Task()(&ctx)(&err)

	local, err := LocalChecksums(ctx, m.log, dir)
	if err != nil {
		result.addError(err)
		return
	}
	remote, err := client.GetChecksums(ctx, class)
	if err != nil {
		result.addError(err)
		return
	}

	for rel, localInfo := range local {
		remoteInfo, exists := remote[rel]
		switch {
		case !exists:
			if localInfo.Modified.After(since) {
				m.uploadFile(ctx, client, peer, class, dir, rel, result)
			}
		case remoteInfo.Checksum != localInfo.Checksum:
			if localInfo.Modified.After(remoteInfo.Modified) {
				m.uploadFile(ctx, client, peer, class, dir, rel, result)
			} else if remoteInfo.Modified.After(since) {
				// only pull divergent content that is inside the window,
				// stale remote history stays where it is
				m.downloadFile(ctx, client, peer, class, dir, rel, result)
			}
		}
	}

	for rel, remoteInfo := range remote {
		if _, exists := local[rel]; exists {
			continue
		}
		if ExcludedPath(rel) {
			continue
		}
		if remoteInfo.Modified.After(since) {
			m.downloadFile(ctx, client, peer, class, dir, rel, result)
		}
	}
}

func (m *Manager) uploadFile(ctx context.Context, client Client, peer peers.Peer, class, dir, rel string, result *Result) {
	path, err := SecureJoin(dir, rel)
	if err == nil {
		var file *os.File
		file, err = os.Open(path)
		if err == nil {
			err = client.UploadFile(ctx, class, rel, file)
			err = errs.Combine(err, file.Close())
		}
	}
	if err != nil {
		mon.Counter("catchup_file_upload_failures").Inc(1)
		m.log.Warn("file upload failed",
			zap.String("peer_id", peer.ID),
			zap.String("class", class),
			zap.String("path", rel),
			zap.Error(err))
		result.addError(err)
		return
	}
	mon.Counter("catchup_files_uploaded").Inc(1)
	result.FilesUploaded++
}

func (m *Manager) downloadFile(ctx context.Context, client Client, peer peers.Peer, class, dir, rel string, result *Result) {
	data, err := client.DownloadFile(ctx, class, rel)
	if err == nil {
		err = WriteFileAtomic(dir, rel, bytes.NewReader(data))
	}
	if err != nil {
		mon.Counter("catchup_file_download_failures").Inc(1)
		m.log.Warn("file download failed",
			zap.String("peer_id", peer.ID),
			zap.String("class", class),
			zap.String("path", rel),
			zap.Error(err))
		result.addError(err)
		return
	}
	mon.Counter("catchup_files_downloaded").Inc(1)
	result.FilesDownloaded++
}

// WriteFileAtomic writes content to dir/rel via a temp file and rename, so a
// crashed transfer never leaves a half-written file behind.
func WriteFileAtomic(dir, rel string, content io.Reader) error {
	target, err := SecureJoin(dir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Error.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".sync-*")
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return Error.Wrap(err)
	}
	return nil
}

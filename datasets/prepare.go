package datasets

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// preparedMarker is written into a task directory once its files are in place.
const preparedMarker = ".prepared"

// maxArchiveBytes bounds a downloaded task archive.
const maxArchiveBytes = 1 << 30

// Prepare makes sure the task's split files exist on disk, downloading them
// when a DownloadURL is configured, and opens the token cache. Calling it
// again after success is a no-op.
func (d *DataModule) Prepare(ctx context.Context) error {
	if d.prepared {
		return nil
	}
	dir := d.TaskDir()
	ok, err := hasSplitFiles(dir)
	if err != nil {
		return err
	}
	if !ok {
		if d.opts.DownloadURL == "" {
			return errors.Wrapf(ErrMissingData, "%s", dir)
		}
		url := strings.ReplaceAll(d.opts.DownloadURL, "{task}", d.opts.Task.String())
		if err := d.download(ctx, url, dir); err != nil {
			return err
		}
	}

	if d.opts.CacheDir != "" {
		if err := ensureDir(d.opts.CacheDir); err != nil {
			return err
		}
		ns := d.opts.CacheNamespace
		if ns == "" {
			ns = "default"
		}
		d.cache = OpenTokenCache(filepath.Join(d.opts.CacheDir, d.opts.Task.String()+".tokens"), ns, 0)
	}
	d.prepared = true
	return nil
}

// download fetches a zip archive and extracts its split files into dir.
func (d *DataModule) download(ctx context.Context, url, dir string) error {
	klog.Infof("downloading %s into %s", url, dir)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "build request %s", url)
	}
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
	if err != nil {
		return errors.Wrapf(err, "read %s", url)
	}
	n, err := extractSplits(body, dir)
	if err != nil {
		return errors.Wrapf(err, "extract %s", url)
	}
	if n == 0 {
		return errors.Wrapf(ErrMissingData, "archive %s has no split files", url)
	}
	if err := os.WriteFile(filepath.Join(dir, preparedMarker), []byte(url+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "write prepared marker")
	}
	klog.Infof("extracted %d split files into %s", n, dir)
	return nil
}

// extractSplits writes every .jsonl and .csv member of the archive into
// dir under its base name. Directory components in member names are dropped.
func extractSplits(archive []byte, dir string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return 0, err
	}
	if err := ensureDir(dir); err != nil {
		return 0, err
	}
	n := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := path.Base(f.Name)
		if splitFormat(base) == "" || strings.HasPrefix(base, ".") {
			continue
		}
		if err := extractFile(f, filepath.Join(dir, base)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open %s", f.Name)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return errors.Wrapf(err, "write %s", dst)
	}
	return out.Close()
}

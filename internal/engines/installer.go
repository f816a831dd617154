package engines

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const downloadsDirName = ".downloads"

func cdnCategory() string {
	if runtime.GOOS == "windows" {
		return "engine_windows64"
	}
	return "engine_linux64"
}

// ExtractFunc unpacks an archive into dest.
type ExtractFunc func(ctx context.Context, archive, dest string) error

// InstallerOptions configure an Installer.
type InstallerOptions struct {
	Dir                 string
	CdnBaseURL          string
	InstallTimeout      time.Duration
	DownloadMaxAttempts int
	DownloadRetryBase   time.Duration
}

// Installer downloads engine archives from the CDN and unpacks them
// into the engines directory.
type Installer struct {
	opts    InstallerOptions
	client  *http.Client
	extract ExtractFunc

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewInstaller creates an installer that extracts with the system 7z
// binary.
func NewInstaller(opts InstallerOptions) *Installer {
	return &Installer{
		opts:     opts,
		client:   &http.Client{},
		extract:  sevenZipExtract,
		inFlight: make(map[string]bool),
	}
}

// Install makes the engine version available: resolve the archive on
// the CDN, download it with retries, verify its checksum, unpack it
// next to the final location and move it into place atomically.
// Already-installed versions and versions with an install already in
// flight are a no-op.
func (i *Installer) Install(ctx context.Context, version string) error {
	if !validVersion(version) {
		return fmt.Errorf("invalid engine version %q", version)
	}
	if _, err := os.Stat(filepath.Join(i.opts.Dir, version, binaryName())); err == nil {
		slog.Info("engine already installed", "version", version)
		return nil
	}

	i.mu.Lock()
	if i.inFlight[version] {
		i.mu.Unlock()
		slog.Info("engine install already in progress", "version", version)
		return nil
	}
	i.inFlight[version] = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.inFlight, version)
		i.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, i.opts.InstallTimeout)
	defer cancel()

	slog.Info("installing engine", "version", version)

	found, err := i.resolveArchive(ctx, version)
	if err != nil {
		return fmt.Errorf("resolve engine %s: %w", version, err)
	}

	archive, err := i.download(ctx, found)
	if err != nil {
		return fmt.Errorf("download engine %s: %w", version, err)
	}
	defer os.Remove(archive)

	tmpDir := filepath.Join(i.opts.Dir, fmt.Sprintf(".tmp-install-%s-%s", version, uuid.NewString()))
	defer os.RemoveAll(tmpDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create unpack dir: %w", err)
	}
	if err := i.extract(ctx, archive, tmpDir); err != nil {
		return fmt.Errorf("extract engine %s: %w", version, err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, binaryName())); err != nil {
		return fmt.Errorf("archive for engine %s does not contain %s", version, binaryName())
	}

	dest := filepath.Join(i.opts.Dir, version)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove stale engine dir: %w", err)
	}
	if err := os.Rename(tmpDir, dest); err != nil {
		return fmt.Errorf("move engine %s into place: %w", version, err)
	}

	slog.Info("engine installed", "version", version)
	return nil
}

// validVersion accepts version strings that are safe as a single path
// component.
func validVersion(version string) bool {
	if version == "" || strings.HasPrefix(version, ".") {
		return false
	}
	return !strings.ContainsAny(version, `/\`)
}

type cdnArchive struct {
	Filename string   `json:"filename"`
	MD5      string   `json:"md5"`
	Mirrors  []string `json:"mirrors"`
}

func (i *Installer) resolveArchive(ctx context.Context, version string) (cdnArchive, error) {
	findURL := fmt.Sprintf("%s/find?category=%s&springname=%s",
		strings.TrimSuffix(i.opts.CdnBaseURL, "/"), cdnCategory(), url.QueryEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, findURL, nil)
	if err != nil {
		return cdnArchive{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return cdnArchive{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cdnArchive{}, fmt.Errorf("cdn returned %s", resp.Status)
	}

	var archives []cdnArchive
	if err := json.NewDecoder(resp.Body).Decode(&archives); err != nil {
		return cdnArchive{}, fmt.Errorf("decode cdn response: %w", err)
	}
	if len(archives) == 0 {
		return cdnArchive{}, errors.New("no engine archive found")
	}
	found := archives[0]
	if found.Filename == "" || len(found.Mirrors) == 0 {
		return cdnArchive{}, errors.New("cdn entry has no filename or mirrors")
	}
	return found, nil
}

// download fetches the archive from the first mirror into the
// downloads area, retrying with exponential backoff on transient
// failures and checksum mismatches.
func (i *Installer) download(ctx context.Context, found cdnArchive) (string, error) {
	downloads := filepath.Join(i.opts.Dir, downloadsDirName)
	if err := os.MkdirAll(downloads, 0o755); err != nil {
		return "", fmt.Errorf("create downloads dir: %w", err)
	}
	path := filepath.Join(downloads, filepath.Base(found.Filename))
	mirror := found.Mirrors[0]

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.opts.DownloadRetryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := i.opts.DownloadMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := i.fetch(ctx, mirror, found.MD5, path); err != nil {
			slog.Warn("engine download attempt failed", "mirror", mirror, "attempt", attempt, "err", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)); err != nil {
		return "", err
	}
	return path, nil
}

func (i *Installer) fetch(ctx context.Context, mirror, wantMD5, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirror returned %s", resp.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return backoff.Permanent(err)
	}
	sum := md5.New()
	_, copyErr := io.Copy(io.MultiWriter(f, sum), resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("read archive: %w", copyErr)
	}
	if closeErr != nil {
		return backoff.Permanent(closeErr)
	}

	got := hex.EncodeToString(sum.Sum(nil))
	if !strings.EqualFold(got, wantMD5) {
		return fmt.Errorf("md5 mismatch: got %s, want %s", got, wantMD5)
	}
	return nil
}

func sevenZipExtract(ctx context.Context, archive, dest string) error {
	cmd := exec.CommandContext(ctx, "7z", "x", "-y", "-o"+dest, archive)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("7z: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

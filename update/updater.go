// Package update implements the Updater's synchronous façade (spec.md
// §4.6, C6): blocking methods that feel synchronous to the service author
// but bridge request/response pairs over the dispatcher's asynchronous
// command stream, using single-shot channels and a timeout budget for
// request/response correlation.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package update

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/NVIDIA/psvcd/command"
	"github.com/NVIDIA/psvcd/install"
	"github.com/NVIDIA/psvcd/internal/checksum"
	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/internal/version"
	"github.com/NVIDIA/psvcd/metrics"
	"github.com/NVIDIA/psvcd/release"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default request/response timeout budgets (spec.md §4.6).
const (
	MetadataTimeout = 30 * time.Second
	DownloadTimeout = 90 * time.Second
)

type versionsResult struct {
	versions []string
	err      error
}

type latestResult struct {
	version string
	err     error
}

type downloadResult struct {
	version string
	err     error
}

// Updater is the client-side C6 component. It borrows a Dispatcher (does
// not own it) the same way Releaser does.
type Updater struct {
	d          *command.Dispatcher
	current    version.V
	updatePath string

	metadataTimeout time.Duration
	downloadTimeout time.Duration

	mu       sync.Mutex
	versions *slot[versionsResult]
	latest   *slot[latestResult]
	download *slot[downloadResult]

	onApplyUpdate func(ver string, restart bool)

	// progress is non-nil when the caller wants an interactive,
	// per-file download bar (EnableProgress); nil means the download
	// runs silently, the way a service-hosted updater normally does.
	progress *mpb.Progress

	metrics *metrics.Registry // optional; nil methods are no-ops
}

// SetMetrics attaches m so this Updater's handlers report against it. Safe
// to call once before the first command is dispatched; m may be nil to
// disable reporting.
func (u *Updater) SetMetrics(m *metrics.Registry) { u.metrics = m }

// EnableProgress turns on an mpb-rendered per-file progress bar for every
// subsequent download_start, the way cmd/psvcd's run mode does when given
// --progress. Not safe to toggle concurrently with an in-flight
// download.
func (u *Updater) EnableProgress() {
	u.mu.Lock()
	u.progress = mpb.New(mpb.WithWidth(40))
	u.mu.Unlock()
}

// slot holds at most one outstanding request of its kind (spec.md's
// Open Question on request correlation, resolved in SPEC_FULL.md §4: no
// wire-level request ID, instead enforce one outstanding request per kind
// and surface a second concurrent call as StateError).
type slot[T any] struct {
	waiting bool
	ch      chan T
}

func newSlot[T any]() *slot[T] { return &slot[T]{} }

// SetMetadataTimeout overrides the metadata request/response timeout
// budget (default MetadataTimeout); mainly useful for tests.
func (u *Updater) SetMetadataTimeout(d time.Duration) { u.metadataTimeout = d }

// SetDownloadTimeout overrides the download request/response timeout
// budget (default DownloadTimeout); mainly useful for tests.
func (u *Updater) SetDownloadTimeout(d time.Duration) { u.downloadTimeout = d }

// New creates an Updater bound to d and registers its receive handlers.
// current is the running version (used by CheckUpdate); updatePath is the
// staging directory stage files are written under.
func New(d *command.Dispatcher, current version.V, updatePath string) (*Updater, error) {
	u := &Updater{
		d:               d,
		current:         current,
		updatePath:      updatePath,
		metadataTimeout: MetadataTimeout,
		downloadTimeout: DownloadTimeout,
		versions:        newSlot[versionsResult](),
		latest:          newSlot[latestResult](),
		download:        newSlot[downloadResult](),
	}
	for ident, h := range map[string]command.Handler{
		release.IdentReceiveVersions:  u.handleReceiveVersions,
		release.IdentReceiveLatest:    u.handleReceiveLatest,
		release.IdentDownloadStart:    u.handleDownloadStart,
		release.IdentDownloadComplete: u.handleDownloadComplete,
		release.IdentDownloadFailed:   u.handleDownloadFailed,
		release.IdentApplyUpdate:      u.handleApplyUpdate,
	} {
		if err := d.Register(ident, h); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (s *slot[T]) begin() (chan T, error) {
	if s.waiting {
		return nil, cos.NewErrState("a request of this kind is already outstanding")
	}
	s.waiting = true
	s.ch = make(chan T, 1)
	return s.ch, nil
}

func (s *slot[T]) clear() {
	s.waiting = false
	s.ch = nil
}

func (s *slot[T]) deliver(v T) {
	if !s.waiting {
		return
	}
	s.ch <- v
	s.clear()
}

// FetchVersions requests the approved version catalog.
func (u *Updater) FetchVersions(serial int64) ([]string, error) {
	u.mu.Lock()
	ch, err := u.versions.begin()
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := u.d.SendCommand(release.IdentRequestVersions, struct{}{}, serial); err != nil {
		u.mu.Lock()
		u.versions.clear()
		u.mu.Unlock()
		return nil, err
	}
	select {
	case res := <-ch:
		return res.versions, res.err
	case <-time.After(u.metadataTimeout):
		u.mu.Lock()
		u.versions.clear()
		u.mu.Unlock()
		return nil, cos.NewErrTimeout("fetch_versions on serial %d", serial)
	}
}

func (u *Updater) handleReceiveVersions(_ context.Context, _ *command.Dispatcher, body jsoniter.RawMessage, _ int64) error {
	var versions []string
	err := json.Unmarshal(body, &versions)
	u.mu.Lock()
	u.versions.deliver(versionsResult{versions: versions, err: err})
	u.mu.Unlock()
	return nil
}

// FetchLatestVersion requests the latest approved version, "" if none.
func (u *Updater) FetchLatestVersion(serial int64) (string, error) {
	u.mu.Lock()
	ch, err := u.latest.begin()
	u.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := u.d.SendCommand(release.IdentRequestLatest, struct{}{}, serial); err != nil {
		u.mu.Lock()
		u.latest.clear()
		u.mu.Unlock()
		return "", err
	}
	select {
	case res := <-ch:
		return res.version, res.err
	case <-time.After(u.metadataTimeout):
		u.mu.Lock()
		u.latest.clear()
		u.mu.Unlock()
		return "", cos.NewErrTimeout("fetch_latest_version on serial %d", serial)
	}
}

func (u *Updater) handleReceiveLatest(_ context.Context, _ *command.Dispatcher, body jsoniter.RawMessage, _ int64) error {
	var v *string
	err := json.Unmarshal(body, &v)
	res := latestResult{err: err}
	if v != nil {
		res.version = *v
	}
	u.mu.Lock()
	u.latest.deliver(res)
	u.mu.Unlock()
	return nil
}

// CheckUpdate reports whether the remote's latest approved version is
// strictly newer than current.
func (u *Updater) CheckUpdate(serial int64) (bool, error) {
	latest, err := u.FetchLatestVersion(serial)
	if err != nil {
		return false, err
	}
	if latest == "" {
		return false, nil
	}
	lv, err := version.Parse(latest)
	if err != nil {
		return false, cos.NewErrProtocol("peer reported unparsable latest version %q: %v", latest, err)
	}
	return u.current.Less(lv), nil
}

// DownloadUpdate requests download of version (the latest approved version
// if version == ""), blocking until the transfer completes or fails, and
// returns the version actually downloaded.
func (u *Updater) DownloadUpdate(ver string, serial int64) (string, error) {
	if ver == "" {
		latest, err := u.FetchLatestVersion(serial)
		if err != nil {
			return "", err
		}
		if latest == "" {
			return "", cos.NewErrNotFound("no approved version available to download")
		}
		ver = latest
	}

	u.mu.Lock()
	ch, err := u.download.begin()
	u.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := u.d.SendCommand(release.IdentDownloadUpdate, map[string]string{"version": ver}, serial); err != nil {
		u.mu.Lock()
		u.download.clear()
		u.mu.Unlock()
		return "", err
	}
	select {
	case res := <-ch:
		return res.version, res.err
	case <-time.After(u.downloadTimeout):
		u.mu.Lock()
		u.download.clear()
		u.mu.Unlock()
		return "", cos.NewErrTimeout("download_update %q on serial %d", ver, serial)
	}
}

type downloadStartBody struct {
	Version   string              `json:"version"`
	Files     []release.FileEntry `json:"files"`
	TotalSize int64               `json:"total_size"`
	FileCount int                 `json:"file_count"`
}

// handleDownloadStart creates the stage directory and pulls every file via
// the Endpoint's file-transfer sub-protocol (spec.md §4.5), verifying size
// and checksum per entry; a mismatch deletes the partial file and delivers
// the failure on the same slot download_complete would use (spec.md §4.6:
// "the outer download_completed event is set in the failure envelope
// path" — here, the same local failure path, since there is no separate
// server round trip for a client-side verification error).
func (u *Updater) handleDownloadStart(_ context.Context, d *command.Dispatcher, body jsoniter.RawMessage, serial int64) error {
	var start downloadStartBody
	if err := json.Unmarshal(body, &start); err != nil {
		u.mu.Lock()
		u.download.deliver(downloadResult{err: cos.NewErrProtocol("decode download_start: %v", err)})
		u.mu.Unlock()
		return nil
	}

	stage := filepath.Join(u.updatePath, start.Version)
	ep := d.Endpoint()

	u.metrics.IncDownloadStarted()

	u.mu.Lock()
	progress := u.progress
	u.mu.Unlock()
	var bar *mpb.Bar
	if progress != nil {
		bar = progress.AddBar(int64(start.FileCount),
			mpb.PrependDecorators(decor.Name(start.Version+" ")),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d files")),
		)
	}

	for _, fe := range start.Files {
		target := filepath.Join(stage, filepath.FromSlash(fe.Path))
		n, err := ep.RecvFile(target, serial)
		if err != nil {
			u.failDownload(start.Version, target, cos.NewErrTransport("receive %q: %v", fe.Path, err))
			return nil
		}
		if n != fe.Size {
			u.failDownload(start.Version, target, cos.NewErrIntegrity("%q: received %d bytes, manifest declares %d", fe.Path, n, fe.Size))
			return nil
		}
		f, err := os.Open(target)
		if err != nil {
			u.failDownload(start.Version, target, cos.NewErrIO("reopen %q for verification: %v", target, err))
			return nil
		}
		ok, err := checksum.Verify(fe.Checksum, f)
		f.Close()
		if err != nil {
			u.failDownload(start.Version, target, cos.NewErrIntegrity("%q: %v", fe.Path, err))
			return nil
		}
		if !ok {
			u.failDownload(start.Version, target, cos.NewErrIntegrity("%q: checksum mismatch against manifest", fe.Path))
			return nil
		}
		u.metrics.AddBytesTransferred(n)
		if bar != nil {
			bar.Increment()
		}
	}
	return nil
}

func (u *Updater) failDownload(ver, partialFile string, err error) {
	if removeErr := os.Remove(partialFile); removeErr != nil && !os.IsNotExist(removeErr) {
		nlog.Warningf("update: cleanup of partial file %q after failure: %v", partialFile, removeErr)
	}
	u.metrics.IncDownloadFailed()
	u.mu.Lock()
	u.download.deliver(downloadResult{version: ver, err: err})
	u.mu.Unlock()
}

func (u *Updater) handleDownloadComplete(_ context.Context, _ *command.Dispatcher, body jsoniter.RawMessage, _ int64) error {
	var in struct {
		Version string `json:"version"`
	}
	_ = json.Unmarshal(body, &in)
	u.metrics.IncDownloadDone()
	u.mu.Lock()
	u.download.deliver(downloadResult{version: in.Version})
	u.mu.Unlock()
	return nil
}

func (u *Updater) handleDownloadFailed(_ context.Context, _ *command.Dispatcher, body jsoniter.RawMessage, _ int64) error {
	var in struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &in)
	u.metrics.IncDownloadFailed()
	u.mu.Lock()
	u.download.deliver(downloadResult{err: cos.NewErrNotFound("%s", in.Error)})
	u.mu.Unlock()
	return nil
}

// InstallUpdate runs the install orchestrator against the stage directory
// for ver (spec.md §4.6: "install_update(version?): see §4.7").
func (u *Updater) InstallUpdate(ver string, installer *install.Orchestrator, argv []string, rt install.ClosingStopper) (string, error) {
	stage := filepath.Join(u.updatePath, ver)
	return installer.Install(stage, argv, rt)
}

// DownloadAndInstall downloads the latest approved version and, when
// restart is true, installs it, which stops rt and hands off to the apply
// successor (spec.md §4.6 composite method). When restart is false it
// returns after the download and does not install.
func (u *Updater) DownloadAndInstall(serial int64, installer *install.Orchestrator, argv []string, rt install.ClosingStopper, restart bool) error {
	downloaded, err := u.DownloadUpdate("", serial)
	if err != nil {
		return err
	}
	if !restart {
		return nil
	}
	_, err = u.InstallUpdate(downloaded, installer, argv, rt)
	return err
}

type applyUpdateBody struct {
	Version string `json:"version"`
	Restart bool   `json:"restart"`
}

// OnApplyUpdate registers the callback invoked when the server pushes
// __apply_update__; the service runtime uses this to wire
// download+install+restart into the push channel (spec.md §4.6: "composes
// download + restart, enabling server-initiated pushes").
func (u *Updater) OnApplyUpdate(fn func(ver string, restart bool)) {
	u.mu.Lock()
	u.onApplyUpdate = fn
	u.mu.Unlock()
}

func (u *Updater) handleApplyUpdate(_ context.Context, _ *command.Dispatcher, body jsoniter.RawMessage, _ int64) error {
	var in applyUpdateBody
	if err := json.Unmarshal(body, &in); err != nil {
		return cos.NewErrProtocol("decode apply_update: %v", err)
	}
	u.mu.Lock()
	fn := u.onApplyUpdate
	u.mu.Unlock()
	if fn != nil {
		fn(in.Version, in.Restart)
	}
	return nil
}

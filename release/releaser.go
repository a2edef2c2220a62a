package release

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/psvcd/command"
	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/metrics"
)

// Wire idents (spec.md §4.4, §6). Stable wire strings, never renamed.
const (
	IdentRequestVersions  = "__request_versions__"
	IdentReceiveVersions  = "__receive_versions__"
	IdentRequestLatest    = "__request_latest_version__"
	IdentReceiveLatest    = "__receive_latest_version__"
	IdentDownloadUpdate   = "__download_update__"
	IdentDownloadStart    = "__download_start__"
	IdentDownloadComplete = "__download_complete__"
	IdentDownloadFailed   = "__download_failed__"
	IdentForceUpdate      = "__force_update__"
	IdentApplyUpdate      = "__apply_update__"
)

// Releaser registers the server-side commands that expose approved
// versions and stream their files (spec.md §4.4, C5).
type Releaser struct {
	store   *Store
	metrics *metrics.Registry // optional; nil methods are no-ops
}

// SetMetrics attaches m so this Releaser's handlers report against it.
// Safe to call once before the first command is dispatched; m may be nil
// to disable reporting.
func (r *Releaser) SetMetrics(m *metrics.Registry) { r.metrics = m }

// NewReleaser creates a Releaser over store and registers its four commands
// on d. Registration is a one-shot wiring step; call exactly once per
// Dispatcher.
func NewReleaser(store *Store, d *command.Dispatcher) (*Releaser, error) {
	r := &Releaser{store: store}
	for ident, h := range map[string]command.Handler{
		IdentRequestVersions: r.handleRequestVersions,
		IdentRequestLatest:   r.handleRequestLatest,
		IdentDownloadUpdate:  r.handleDownloadUpdate,
		IdentForceUpdate:     r.handleForceUpdate,
	} {
		if err := d.Register(ident, h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Releaser) handleRequestVersions(_ context.Context, d *command.Dispatcher, _ jsoniter.RawMessage, serial int64) error {
	versions, err := r.store.Approved()
	if err != nil {
		return err
	}
	r.metrics.IncVersionsServed()
	return d.SendCommand(IdentReceiveVersions, versions, serial)
}

func (r *Releaser) handleRequestLatest(_ context.Context, d *command.Dispatcher, _ jsoniter.RawMessage, serial int64) error {
	latest, err := r.store.Latest()
	if err != nil {
		return err
	}
	var body any
	if latest == "" {
		body = nil
	} else {
		body = latest
	}
	r.metrics.IncVersionsServed()
	return d.SendCommand(IdentReceiveLatest, body, serial)
}

type downloadUpdateBody struct {
	Version string `json:"version"`
}

type downloadStartBody struct {
	Version   string      `json:"version"`
	Files     []FileEntry `json:"files"`
	TotalSize int64       `json:"total_size"`
	FileCount int         `json:"file_count"`
}

type downloadFailedBody struct {
	Error string `json:"error"`
}

type downloadCompleteBody struct {
	Version   string `json:"version"`
	FileCount int    `json:"file_count"`
}

func (r *Releaser) handleDownloadUpdate(_ context.Context, d *command.Dispatcher, body jsoniter.RawMessage, serial int64) error {
	var in downloadUpdateBody
	if err := json.Unmarshal(body, &in); err != nil {
		r.metrics.IncDownloadFailed()
		return d.SendCommand(IdentDownloadFailed, downloadFailedBody{Error: err.Error()}, serial)
	}

	m, err := r.store.GetApproved(in.Version)
	if err != nil {
		r.metrics.IncDownloadFailed()
		return d.SendCommand(IdentDownloadFailed, downloadFailedBody{Error: err.Error()}, serial)
	}

	r.metrics.IncDownloadStarted()
	if err := d.SendCommand(IdentDownloadStart, downloadStartBody{
		Version:   m.Version,
		Files:     m.Files,
		TotalSize: m.TotalSize(),
		FileCount: len(m.Files),
	}, serial); err != nil {
		r.metrics.IncDownloadFailed()
		return err
	}

	ep := d.Endpoint()
	for _, fe := range m.Files {
		path := r.store.FilePath(m.Version, fe)
		if err := ep.SendFile(path, serial); err != nil {
			nlog.Errorf("release: stream %q for %q to serial %d: %v", fe.Path, m.Version, serial, err)
			r.metrics.IncDownloadFailed()
			return d.SendCommand(IdentDownloadFailed, downloadFailedBody{Error: err.Error()}, serial)
		}
		r.metrics.AddBytesTransferred(fe.Size)
	}

	r.metrics.IncDownloadDone()
	return d.SendCommand(IdentDownloadComplete, downloadCompleteBody{
		Version:   m.Version,
		FileCount: len(m.Files),
	}, serial)
}

type forceUpdateBody struct {
	Version string `json:"version"`
	Restart bool   `json:"restart"`
}

type applyUpdateBody struct {
	Version string `json:"version"`
	Restart bool   `json:"restart"`
}

func (r *Releaser) handleForceUpdate(_ context.Context, d *command.Dispatcher, body jsoniter.RawMessage, serial int64) error {
	var in forceUpdateBody
	if err := json.Unmarshal(body, &in); err != nil {
		return err
	}
	if _, err := r.store.GetApproved(in.Version); err != nil {
		return d.SendCommand(IdentDownloadFailed, downloadFailedBody{Error: err.Error()}, serial)
	}
	return d.SendCommand(IdentApplyUpdate, applyUpdateBody{Version: in.Version, Restart: in.Restart}, serial)
}

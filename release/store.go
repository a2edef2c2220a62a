package release

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/version"
)

// Store is the filesystem-backed release catalog: a directory whose
// immediate children are version directories (spec.md §3, §4.4).
type Store struct {
	root string
}

// NewStore opens (without yet scanning) the catalog rooted at root.
func NewStore(root string) *Store { return &Store{root: root} }

func (s *Store) versionDir(v string) string { return filepath.Join(s.root, v) }

// Scan enumerates every child directory, reads its manifest, and returns
// only those entries. Unlike Approved, Scan returns every well-formed
// manifest regardless of status — draft and deprecated entries are
// physically present but never advertised (that filtering happens in
// Approved / the __request_versions__ handler).
func (s *Store) Scan() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "release: scan %q", s.root)
	}
	var manifests []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := LoadManifest(s.versionDir(e.Name()))
		if err != nil {
			continue // not a well-formed version directory; skip it
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Approved returns the approved versions, sorted ascending, re-scanning the
// catalog on every call so in-flight promotions are visible without
// restart (spec.md §4.4).
func (s *Store) Approved() ([]string, error) {
	manifests, err := s.Scan()
	if err != nil {
		return nil, err
	}
	var vs []string
	for _, m := range manifests {
		if m.Status == StatusApproved {
			vs = append(vs, m.Version)
		}
	}
	return version.SortStrings(vs), nil
}

// Latest returns the highest approved version, or "" if none is approved.
func (s *Store) Latest() (string, error) {
	vs, err := s.Approved()
	if err != nil {
		return "", err
	}
	if len(vs) == 0 {
		return "", nil
	}
	return vs[len(vs)-1], nil
}

// Get loads the manifest for a specific version, regardless of status.
func (s *Store) Get(v string) (*Manifest, error) {
	dir := s.versionDir(v)
	if !cos.Exists(dir) {
		return nil, cos.NewErrNotFound("version %q", v)
	}
	return LoadManifest(dir)
}

// GetApproved loads v's manifest, failing with NotFoundError if v does not
// exist or is not approved — the precondition __download_update__ and
// __force_update__ both apply (spec.md §4.4).
func (s *Store) GetApproved(v string) (*Manifest, error) {
	m, err := s.Get(v)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusApproved {
		return nil, cos.NewErrNotFound("version %q is not approved (status=%s)", v, m.Status)
	}
	return m, nil
}

// FilePath resolves one manifest file entry to its absolute path on disk.
func (s *Store) FilePath(v string, entry FileEntry) string {
	return filepath.Join(s.versionDir(v), filepath.FromSlash(entry.Path))
}

// Approve transitions v from draft to approved, idempotently (spec.md §8:
// "approve(v) is idempotent: applying it twice leaves status=approved and
// the latest release_notes").
func (s *Store) Approve(v, notes string) error {
	m, err := s.Get(v)
	if err != nil {
		return err
	}
	if m.Status == StatusDeprecated {
		return cos.NewErrState("cannot approve %q: already deprecated (forward-only transitions)", v)
	}
	m.Status = StatusApproved
	if notes != "" {
		m.ReleaseNotes = notes
	}
	return SaveManifest(s.versionDir(v), m)
}

// Rollback marks v deprecated with rollbackTarget recorded, after validating
// that rollbackTarget names a version that exists in the catalog and is, or
// was, approved (a supplement from the original source, SPEC_FULL §3:
// original comp.py rejects rollback to an unknown or never-approved
// version). Status transitions are forward-only (draft -> approved ->
// deprecated), so "was approved" means status is approved or deprecated;
// a draft was never approved and is rejected.
func (s *Store) Rollback(v, rollbackTarget string) error {
	m, err := s.Get(v)
	if err != nil {
		return err
	}
	target, err := s.Get(rollbackTarget)
	if err != nil {
		return errors.Wrapf(err, "release: rollback target %q", rollbackTarget)
	}
	if target.Status != StatusApproved && target.Status != StatusDeprecated {
		return cos.NewErrState("release: rollback target %q is not (or was never) approved (status=%s)", rollbackTarget, target.Status)
	}
	m.Status = StatusDeprecated
	m.RollbackTarget = &rollbackTarget
	return SaveManifest(s.versionDir(v), m)
}

package release_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/psvcd/command"
	"github.com/NVIDIA/psvcd/endpoint"
	"github.com/NVIDIA/psvcd/internal/checksum"
	"github.com/NVIDIA/psvcd/release"
)

func buildApprovedVersion(t *testing.T, releaseRoot, v string, files map[string][]byte) {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store := release.NewStore(releaseRoot)
	b := &release.Builder{Store: store, Checksum: checksum.SHA256}
	if _, err := b.Build(release.BuildOpts{Version: v, SourceDir: src}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := store.Approve(v, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
}

func connectPair(t *testing.T) (serverEp, clientEp *endpoint.Endpoint, serverSerial, clientSerial int64) {
	t.Helper()
	serverEp = endpoint.New(nil, 0)
	lnSerial, err := serverEp.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	port := serverEp.ListenerPort(lnSerial)
	time.Sleep(time.Millisecond)

	clientEp = endpoint.New(nil, 0)
	clientSerial, err = clientEp.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(time.Millisecond)
	return serverEp, clientEp, 0, clientSerial
}

func TestFullDownloadWithVerification(t *testing.T) {
	releaseRoot := t.TempDir()
	files := map[string][]byte{
		"bin/psvcd":      make([]byte, 1024),
		"lib/module.txt": []byte("hello module"),
		"README.md":      []byte("release notes"),
	}
	buildApprovedVersion(t, releaseRoot, "1.0.0", files)

	store := release.NewStore(releaseRoot)
	serverEp, clientEp, _, clientSerial := connectPair(t)
	defer serverEp.CloseAll()
	defer clientEp.CloseAll()

	serverDisp := command.New(serverEp)
	if _, err := release.NewReleaser(store, serverDisp); err != nil {
		t.Fatalf("NewReleaser: %v", err)
	}
	go serverDisp.ReceiveLoop(context.Background())

	clientDisp := command.New(clientEp)

	stageDir := t.TempDir()
	downloadDone := make(chan error, 1)
	var gotFiles []release.FileEntry

	if err := clientDisp.Register(release.IdentDownloadStart, func(_ context.Context, d *command.Dispatcher, body jsoniter.RawMessage, serial int64) error {
		var start struct {
			Version string              `json:"version"`
			Files   []release.FileEntry `json:"files"`
		}
		if err := jsoniter.Unmarshal(body, &start); err != nil {
			return err
		}
		gotFiles = start.Files
		ep := d.Endpoint()
		for _, fe := range start.Files {
			target := filepath.Join(stageDir, filepath.FromSlash(fe.Path))
			if _, err := ep.RecvFile(target, serial); err != nil {
				downloadDone <- err
				return nil
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := clientDisp.Register(release.IdentDownloadComplete, func(context.Context, *command.Dispatcher, jsoniter.RawMessage, int64) error {
		downloadDone <- nil
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := clientDisp.Register(release.IdentDownloadFailed, func(_ context.Context, _ *command.Dispatcher, body jsoniter.RawMessage, _ int64) error {
		downloadDone <- errDownloadFailed(string(body))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	go clientDisp.ReceiveLoop(context.Background())

	if err := clientDisp.SendCommand(release.IdentDownloadUpdate, map[string]string{"version": "1.0.0"}, clientSerial); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	select {
	case err := <-downloadDone:
		if err != nil {
			t.Fatalf("download failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("download did not complete within 10s")
	}

	if len(gotFiles) != len(files) {
		t.Fatalf("got %d files, want %d", len(gotFiles), len(files))
	}
	for _, fe := range gotFiles {
		target := filepath.Join(stageDir, filepath.FromSlash(fe.Path))
		info, err := os.Stat(target)
		if err != nil {
			t.Fatalf("stat %q: %v", target, err)
		}
		if info.Size() != fe.Size {
			t.Fatalf("%q size = %d, want %d", fe.Path, info.Size(), fe.Size)
		}
		f, err := os.Open(target)
		if err != nil {
			t.Fatal(err)
		}
		ok, err := checksum.Verify(fe.Checksum, f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("%q checksum mismatch", fe.Path)
		}
	}
}

type errDownloadFailed string

func (e errDownloadFailed) Error() string { return string(e) }

//go:build unix

package sshserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/internal/eventbus"
	"pkt.systems/mgdocker/internal/process"
	"pkt.systems/pslog"
)

func TestParseCommand(t *testing.T) {
	task, resource, err := parseCommand([]string{"pull", "web"})
	if err != nil || task != "pull" || resource != "web" {
		t.Fatalf("unexpected parse: %q %q %v", task, resource, err)
	}
	task, resource, err = parseCommand([]string{"prune_images"})
	if err != nil || task != "prune_images" || resource != "" {
		t.Fatalf("unexpected parse: %q %q %v", task, resource, err)
	}
	if _, _, err := parseCommand(nil); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, _, err := parseCommand([]string{"pull", "a", "b"}); err == nil {
		t.Fatalf("expected error for extra arguments")
	}
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	w := crlfWriter{w: &buf}
	n, err := w.Write([]byte("one\ntwo\r\n"))
	if err != nil || n != 9 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if buf.String() != "one\r\ntwo\r\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

// fakeDocker writes an executable that stands in for the docker binary.
func fakeDocker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	script := "#!/bin/sh\necho \"Deleted: sha256:$1\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func startServer(t *testing.T, clientKey ssh.PublicKey) string {
	t.Helper()
	logger := pslog.NewWithOptions(&bytes.Buffer{}, pslog.Options{Mode: pslog.ModeStructured})
	bus := eventbus.New(logger)
	t.Cleanup(func() { _ = bus.Close() })
	manager, err := core.NewManager(core.ManagerConfig{}, core.ManagerDeps{
		Bus:        bus,
		Dispatcher: core.NewDispatcher(nil, fakeDocker(t)),
		Runner:     core.NewTaskRunner(process.NewLauncher()),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	dir := t.TempDir()
	authorized := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(authorized, ssh.MarshalAuthorizedKey(clientKey), 0o600); err != nil {
		t.Fatalf("write authorized keys: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &Server{
		HostKeyPath:        filepath.Join(dir, "host_key"),
		AuthorizedKeysPath: authorized,
		Listener:           ln,
		Sessions:           manager,
		logger:             logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = manager.Wait(context.Background())
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string, signer ssh.Signer) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "operator",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func clientSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func TestSessionStreamsPrune(t *testing.T) {
	signer := clientSigner(t)
	addr := startServer(t, signer.PublicKey())
	client := dial(t, addr, signer)

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	out, err := sess.Output("prune_images")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "docker image prune --all --force\nDeleted: sha256:image\n"
	if string(out) != want {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSessionRejectsUnknownTask(t *testing.T) {
	signer := clientSigner(t)
	addr := startServer(t, signer.PublicKey())
	client := dial(t, addr, signer)

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	var stderr bytes.Buffer
	sess.Stderr = &stderr
	err = sess.Run("reboot")
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
	if !strings.Contains(stderr.String(), "Something went wrong") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestUnauthorizedKeyIsRejected(t *testing.T) {
	addr := startServer(t, clientSigner(t).PublicKey())
	_, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "operator",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientSigner(t))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected authentication failure")
	}
}

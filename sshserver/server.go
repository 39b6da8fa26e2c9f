package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/internal/logx"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

const usage = "usage: ssh <host> <pull|update|get_config> <resource>\n       ssh <host> prune_images\n"

// SessionOpener starts or attaches to task runs.
type SessionOpener interface {
	Open(ctx context.Context, taskName, resource string) (*core.Session, error)
}

// Server streams task runs to SSH clients: `ssh host <task> [resource]`.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	Listener           net.Listener
	Sessions           SessionOpener
	logger             pslog.Logger
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Sessions == nil {
		return errors.New("session opener is required for SSH")
	}
	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}
	if _, err := loadAuthorizedKeys(s.AuthorizedKeysPath); err != nil {
		return err
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	keys, err := loadAuthorizedKeys(s.AuthorizedKeysPath)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !keyAuthorized(keys, key) {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

// parseCommand splits the remote command into a task name and resource.
func parseCommand(args []string) (task, resource string, err error) {
	switch len(args) {
	case 1:
		return args[0], "", nil
	case 2:
		return args[0], args[1], nil
	default:
		return "", "", errors.New("expected a task and an optional resource")
	}
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	taskName, resource, err := parseCommand(sess.Command())
	if err != nil {
		_, _ = io.WriteString(sess.Stderr(), usage)
		_ = sess.Exit(2)
		return
	}
	ctx := pslog.ContextWithLogger(sess.Context(), log)
	session, err := s.Sessions.Open(ctx, taskName, resource)
	if err != nil {
		log.Warn("ssh task rejected", "task", taskName, "resource", resource, "err", err)
		_, _ = fmt.Fprintf(sess.Stderr(), "Something went wrong: %v\n", err)
		_ = sess.Exit(1)
		return
	}
	defer session.Close()
	log = logx.WithSession(logx.WithRun(logx.WithTask(log, taskName, resource), string(session.RunID())), session.ID())
	log.Info("ssh session opened", "key", session.Key(), "attached", session.Attached())

	_, _, isPty := sess.Pty()
	out := io.Writer(sess)
	if isPty {
		out = crlfWriter{w: sess}
	}
	code := relay(ctx, session, out, sess.Stderr())
	log.Info("ssh session closed", "exit", code)
	_ = sess.Exit(code)
}

// relay copies session events to the client and returns the exit status:
// 0 after done, 1 after failed or closed, 130 when the client went away.
func relay(ctx context.Context, session *core.Session, out, errOut io.Writer) int {
	for {
		event, err := session.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0
			}
			return 130
		}
		switch event.Type {
		case schema.EventOutput, schema.EventMarker:
			_, _ = io.WriteString(out, event.Data)
		case schema.EventDone:
			return 0
		case schema.EventFailed:
			_, _ = fmt.Fprintf(errOut, "error: %s\n", event.Data)
			return 1
		case schema.EventClosed:
			_, _ = fmt.Fprintf(errOut, "stream closed: %s\n", event.Data)
			return 1
		}
	}
}

type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	text := strings.ReplaceAll(string(p), "\r\n", "\n")
	if _, err := io.WriteString(c.w, strings.ReplaceAll(text, "\n", "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

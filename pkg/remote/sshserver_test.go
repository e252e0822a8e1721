package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	camssh "github.com/liliang-cn/camsync/pkg/ssh"
	"golang.org/x/crypto/ssh"
)

// fakeCamera is an in-process SSH server that understands the handful of
// commands the transport sends, backed by an in-memory file map.
type fakeCamera struct {
	t *testing.T

	mu         sync.Mutex
	files      map[string]string
	findOutput string
	findStderr string
	findExit   int
	sizeDelta  int // added to every wc -c answer
	cmdHistory []string
	dials      int
	dialErr    error
}

func newFakeCamera(t *testing.T, files map[string]string) *fakeCamera {
	if files == nil {
		files = make(map[string]string)
	}
	return &fakeCamera{t: t, files: files}
}

func (f *fakeCamera) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmdHistory...)
}

func (f *fakeCamera) remaining() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

// Connect implements Dialer.
func (f *fakeCamera) Connect(ctx context.Context, spec camssh.HostSpec) (*ssh.Client, error) {
	f.mu.Lock()
	f.dials++
	dialErr := f.dialErr
	f.mu.Unlock()
	if dialErr != nil {
		return nil, dialErr
	}

	// Use a real TCP listener to avoid net.Pipe deadlocks during handshake
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		f.serve(conn)
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            "pi",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, l.Addr().String(), config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (f *fakeCamera) serve(c net.Conn) {
	defer c.Close()

	config := &ssh.ServerConfig{NoClientAuth: true}
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)
	config.AddHostKey(signer)

	_, chans, reqs, err := ssh.NewServerConn(c, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(ch ssh.Channel, in <-chan *ssh.Request) {
			for req := range in {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				n := binary.BigEndian.Uint32(req.Payload[:4])
				cmd := string(req.Payload[4 : 4+n])
				req.Reply(true, nil)

				stdout, stderr, code := f.handle(cmd)
				ch.Write([]byte(stdout))
				ch.Stderr().Write([]byte(stderr))
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ ExitStatus uint32 }{uint32(code)}))
				ch.Close()
			}
		}(channel, requests)
	}
}

func (f *fakeCamera) handle(cmd string) (stdout, stderr string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmdHistory = append(f.cmdHistory, cmd)

	switch {
	case strings.HasPrefix(cmd, "find "):
		return f.findOutput, f.findStderr, f.findExit
	case strings.HasPrefix(cmd, "wc -c < "):
		p := unquote(strings.TrimPrefix(cmd, "wc -c < "))
		content, ok := f.files[p]
		if !ok {
			return "", fmt.Sprintf("sh: %s: No such file or directory\n", p), 1
		}
		return fmt.Sprintf("%d\n", len(content)+f.sizeDelta), "", 0
	case strings.HasPrefix(cmd, "cat -- "):
		p := unquote(strings.TrimPrefix(cmd, "cat -- "))
		content, ok := f.files[p]
		if !ok {
			return "", "cat: " + p + ": No such file or directory\n", 1
		}
		return content, "", 0
	case strings.HasPrefix(cmd, "rm -f -- "):
		delete(f.files, unquote(strings.TrimPrefix(cmd, "rm -f -- ")))
		return "", "", 0
	}
	return "", "unknown command\n", 127
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "'")
	s = strings.TrimSuffix(s, "'")
	return strings.ReplaceAll(s, `'\''`, "'")
}

var errRefused = errors.New("dial tcp 10.0.0.9:22: connect: connection refused")

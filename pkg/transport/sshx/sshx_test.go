package sshx

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"chunkvault/pkg/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

// startServer 启动一个最小的 SSH 服务：接受 exec 请求，记录命令，
// 然后把 stdin 原样写回 stdout
func startServer(t *testing.T, hostKey ssh.Signer) (string, <-chan string) {
	t.Helper()
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "alice" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	commands := make(chan string, 4)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg, commands)
		}
	}()
	return ln.Addr().String(), commands
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, commands chan<- string) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var exec struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &exec)
				commands <- exec.Command
				_ = req.Reply(true, nil)

				go func() {
					_, _ = io.Copy(ch, ch)
					_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
					_ = ch.Close()
				}()
			}
		}()
	}
}

func knownHostsFile(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))
	return path
}

func TestDial_RunsServeCommand(t *testing.T) {
	hostKey := newSigner(t)
	addr, commands := startServer(t, hostKey)

	ch, err := Dial(context.Background(), Config{
		Addr:       addr,
		User:       "alice",
		Path:       "/srv/repo's",
		KnownHosts: knownHostsFile(t, addr, hostKey.PublicKey()),
		Auth:       []ssh.AuthMethod{ssh.Password("secret")},
	})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, `cv serve --stdio '/srv/repo'\''s'`, <-commands)

	_, err = ch.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(ch, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestDial_UnknownHostKeyIsFatal(t *testing.T) {
	hostKey := newSigner(t)
	addr, _ := startServer(t, hostKey)

	_, err := Dial(context.Background(), Config{
		Addr:       addr,
		User:       "alice",
		KnownHosts: knownHostsFile(t, addr, newSigner(t).PublicKey()),
		Auth:       []ssh.AuthMethod{ssh.Password("secret")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.NegotiationFailure)
	assert.False(t, fault.IsRetryable(err))
}

func TestDial_BadPassword(t *testing.T) {
	hostKey := newSigner(t)
	addr, _ := startServer(t, hostKey)

	_, err := Dial(context.Background(), Config{
		Addr:            addr,
		User:            "alice",
		HostKeyCallback: ssh.FixedHostKey(hostKey.PublicKey()),
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
	})
	require.Error(t, err)
	assert.False(t, fault.IsRetryable(err))
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Config{
		Addr:            addr,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth:            []ssh.AuthMethod{},
	})
	assert.ErrorIs(t, err, fault.IOError)
	assert.True(t, fault.IsRetryable(err))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", quote("plain"))
	assert.Equal(t, `'a'\''b'`, quote("a'b"))
}

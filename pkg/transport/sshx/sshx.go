// Package sshx 通过 SSH 连接远端仓库：在远端执行 `cv serve --stdio <path>`，
// 会话的 stdin/stdout 就是协议的字节流。
package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/transport"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultCommand 是远端执行的服务命令，仓库路径追加在后面
const DefaultCommand = "cv serve --stdio"

// Config 描述一次 SSH 连接
type Config struct {
	Addr    string // host:port，缺省端口 22
	User    string
	Path    string // 远端仓库路径
	Command string

	KnownHosts    string   // 缺省 ~/.ssh/known_hosts
	IdentityFiles []string // 缺省 ~/.ssh/id_ed25519, ~/.ssh/id_rsa

	// 以下字段非空时覆盖上面的默认行为
	HostKeyCallback ssh.HostKeyCallback
	Auth            []ssh.AuthMethod

	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *Config) addr() string {
	if _, _, err := net.SplitHostPort(c.Addr); err == nil {
		return c.Addr
	}
	return net.JoinHostPort(c.Addr, "22")
}

func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	home, _ := os.UserHomeDir()

	hostKey := c.HostKeyCallback
	if hostKey == nil {
		path := c.KnownHosts
		if path == "" {
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", path, err)
		}
		hostKey = cb
	}

	auth := c.Auth
	if auth == nil {
		auth = defaultAuth(home, c.IdentityFiles)
	}

	user := c.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

// defaultAuth 依次尝试 ssh-agent 和私钥文件
func defaultAuth(home string, files []string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(files) == 0 {
		files = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	var signers []ssh.Signer
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		s, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			// 加密的私钥交给 agent 处理
			continue
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

// quote 用单引号包住参数，交给远端 shell
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Dial 建立 SSH 连接并启动远端服务
func Dial(ctx context.Context, cfg Config) (transport.Channel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, fault.New(fault.NegotiationFailure, "sshx.dial", err)
	}

	// 1. TCP 连接遵循 ctx
	addr := cfg.addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fault.New(fault.IOError, "sshx.dial", err)
	}

	// 2. SSH 握手 (主机密钥校验、认证)
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		// 网络错误可以重试；主机密钥或认证失败不行
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, io.EOF) {
			return nil, fault.New(fault.IOError, "sshx.handshake", err)
		}
		return nil, fault.Fatal(fault.NegotiationFailure, "sshx.handshake", err)
	}
	client := ssh.NewClient(sc, chans, reqs)

	// 3. 启动远端命令
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fault.New(fault.IOError, "sshx.session", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, fault.New(fault.IOError, "sshx.session", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, fault.New(fault.IOError, "sshx.session", err)
	}
	ch := &sessionChannel{client: client, sess: sess, stdin: stdin, stdout: stdout, logger: logger}
	sess.Stderr = &ch.stderr

	command := cfg.Command
	if command == "" {
		command = DefaultCommand
	}
	command += " " + quote(cfg.Path)
	if err := sess.Start(command); err != nil {
		_ = client.Close()
		return nil, fault.New(fault.IOError, "sshx.exec", err)
	}
	logger.Debug("ssh session started", slog.String("addr", addr), slog.String("command", command))
	return ch, nil
}

// syncBuffer 收集远端 stderr
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sessionChannel struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr syncBuffer
	logger *slog.Logger
	once   sync.Once
}

func (c *sessionChannel) Read(p []byte) (int, error) {
	n, err := c.stdout.Read(p)
	if err != nil && err != io.EOF {
		err = fault.New(fault.IOError, "sshx.read", err)
	}
	return n, err
}

func (c *sessionChannel) Write(p []byte) (int, error) {
	n, err := c.stdin.Write(p)
	if err != nil {
		err = fault.New(fault.IOError, "sshx.write", err)
	}
	return n, err
}

// Close 关闭 stdin，让远端服务看到 EOF 后退出，然后断开连接
func (c *sessionChannel) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stdin.Close()
		if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
			c.logger.Debug("remote stderr", slog.String("output", msg))
		}
		_ = c.sess.Close()
		err = c.client.Close()
	})
	return err
}

package gateway

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/spec"
)

// SSHConfig holds the defaults used for ssh targets. An address of the form
// user@host:port overrides User and Port.
type SSHConfig struct {
	User         string
	IdentityFile string
	KnownHosts   string
	Port         int
}

const defaultKnownHosts = "~/.ssh/known_hosts"

// sshTarget is a parsed ssh spec address.
type sshTarget struct {
	user string
	host string
	port int
}

func parseSSHAddress(addr string, cfg SSHConfig) sshTarget {
	t := sshTarget{user: cfg.User, port: cfg.Port}
	if t.port == 0 {
		t.port = 22
	}
	if user, rest, ok := strings.Cut(addr, "@"); ok {
		t.user = user
		addr = rest
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = host
		if p, err := strconv.Atoi(port); err == nil {
			t.port = p
		}
	}
	t.host = addr
	if t.user == "" {
		t.user = os.Getenv("USER")
	}
	return t
}

func (d *Dialer) sshClientConfig(user string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if d.cfg.SSH.IdentityFile != "" {
		path, err := homedir.Expand(d.cfg.SSH.IdentityFile)
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewConfigurationError("cannot read ssh identity file", err).WithPath(path)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.NewConfigurationError("cannot parse ssh identity file", err).WithPath(path)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(auth) == 0 {
		return nil, errors.NewConfigurationError("no ssh credentials: set ssh.identity_file or run ssh-agent", nil)
	}

	khPath := d.cfg.SSH.KnownHosts
	if khPath == "" {
		khPath = defaultKnownHosts
	}
	khPath, err := homedir.Expand(khPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownhosts.New(khPath)
	if err != nil {
		return nil, errors.NewConfigurationError("cannot load known_hosts", err).WithPath(khPath)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
	}, nil
}

func (d *Dialer) openSSH(ctx context.Context, id string, ts spec.TargetSpec) (Gateway, error) {
	target := parseSSHAddress(ts.Address, d.cfg.SSH)
	clientCfg, err := d.sshClientConfig(target.user)
	if err != nil {
		var cfgErr *errors.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, cfgErr.WithSpec(ts.Raw)
		}
		return nil, err
	}

	addr := net.JoinHostPort(target.host, strconv.Itoa(target.port))
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewTransportError("dial", err).WithGatewayID(id)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, errors.NewTransportError("ssh handshake", err).WithGatewayID(id)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, errors.NewTransportError("ssh session", err).WithGatewayID(id)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, errors.NewTransportError("ssh session", err).WithGatewayID(id)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, errors.NewTransportError("ssh session", err).WithGatewayID(id)
	}
	sess.Stderr = os.Stderr

	if err := sess.Start(remoteCommand(ts, d.workerArgv())); err != nil {
		_ = client.Close()
		return nil, errors.NewTransportError("ssh start", err).WithGatewayID(id)
	}

	tr := NewStreamTransport(pipeRWC{Reader: stdout, WriteCloser: stdin})
	conn, err := NewConn(id, ts, tr, d.connOptions(WithKill(func() error {
		_ = sess.Signal(ssh.SIGKILL)
		return client.Close()
	}))...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	go func() {
		<-conn.Done()
		_ = sess.Wait()
		_ = client.Close()
	}()
	return conn, nil
}

// remoteCommand builds the shell line run on the ssh host.
func remoteCommand(ts spec.TargetSpec, argv []string) string {
	var b strings.Builder
	if ts.Chdir != "" {
		q := shellQuote(ts.Chdir)
		b.WriteString("mkdir -p " + q + " && cd " + q + " && ")
	}
	for _, kv := range envList(ts.Env) {
		k, v, _ := strings.Cut(kv, "=")
		b.WriteString(k + "=" + shellQuote(v) + " ")
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	b.WriteString("exec " + strings.Join(quoted, " "))
	return b.String()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package gateway

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/logging"
	"github.com/Iron-Ham/distrun/internal/spec"
)

// SocketPath is the websocket endpoint served by a worker host.
const SocketPath = "/distrun"

// DialerConfig configures how gateways are started.
type DialerConfig struct {
	// Command is the worker host program and its leading arguments.
	Command []string
	Codec   codec.Codec
	SSH     SSHConfig
	Logger  *logging.Logger
}

// Dialer is the Factory used by the coordinator. It starts popen workers
// as subprocesses, ssh workers through an SSH session and connects to
// socket workers over a websocket.
type Dialer struct {
	cfg DialerConfig
	ws  *websocket.Dialer
}

var _ Factory = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer(cfg DialerConfig) *Dialer {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"distrun-worker"}
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.MsgPack()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Dialer{cfg: cfg, ws: websocket.DefaultDialer}
}

// Open starts the gateway for ts.
func (d *Dialer) Open(ctx context.Context, id string, ts spec.TargetSpec) (Gateway, error) {
	d.cfg.Logger.Debug("opening gateway", "worker_id", id, "spec", ts.String())
	switch ts.Kind {
	case spec.KindPopen:
		return d.openPopen(id, ts)
	case spec.KindSSH:
		return d.openSSH(ctx, id, ts)
	case spec.KindSocket:
		return d.openSocket(ctx, id, ts)
	default:
		return nil, errors.NewConfigurationError(
			fmt.Sprintf("unsupported transport kind %q", ts.Kind), errors.ErrInvalidSpec).WithSpec(ts.Raw)
	}
}

// workerArgv returns the worker command line for this dialer's codec.
func (d *Dialer) workerArgv() []string {
	argv := append([]string{}, d.cfg.Command...)
	return append(argv, "--codec="+d.cfg.Codec.Name())
}

func (d *Dialer) connOptions(extra ...ConnOption) []ConnOption {
	opts := []ConnOption{
		WithCodec(d.cfg.Codec),
		WithLogger(d.cfg.Logger),
	}
	return append(opts, extra...)
}

func (d *Dialer) openPopen(id string, ts spec.TargetSpec) (Gateway, error) {
	argv := d.workerArgv()
	cmd := exec.Command(argv[0], argv[1:]...)
	if ts.Chdir != "" {
		if err := os.MkdirAll(ts.Chdir, 0755); err != nil {
			return nil, errors.NewConfigurationError("cannot create worker directory", err).
				WithPath(ts.Chdir).WithSpec(ts.Raw)
		}
		cmd.Dir = ts.Chdir
	}
	cmd.Env = append(os.Environ(), envList(ts.Env)...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.NewTransportError("spawn", err).WithGatewayID(id)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewTransportError("spawn", err).WithGatewayID(id)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.NewTransportError("spawn", err).WithGatewayID(id)
	}

	tr := NewStreamTransport(pipeRWC{Reader: stdout, WriteCloser: stdin})
	conn, err := NewConn(id, ts, tr, d.connOptions(WithKill(func() error {
		return cmd.Process.Kill()
	}))...)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	go func() {
		<-conn.Done()
		if err := cmd.Wait(); err != nil {
			d.cfg.Logger.Debug("worker process exited", "worker_id", id, "error", err)
		}
	}()
	return conn, nil
}

func (d *Dialer) openSocket(ctx context.Context, id string, ts spec.TargetSpec) (Gateway, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     ts.Address,
		Path:     SocketPath,
		RawQuery: url.Values{"codec": {d.cfg.Codec.Name()}}.Encode(),
	}
	ws, _, err := d.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.NewTransportError("dial", err).WithGatewayID(id)
	}
	return NewConn(id, ts, NewWSTransport(ws), d.connOptions()...)
}

// envList renders env as sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

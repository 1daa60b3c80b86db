package manager

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/template"
	"time"

	"github.com/golang/glog"
	"golang.org/x/crypto/ssh"

	"github.com/ianwong123/spot-manager/spot-manager/internal/config"
	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// Provisioner prepares instances for work and shuts them down
type Provisioner interface {
	Setup(ctx context.Context, inst *provider.Instance, spec config.UtilitySpec) error
	Teardown(ctx context.Context, inst *provider.Instance) error
	// Required reports whether instances need Setup at all
	Required() bool
}

// NoneProvisioner is used when instances configure themselves from user data
type NoneProvisioner struct{}

func (NoneProvisioner) Setup(ctx context.Context, inst *provider.Instance, spec config.UtilitySpec) error {
	return nil
}

func (NoneProvisioner) Teardown(ctx context.Context, inst *provider.Instance) error {
	return nil
}

func (NoneProvisioner) Required() bool {
	return false
}

// commandData is what setup and teardown command templates can use
type commandData struct {
	InstanceID   string
	InstanceType string
	Zone         string
	PrivateIP    string
	Utility      float64
	Drives       []config.DriveSpec
}

// SSHProvisioner runs shell commands on the instance over ssh. Commands
// are text/template strings over commandData, e.g.
// "mkfs.ext4 /dev/xvdb && mount /dev/xvdb {{(index .Drives 0).Path}}".
type SSHProvisioner struct {
	sshConfig *ssh.ClientConfig
	port      int
	timeout   time.Duration
	setup     []*template.Template
	teardown  []*template.Template
}

// KeyAuth reads a private key file for ssh public key authentication
func KeyAuth(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// NewSSHProvisioner builds a provisioner from cfg. auth may be nil when the
// hosts accept the "none" method.
func NewSSHProvisioner(cfg config.SSHConfig, auth ssh.AuthMethod) (*SSHProvisioner, error) {
	p := &SSHProvisioner{
		sshConfig: &ssh.ClientConfig{
			User: cfg.User,
			// spot instances are new machines whose host keys cannot be known ahead
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.Timeout,
		},
		port:    cfg.Port,
		timeout: cfg.Timeout,
	}
	if auth != nil {
		p.sshConfig.Auth = []ssh.AuthMethod{auth}
	}
	if p.port == 0 {
		p.port = 22
	}

	var err error
	if p.setup, err = parseCommands("setup", cfg.SetupCommands); err != nil {
		return nil, err
	}
	if p.teardown, err = parseCommands("teardown", cfg.TeardownCommands); err != nil {
		return nil, err
	}
	return p, nil
}

func parseCommands(name string, commands []string) ([]*template.Template, error) {
	out := make([]*template.Template, 0, len(commands))
	for i, c := range commands {
		t, err := template.New(fmt.Sprintf("%s-%d", name, i)).Option("missingkey=error").Parse(c)
		if err != nil {
			return nil, fmt.Errorf("bad %s command %d: %w", name, i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *SSHProvisioner) Required() bool {
	return len(p.setup) > 0
}

func (p *SSHProvisioner) Setup(ctx context.Context, inst *provider.Instance, spec config.UtilitySpec) error {
	data := commandData{
		InstanceID:   inst.ID,
		InstanceType: inst.InstanceType,
		Zone:         inst.Zone,
		PrivateIP:    inst.PrivateIP,
		Utility:      spec.Utility,
		Drives:       spec.Drives,
	}
	return p.run(ctx, inst, p.setup, data)
}

func (p *SSHProvisioner) Teardown(ctx context.Context, inst *provider.Instance) error {
	if len(p.teardown) == 0 {
		return nil
	}
	data := commandData{
		InstanceID:   inst.ID,
		InstanceType: inst.InstanceType,
		Zone:         inst.Zone,
		PrivateIP:    inst.PrivateIP,
	}
	return p.run(ctx, inst, p.teardown, data)
}

// run executes commands in order on the instance, stopping at the first failure
func (p *SSHProvisioner) run(ctx context.Context, inst *provider.Instance, commands []*template.Template, data commandData) error {
	if inst.PrivateIP == "" {
		return fmt.Errorf("instance %s has no address", inst.ID)
	}
	client, err := p.dial(ctx, inst.PrivateIP)
	if err != nil {
		return err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	for _, t := range commands {
		var cmd bytes.Buffer
		if err := t.Execute(&cmd, data); err != nil {
			return fmt.Errorf("failed to render %s: %w", t.Name(), err)
		}
		if err := runCommand(client, cmd.String()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s on %s: %w", t.Name(), inst.ID, err)
		}
		glog.V(2).Infof("ran %s on %s", t.Name(), inst.ID)
	}
	return nil
}

func (p *SSHProvisioner) dial(ctx context.Context, host string) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(p.port))
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, p.sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open SSH connection: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// runCommand executes a command via SSH
func runCommand(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	if err := session.Run(command); err != nil {
		return fmt.Errorf("failed to run command: %w, stderr: %s", err, stderr.String())
	}
	return nil
}

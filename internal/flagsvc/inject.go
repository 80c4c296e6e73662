package flagsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/csai/vm-range-controller/internal/config"
)

// Credentials for the remote shell used only during flag placement.
type Credentials struct {
	User     string
	Password string
}

// Injector writes generated flags into a running guest over SSH. A failure
// here never fails session start; the authoritative flag values live in the
// session record.
type Injector struct {
	cfg config.InjectionConfig
	log *slog.Logger
}

func NewInjector(cfg config.InjectionConfig, logger *slog.Logger) *Injector {
	return &Injector{cfg: cfg, log: logger}
}

// Inject writes the flag to its primary candidate path, falling back to the
// remaining paths. The whole operation retries with backoff because guests
// refuse connections for a while after boot.
func (i *Injector) Inject(ctx context.Context, addr string, creds Credentials, flag Flag) error {
	if len(flag.Paths) == 0 {
		return fmt.Errorf("no candidate paths for %s flag", flag.Type)
	}

	op := func() error {
		client, err := i.dial(addr, creds)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer client.Close()

		var lastErr error
		for _, path := range flag.Paths {
			if err := writeFlag(client, flag.Value, path); err != nil {
				lastErr = err
				i.log.Debug("flag_path_failed",
					slog.String("flag_type", flag.Type),
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			return nil
		}
		return fmt.Errorf("all candidate paths failed: %w", lastErr)
	}

	bo := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(time.Duration(i.cfg.BackoffBaseSeconds)*time.Second),
		uint64(i.cfg.MaxAttempts-1),
	)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (i *Injector) dial(addr string, creds Credentials) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Duration(i.cfg.DialTimeoutSeconds) * time.Second,
	}
	return ssh.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(i.cfg.SSHPort)), cfg)
}

func writeFlag(client *ssh.Client, value, path string) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	cmd := fmt.Sprintf("umask 077 && printf '%%s\\n' %s > %s", shellQuote(value), shellQuote(path))
	if err := sess.Run(cmd); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

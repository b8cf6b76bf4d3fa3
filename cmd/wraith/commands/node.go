package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/multiformats/go-multiaddr"

	wraith "github.com/doublegate/WRAITH-Protocol-sub010"
	"github.com/doublegate/WRAITH-Protocol-sub010/golog"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transfer"
)

const (
	defaultConfigPath   = "~/.wraith/config.toml"
	defaultIdentityPath = "~/.wraith/identity.key"
	defaultListenAddr   = "/ip4/0.0.0.0/udp/7420"
)

// loadFileConfig reads the config file. A missing default config file is
// not an error.
func loadFileConfig() (*wraith.FileConfig, error) {
	path, err := homedir.Expand(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && configPath == defaultConfigPath {
		return &wraith.FileConfig{}, nil
	}
	return wraith.LoadConfigFile(path)
}

// resolveIdentityPath returns the identity key path from the flag, the
// config file or the default, with ~ expanded.
func resolveIdentityPath(fc *wraith.FileConfig) (string, error) {
	path := identityPath
	if path == "" {
		path = fc.Identity
	}
	if path == "" {
		path = defaultIdentityPath
	}
	return homedir.Expand(path)
}

// buildConfig assembles a node configuration from the config file and
// flags.
func buildConfig(extra ...wraith.ConfigOption) (*wraith.Config, error) {
	fc, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	keyPath, err := resolveIdentityPath(fc)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.LoadKeyFile(keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no identity at %s; run 'wraith keygen' first", keyPath)
		}
		return nil, err
	}

	listen := listenAddr
	if listen == "" {
		listen = fc.Listen
	}
	if listen == "" {
		listen = defaultListenAddr
	}
	ma, err := multiaddr.NewMultiaddr(listen)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", listen, err)
	}

	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, wraith.WithLogger(golog.New("wraith")))
	opts = append(opts, extra...)
	return wraith.NewConfig(priv, ma, opts...), nil
}

// startNode builds the configuration, starts a node and waits for its
// warmup.
func startNode(ctx context.Context, extra ...wraith.ConfigOption) (*wraith.Node, error) {
	cfg, err := buildConfig(extra...)
	if err != nil {
		return nil, err
	}
	node, err := wraith.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	select {
	case <-node.Ready():
	case <-ctx.Done():
		_ = node.Shutdown(context.Background())
		return nil, ctx.Err()
	}
	return node, nil
}

func stopNode(node *wraith.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = node.Shutdown(ctx)
}

// progress prints transfer progress until h finishes.
func progress(ctx context.Context, h *transfer.Handle) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.Done():
			p := h.Progress()
			fmt.Printf("\r%s: %d/%d bytes (%s)\n", h.Name(), p.Bytes, p.TotalBytes, p.State)
			return h.Err()
		case <-ticker.C:
			p := h.Progress()
			fmt.Printf("\r%s: %d/%d bytes", h.Name(), p.Bytes, p.TotalBytes)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

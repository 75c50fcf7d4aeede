package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountManager manages the lifecycle of one FUSE mount.
type MountManager struct {
	gateway *Gateway
	config  *Config
	log     *slog.Logger

	// mu guards server and mounted; the server-wait goroutine clears the
	// flag when the kernel connection drops.
	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a mount manager for gateway.
func NewMountManager(gateway *Gateway, logger *slog.Logger) *MountManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MountManager{
		gateway: gateway,
		config:  gateway.config,
		log:     logger.With("component", "fuse-mount"),
	}
}

// Mount mounts the filesystem at the configured mount point and starts
// serving in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.gateway.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}
	m.server = server
	m.mounted = true

	m.log.Info("filesystem mounted", "mount_point", m.config.MountPoint,
		"read_only", m.config.ReadOnly)

	go func() {
		server.Wait()
		m.log.Info("FUSE server stopped")
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
	}()
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount when the
// mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.log.Warn("normal unmount failed, trying lazy unmount", "error", err)
		if forceErr := syscall.Unmount(m.config.MountPoint, 2); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (lazy unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	m.log.Info("filesystem unmounted", "mount_point", m.config.MountPoint)
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the FUSE server exits.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attrTimeout := m.config.AttrTimeout
	entryTimeout := m.config.EntryTimeout
	if attrTimeout == 0 {
		attrTimeout = time.Second
	}
	if entryTimeout == 0 {
		entryTimeout = time.Second
	}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	if m.config.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if m.config.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.Subtype))
	}
	return opts
}

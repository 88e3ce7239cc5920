package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/openmined/regionsync/internal/config"
	"github.com/openmined/regionsync/internal/controlplane"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/utils"
)

var errDaemonUnavailable = errors.New("daemon not reachable")

func daemonClient(cfg *config.Config) (*controlplane.Client, error) {
	if !cfg.ControlPlane.Enabled {
		return nil, errDaemonUnavailable
	}
	base, err := controlplane.AddrToURL(cfg.ControlPlane.Addr)
	if err != nil {
		return nil, err
	}
	return controlplane.NewClient(base, cfg.ControlPlane.Token), nil
}

// isUnreachable reports whether err means no daemon is listening.
func isUnreachable(err error) bool {
	if errors.Is(err, errDaemonUnavailable) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		return errors.As(urlErr.Err, &opErr) && opErr.Op == "dial"
	}
	return false
}

// withLedger runs fn against the ledger with the data dir locked, for
// commands that modify it while no daemon is running.
func withLedger(cfg *config.Config, fn func(*ledger.Ledger) error) error {
	lock, err := utils.TryLockDir(cfg.LockPath())
	if errors.Is(err, utils.ErrLocked) {
		return fmt.Errorf("a daemon is running on %s but its control plane is not reachable", cfg.DataDir)
	}
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return readLedger(cfg, fn)
}

// readLedger opens the ledger without taking the lock. The ledger is in WAL
// mode, so reading next to a running daemon is safe.
func readLedger(cfg *config.Config, fn func(*ledger.Ledger) error) error {
	if !utils.FileExists(cfg.LedgerPath()) {
		return fmt.Errorf("no ledger at %s", cfg.LedgerPath())
	}
	l := ledger.NewLedger(cfg.LedgerPath())
	if err := l.Open(); err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

func cmdContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestTimeout)
}

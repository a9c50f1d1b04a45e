// Package device derives a stable identifier for this install.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/rmax-ai/lampchain/pkg/localstate"
)

const installIDKey = "device/install_id"

// Oracle returns the device half of the origin fingerprint.
type Oracle interface {
	Fingerprint(ctx context.Context) (string, error)
}

// Static is an Oracle with a fixed answer.
type Static string

func (s Static) Fingerprint(ctx context.Context) (string, error) {
	return string(s), nil
}

// LocalOracle hashes a random install id, persisted in the local KV, with
// the host name. The result is computed once per process.
type LocalOracle struct {
	kv       localstate.KV
	hostname func() (string, error)

	once sync.Once
	id   string
	err  error
}

func NewLocalOracle(kv localstate.KV) *LocalOracle {
	return &LocalOracle{kv: kv, hostname: os.Hostname}
}

func (o *LocalOracle) Fingerprint(ctx context.Context) (string, error) {
	o.once.Do(func() {
		o.id, o.err = o.compute()
	})
	return o.id, o.err
}

func (o *LocalOracle) compute() (string, error) {
	install, err := o.installID()
	if err != nil {
		return "", err
	}
	host, err := o.hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(install + "|" + host))
	return hex.EncodeToString(sum[:]), nil
}

func (o *LocalOracle) installID() (string, error) {
	v, err := o.kv.Get(installIDKey)
	if err == nil && len(v) > 0 {
		return string(v), nil
	}
	if err != nil && !errors.Is(err, localstate.ErrKeyNotFound) {
		return "", fmt.Errorf("failed to read install id: %w", err)
	}

	id := uuid.NewString()
	if err := o.kv.Set(installIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist install id: %w", err)
	}
	return id, nil
}

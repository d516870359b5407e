// SPDX-License-Identifier: GPL-3.0-or-later
//
// Grounded on: go-mcast's fuzzy/commit_test.go (goleak.VerifyNone after a
// full cluster shutdown), applied here to the daemon's own Start/Stop
// lifecycle (spec §5: every goroutine the daemon starts must exit once its
// context is cancelled).

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/basso-someip/someipyd/internal/config"
	"github.com/basso-someip/someipyd/internal/someiplog"
)

func TestDaemonStartStopReleasesAllResources(t *testing.T) {
	cfg := config.New()
	cfg.UDSPath = filepath.Join(t.TempDir(), "someipyd.sock")

	d := New(cfg, someiplog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, d.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return goleak.Find() == nil
	}, 5*time.Second, 20*time.Millisecond, "all daemon goroutines must exit once its context is cancelled")
}

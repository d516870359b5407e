// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"sync"

	"github.com/basso-someip/someipyd/internal/ipc"
	"github.com/basso-someip/someipyd/internal/registry"
)

// callTag remembers the application-chosen tag and owning connection for
// one outstanding [ipc.KindCallMethod] request, so the eventual
// [ipc.KindMethodResponse] push can be addressed and correlated back to the
// application's own bookkeeping (spec §6.3: the daemon's session_id is
// never exposed to applications, only the tag they supplied).
type callTag struct {
	tag  uint64
	conn *ipc.Conn
}

type callTagTable struct {
	mu   sync.Mutex
	tags map[callTagKey]callTag
}

type callTagKey struct {
	clientID  uint16
	sessionID uint16
}

func newCallTagTable() *callTagTable {
	return &callTagTable{tags: make(map[callTagKey]callTag)}
}

func (t *callTagTable) store(client *registry.LocalClientInstance, sessionID uint16, tag uint64, conn *ipc.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tags[callTagKey{client.ClientID, sessionID}] = callTag{tag: tag, conn: conn}
}

func (t *callTagTable) take(clientID, sessionID uint16) (callTag, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := callTagKey{clientID, sessionID}
	ct, ok := t.tags[key]
	if ok {
		delete(t.tags, key)
	}
	return ct, ok
}

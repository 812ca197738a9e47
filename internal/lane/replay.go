package lane

import (
	"sync"

	"github.com/bken/agentmesh/internal/protocol"
)

// maxReplayBuffer bounds how many messages are retained per conversation
// key, matching the teacher's server/room.go maxMsgBuffer ring (there
// keyed by channel ID; here keyed by conversation key since a node's
// conversations span channels, see internal/router).
const maxReplayBuffer = 500

// replayed wraps a LaneMessage with a monotonic per-conversation sequence
// number, mirroring server/room.go's ControlMsg.SeqNum.
type replayed struct {
	seq uint64
	msg protocol.LaneMessage
}

// ReplayBuffer is a bounded per-conversation-key window of recently
// delivered lane messages, letting a reconnecting node ask "what did I
// miss since sequence N" (spec §1's "in-memory window" and SPEC_FULL's
// supplemented message-replay feature). Grounded directly on
// server/room.go's BufferMessage/GetMessagesSince/msgBuffer, generalized
// from an int64 channel ID key to a string conversation key.
type ReplayBuffer struct {
	mu   sync.RWMutex
	seqs map[string]uint64
	buf  map[string][]replayed
}

// NewReplayBuffer returns an empty ReplayBuffer.
func NewReplayBuffer() *ReplayBuffer {
	return &ReplayBuffer{
		seqs: make(map[string]uint64),
		buf:  make(map[string][]replayed),
	}
}

// Record appends msg to conversationKey's window, assigning it the next
// sequence number for that key. A key is ignored if empty: not every
// caller has resolved a conversation (e.g. pre-registration traffic).
func (r *ReplayBuffer) Record(conversationKey string, msg protocol.LaneMessage) uint64 {
	if conversationKey == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seqs[conversationKey]++
	seq := r.seqs[conversationKey]
	entries := append(r.buf[conversationKey], replayed{seq: seq, msg: msg})
	if len(entries) > maxReplayBuffer {
		entries = entries[len(entries)-maxReplayBuffer:]
	}
	r.buf[conversationKey] = entries
	return seq
}

// Since returns every buffered message for conversationKey with a
// sequence number greater than lastSeq, oldest first.
func (r *ReplayBuffer) Since(conversationKey string, lastSeq uint64) []protocol.LaneMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.buf[conversationKey]
	out := make([]protocol.LaneMessage, 0, len(entries))
	for _, e := range entries {
		if e.seq > lastSeq {
			out = append(out, e.msg)
		}
	}
	return out
}

// CurrentSeq returns the latest sequence number recorded for
// conversationKey, or 0 if nothing has been recorded yet.
func (r *ReplayBuffer) CurrentSeq(conversationKey string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seqs[conversationKey]
}

package syncer

import (
	"github.com/google/uuid"

	"github.com/zwy923/mailsift/internal/imapx"
	"github.com/zwy923/mailsift/internal/model"
)

// maxChainDepth bounds the reply-chain walk and the grouping recursion.
const maxChainDepth = 100

// ThreadIdentity is the resolved conversation identity of one fetched
// message.
type ThreadIdentity struct {
	ThreadID  string
	ParentSeq *uint32
}

// ResolveThreads derives a stable thread identifier per message by walking
// reply chains backward to their root. known maps message-id to the thread
// identity already stored locally. A message whose declared parent is not
// present locally becomes its own thread root instead of colliding with an
// unrelated thread under a shared missing-parent key.
func ResolveThreads(
	batch []*imapx.FetchedMessage,
	known map[string]model.ThreadRef,
) map[uint32]ThreadIdentity {
	byMessageID := make(map[string]*imapx.FetchedMessage, len(batch))
	for _, m := range batch {
		if m.MessageID != "" {
			byMessageID[m.MessageID] = m
		}
	}

	// Thread id per root key, so every message sharing a root gets the same
	// generated identifier.
	threadByRoot := make(map[string]string)

	resolved := make(map[uint32]ThreadIdentity, len(batch))
	for _, m := range batch {
		rootID := walkToRoot(m, byMessageID, known)

		threadID, ok := threadByRoot[rootID]
		if !ok {
			// Reuse the stored thread of the root when it is already known.
			if ref, stored := known[rootID]; stored {
				threadID = ref.ThreadID
			} else {
				threadID = uuid.NewString()
			}
			threadByRoot[rootID] = threadID
		}

		identity := ThreadIdentity{ThreadID: threadID}
		if parent := parentSeq(m, byMessageID, known); parent != nil {
			identity.ParentSeq = parent
		}
		resolved[m.UID] = identity
	}
	return resolved
}

// walkToRoot follows the in-reply-to chain until it reaches a message with
// no parent, or whose parent is unknown locally. The walk is bounded and
// cycle-guarded.
func walkToRoot(
	m *imapx.FetchedMessage,
	byMessageID map[string]*imapx.FetchedMessage,
	known map[string]model.ThreadRef,
) string {
	cur := m
	visited := map[string]bool{}

	for depth := 0; depth < maxChainDepth; depth++ {
		id := cur.MessageID
		if id == "" {
			// No identity at all: synthesize a per-message root key from the
			// sequence id so the message forms its own thread.
			return uuid.NewString()
		}
		if visited[id] {
			// Reply cycle. Pick a canonical member so every message in the
			// cycle resolves to the same root.
			return minKey(visited)
		}
		visited[id] = true

		parentID := cur.InReplyTo
		if parentID == "" && len(cur.References) > 0 {
			// References lists the chain oldest-first; the last entry is the
			// direct parent.
			parentID = cur.References[len(cur.References)-1]
		}
		if parentID == "" {
			return id // chain root
		}

		if parent, ok := byMessageID[parentID]; ok {
			cur = parent
			continue
		}
		if ref, ok := known[parentID]; ok {
			// Parent is stored locally; its thread is the root's thread.
			return ref.MessageID
		}

		// Declared parent arrived out of band: the message is its own root.
		return id
	}
	return cur.MessageID
}

func minKey(set map[string]bool) string {
	var min string
	for k := range set {
		if min == "" || k < min {
			min = k
		}
	}
	return min
}

func parentSeq(
	m *imapx.FetchedMessage,
	byMessageID map[string]*imapx.FetchedMessage,
	known map[string]model.ThreadRef,
) *uint32 {
	parentID := m.InReplyTo
	if parentID == "" && len(m.References) > 0 {
		parentID = m.References[len(m.References)-1]
	}
	if parentID == "" {
		return nil
	}
	if parent, ok := byMessageID[parentID]; ok {
		seq := parent.UID
		return &seq
	}
	if ref, ok := known[parentID]; ok {
		seq := ref.SequenceID
		return &seq
	}
	return nil
}

// GroupNode is one node of the server-provided thread grouping structure.
type GroupNode struct {
	UID      uint32
	Children []*GroupNode
}

// FlattenGroups assigns thread identifiers from a server-side grouping. Each
// top-level node is a separate thread; a nested child list is the same
// thread. Recursion depth is bounded; nodes past the bound keep the thread
// of their nearest counted ancestor.
func FlattenGroups(roots []*GroupNode) map[uint32]string {
	out := make(map[uint32]string)
	for _, root := range roots {
		threadID := uuid.NewString()
		assignThread(root, threadID, out, 0)
	}
	return out
}

func assignThread(node *GroupNode, threadID string, out map[uint32]string, depth int) {
	if node == nil || depth > maxChainDepth {
		return
	}
	if node.UID != 0 {
		out[node.UID] = threadID
	}
	for _, child := range node.Children {
		assignThread(child, threadID, out, depth+1)
	}
}

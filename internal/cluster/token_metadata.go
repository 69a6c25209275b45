package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

const (
	// DefaultNumTokens is the default number of tokens owned by a node
	DefaultNumTokens = 16
	// DefaultReplicationFactor is the default number of replicas for each key
	DefaultReplicationFactor = 1
)

// Token is a position on the ring.
type Token uint64

// TokenFor hashes a partition key onto the ring.
func TokenFor(key string) Token {
	return Token(murmur3.Sum64([]byte(key)))
}

// TokenMetadata tracks which node owns which ring positions
type TokenMetadata struct {
	mu                sync.RWMutex
	ring              []Token          // sorted ring positions
	owners            map[Token]string // token -> node ID
	nodeTokens        map[string][]Token
	replicationFactor int
	version           uint64
}

// TokenMetadataOption configures TokenMetadata
type TokenMetadataOption func(*TokenMetadata)

// WithReplication sets the replication factor used by ResponsibleNodes
func WithReplication(factor int) TokenMetadataOption {
	return func(tm *TokenMetadata) {
		tm.replicationFactor = factor
	}
}

// NewTokenMetadata creates an empty ring
func NewTokenMetadata(opts ...TokenMetadataOption) *TokenMetadata {
	tm := &TokenMetadata{
		owners:            make(map[Token]string),
		nodeTokens:        make(map[string][]Token),
		replicationFactor: DefaultReplicationFactor,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// GenerateTokens derives count tokens for a node. The result is stable for
// a given node ID so a restarted node lands on the same positions.
func GenerateTokens(nodeID string, count int) []Token {
	tokens := make([]Token, 0, count)
	for i := 0; i < count; i++ {
		tokens = append(tokens, TokenFor(fmt.Sprintf("%s-%d", nodeID, i)))
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// UpdateNormalTokens replaces the tokens owned by a node
func (tm *TokenMetadata) UpdateNormalTokens(nodeID string, tokens []Token) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.removeLocked(nodeID)
	owned := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if _, taken := tm.owners[t]; taken {
			continue
		}
		tm.owners[t] = nodeID
		owned = append(owned, t)
	}
	if len(owned) == 0 {
		tm.version++
		return
	}
	tm.nodeTokens[nodeID] = owned
	tm.ring = append(tm.ring, owned...)
	sort.Slice(tm.ring, func(i, j int) bool { return tm.ring[i] < tm.ring[j] })
	tm.version++
}

// RemoveNode removes a node and its tokens from the ring
func (tm *TokenMetadata) RemoveNode(nodeID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.removeLocked(nodeID) {
		tm.version++
	}
}

func (tm *TokenMetadata) removeLocked(nodeID string) bool {
	tokens, exists := tm.nodeTokens[nodeID]
	if !exists {
		return false
	}
	drop := make(map[Token]bool, len(tokens))
	for _, t := range tokens {
		drop[t] = true
		delete(tm.owners, t)
	}
	ring := tm.ring[:0]
	for _, t := range tm.ring {
		if !drop[t] {
			ring = append(ring, t)
		}
	}
	tm.ring = ring
	delete(tm.nodeTokens, nodeID)
	return true
}

// Tokens returns the tokens owned by a node
func (tm *TokenMetadata) Tokens(nodeID string) []Token {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]Token(nil), tm.nodeTokens[nodeID]...)
}

// ResponsibleNodes returns the nodes responsible for a key
func (tm *TokenMetadata) ResponsibleNodes(key string) []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if len(tm.ring) == 0 {
		return nil
	}

	token := TokenFor(key)
	pos := sort.Search(len(tm.ring), func(i int) bool {
		return tm.ring[i] >= token
	})
	if pos == len(tm.ring) {
		pos = 0
	}

	nodes := make([]string, 0, tm.replicationFactor)
	seen := make(map[string]bool)
	start := pos
	for len(nodes) < tm.replicationFactor && len(nodes) < len(tm.nodeTokens) {
		node := tm.owners[tm.ring[pos]]
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
		pos = (pos + 1) % len(tm.ring)
		if pos == start {
			break
		}
	}
	return nodes
}

// Nodes returns every node on the ring in sorted order
func (tm *TokenMetadata) Nodes() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	nodes := make([]string, 0, len(tm.nodeTokens))
	for node := range tm.nodeTokens {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// RingVersion increases on every change to the ring
func (tm *TokenMetadata) RingVersion() uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.version
}

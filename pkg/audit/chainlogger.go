package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Event is a domain state change recorded in the chain.
type Event struct {
	Kind       string
	Actor      string
	Subject    string
	Attributes map[string]string
}

// Payload renders the event as space separated key=value pairs with attributes in
// key order, so equal events always hash the same.
func (e Event) Payload() string {
	var b strings.Builder
	fmt.Fprintf(&b, "event=%s actor=%s subject=%s", e.Kind, e.Actor, e.Subject)

	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Attributes[k])
	}
	return b.String()
}

// ChainLogger provides a tamper-evident log using hash chaining. Entries are
// optionally written as JSON lines to a sink.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	sink         io.Writer
	now          func() time.Time
}

// GenesisHash is the previous hash of the first entry of a chain.
var GenesisHash = strings.Repeat("0", 64)

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger(sink io.Writer) *ChainLogger {
	return ResumeChainLogger(sink, GenesisHash)
}

// ResumeChainLogger continues an existing chain whose last entry hashed to head.
func ResumeChainLogger(sink io.Writer, head string) *ChainLogger {
	if head == "" {
		head = GenesisHash
	}
	return &ChainLogger{
		previousHash: head,
		sink:         sink,
		now:          time.Now,
	}
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.sink != nil {
		// sink errors are ignored; the in-process chain still advances
		_ = json.NewEncoder(c.sink).Encode(entry)
	}
	return entry
}

// Record appends a domain event.
func (c *ChainLogger) Record(e Event) *LogEntry {
	return c.Append(e.Payload())
}

// Head returns the hash of the last appended entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

func entryHash(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(prev + "|" + ts + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	return FirstBreak(entries) < 0
}

// FirstBreak returns the index of the first entry that does not link to its
// predecessor or does not match its own hash, or -1 for an intact chain.
func FirstBreak(entries []*LogEntry) int {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return i
			}
		}
		if entryHash(prevHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return i
		}
	}
	return -1
}

// ReadEntries decodes a JSON lines sink back into entries for verification.
func ReadEntries(r io.Reader) ([]*LogEntry, error) {
	dec := json.NewDecoder(r)
	var entries []*LogEntry
	for dec.More() {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Command auditd verifies the hash chain written by zakaahd to its audit log.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/example/zakaah-ledger/internal/logger"
	"github.com/example/zakaah-ledger/pkg/audit"
)

func main() {
	path := flag.String("file", os.Getenv("AUDIT_LOG_FILE"), "audit log written by zakaahd (JSON lines)")
	event := flag.String("event", "", "only count entries of this event kind, e.g. allocation_committed")
	flag.Parse()

	log, err := logger.New("auditd", os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if *path == "" {
		log.Fatal("no audit log given, pass -file or set AUDIT_LOG_FILE")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal("failed to open audit log", zap.Error(err))
	}
	defer f.Close()

	report, err := verify(f, *event)
	if err != nil {
		log.Fatal("failed to read audit log", zap.String("path", *path), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("path", *path),
		zap.Int("entries", report.Entries),
		zap.Int("matching", report.Matching),
		zap.String("head", report.Head),
	}
	if report.BrokenAt > 0 {
		log.Error("audit chain broken", append(fields, zap.Int("entry", report.BrokenAt))...)
		os.Exit(1)
	}
	log.Info("audit chain intact", fields...)
}

type chainReport struct {
	Entries  int
	Matching int
	Head     string
	// BrokenAt is the 1-based position of the first bad entry, 0 when intact.
	BrokenAt int
}

func verify(r io.Reader, event string) (chainReport, error) {
	entries, err := audit.ReadEntries(r)
	if err != nil {
		return chainReport{}, err
	}

	rep := chainReport{Entries: len(entries), Head: audit.GenesisHash}
	if n := len(entries); n > 0 {
		rep.Head = entries[n-1].Hash
	}
	if i := audit.FirstBreak(entries); i >= 0 {
		rep.BrokenAt = i + 1
	}

	prefix := fmt.Sprintf("event=%s ", event)
	for _, e := range entries {
		if event == "" || strings.HasPrefix(e.Payload, prefix) {
			rep.Matching++
		}
	}
	return rep, nil
}
